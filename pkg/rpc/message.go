// Package rpc is the message-passing layer between the API, the scheduler,
// the share managers and the data service.
//
// Two operations exist: SendAsync delivers a message at most once and
// expects no reply; SendSync blocks until the handler replies or a timeout
// elapses. Messages are addressed by Target ("topic" or "topic.server") and
// carry a JSON payload plus the API version they were encoded with.
package rpc

import (
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid"
)

// APIVersion is the version stamped on every message. Handlers accept
// messages whose major version matches and whose minor version is not newer.
const APIVersion = "1.12"

// Target addresses an endpoint. An empty Server addresses the topic as a
// whole; any endpoint registered under the topic may handle it.
type Target struct {
	Topic  string
	Server string
}

// String renders "topic" or "topic.server".
func (t Target) String() string {
	if t.Server == "" {
		return t.Topic
	}
	return t.Topic + "." + t.Server
}

// ParseTarget splits "topic.server" at the first dot.
func ParseTarget(s string) Target {
	topic, server, _ := strings.Cut(s, ".")
	return Target{Topic: topic, Server: server}
}

// Message is one RPC invocation.
type Message struct {
	ID      string          `json:"id"`
	Target  Target          `json:"target"`
	Method  string          `json:"method"`
	Version string          `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`

	// reply is nil for async messages.
	reply chan result
}

type result struct {
	payload json.RawMessage
	err     error
}

// NewMessage encodes args into a message stamped with a time-ordered ID.
func NewMessage(target Target, method string, args any, now time.Time) (*Message, error) {
	var payload json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s arguments: %w", method, err)
		}
		payload = data
	}
	id, err := ulid.New(ulid.Timestamp(now), crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	return &Message{
		ID:      id.String(),
		Target:  target,
		Method:  method,
		Version: APIVersion,
		Payload: payload,
		SentAt:  now,
	}, nil
}

// IsSync reports whether the sender is waiting for a reply.
func (m *Message) IsSync() bool {
	return m.reply != nil
}

// compatible reports whether a handler at APIVersion can serve version v.
func compatible(v string) bool {
	if v == "" {
		return true
	}
	var maj, min, myMaj, myMin int
	if _, err := fmt.Sscanf(v, "%d.%d", &maj, &min); err != nil {
		return false
	}
	_, _ = fmt.Sscanf(APIVersion, "%d.%d", &myMaj, &myMin)
	return maj == myMaj && min <= myMin
}
