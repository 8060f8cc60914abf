package share

import (
	"strings"
	"time"
)

// ShareServer is a network presence on a backend shared by several instances.
type ShareServer struct {
	ID             string            `json:"id" validate:"required"`
	Host           string            `json:"host" validate:"required"`
	ShareNetworkID string            `json:"share_network_id,omitempty"`
	Status         Status            `json:"status" validate:"required"`
	BackendDetails map[string]string `json:"backend_details,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Service topics.
const (
	TopicShare     = "share"
	TopicScheduler = "scheduler"
	TopicData      = "data"
)

// Service is a running control plane process registered under a topic.
// For the share topic Host is the backend host ("service@backend").
type Service struct {
	ID               string    `json:"id" validate:"required"`
	Host             string    `json:"host" validate:"required"`
	Topic            string    `json:"topic" validate:"required,oneof=share scheduler data"`
	AvailabilityZone string    `json:"availability_zone,omitempty"`
	Disabled         bool      `json:"disabled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IsUp reports whether the service heartbeat is within downTime of now.
func (s *Service) IsUp(now time.Time, downTime time.Duration) bool {
	return now.Sub(s.UpdatedAt) <= downTime
}

// HostLevel selects how much of a "service@backend#pool" string to keep.
type HostLevel int

const (
	// LevelHost keeps "service"
	LevelHost HostLevel = iota
	// LevelBackend keeps "service@backend"
	LevelBackend
	// LevelPool keeps "pool" only
	LevelPool
)

// ExtractHost returns the requested part of a host string. For LevelPool it
// returns "" when no pool is present.
func ExtractHost(host string, level HostLevel) string {
	switch level {
	case LevelHost:
		host, _, _ = strings.Cut(host, "#")
		host, _, _ = strings.Cut(host, "@")
		return host
	case LevelBackend:
		host, _, _ = strings.Cut(host, "#")
		return host
	case LevelPool:
		_, pool, _ := strings.Cut(host, "#")
		return pool
	}
	return host
}

// AppendPool builds "backend#pool". An empty pool returns backend unchanged.
func AppendPool(backend, pool string) string {
	if pool == "" {
		return backend
	}
	return backend + "#" + pool
}
