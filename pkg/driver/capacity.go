package driver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// CapacityState distinguishes a reported number from the "unknown" and
// absent cases backends may report.
type CapacityState int

const (
	// CapacityMissing means the backend did not report the value
	CapacityMissing CapacityState = iota
	// CapacityUnknown means the backend reported "unknown" or "infinite"
	CapacityUnknown
	// CapacityKnown means GB holds the reported value
	CapacityKnown
)

// Capacity is a capacity in gigabytes as reported by a backend.
//
// On the wire it is a number, the string "unknown" (or "infinite"), or null.
type Capacity struct {
	State CapacityState
	GB    float64
}

// GB returns a known capacity.
func GB(v float64) Capacity { return Capacity{State: CapacityKnown, GB: v} }

// Unknown returns an unknown capacity.
func Unknown() Capacity { return Capacity{State: CapacityUnknown} }

func (c Capacity) IsKnown() bool   { return c.State == CapacityKnown }
func (c Capacity) IsUnknown() bool { return c.State == CapacityUnknown }
func (c Capacity) IsMissing() bool { return c.State == CapacityMissing }

// String renders the capacity for logs ("1.1 TB", "unknown", "-").
func (c Capacity) String() string {
	switch c.State {
	case CapacityKnown:
		if c.GB < 0 {
			return fmt.Sprintf("%.0f GB", c.GB)
		}
		return humanize.Bytes(uint64(c.GB * 1e9))
	case CapacityUnknown:
		return "unknown"
	}
	return "-"
}

// MarshalJSON implements json.Marshaler.
func (c Capacity) MarshalJSON() ([]byte, error) {
	switch c.State {
	case CapacityKnown:
		return json.Marshal(c.GB)
	case CapacityUnknown:
		return []byte(`"unknown"`), nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Capacity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = Capacity{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch strings.ToLower(s) {
		case "unknown", "infinite":
			*c = Unknown()
			return nil
		}
		var v float64
		if _, err := fmt.Sscanf(s, "%g", &v); err != nil {
			return fmt.Errorf("invalid capacity %q", s)
		}
		*c = GB(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid capacity %s", data)
	}
	*c = GB(v)
	return nil
}
