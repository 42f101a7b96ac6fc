package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ignition is the engine state reported with a fix.
type Ignition int

const (
	IgnitionUnknown Ignition = iota
	IgnitionOff
	IgnitionOn
)

// ParseIgnition interprets the textual form of an ignition attribute.
// Anything it cannot read is IgnitionUnknown.
func ParseIgnition(s string) Ignition {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "on", "yes", "y":
		return IgnitionOn
	case "off", "no", "n":
		return IgnitionOff
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return IgnitionUnknown
	}
	if b {
		return IgnitionOn
	}
	return IgnitionOff
}

// IgnitionFromBool maps a known engine state.
func IgnitionFromBool(on bool) Ignition {
	if on {
		return IgnitionOn
	}
	return IgnitionOff
}

// On reports whether ignition is asserted. Unknown is not on.
func (i Ignition) On() bool { return i == IgnitionOn }

func (i Ignition) String() string {
	switch i {
	case IgnitionOn:
		return "on"
	case IgnitionOff:
		return "off"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes known states as booleans and unknown as null.
func (i Ignition) MarshalJSON() ([]byte, error) {
	switch i {
	case IgnitionOn:
		return []byte("true"), nil
	case IgnitionOff:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a boolean, a string, a number or null.
func (i *Ignition) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*i = IgnitionUnknown
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("ignition: %w", err)
		}
		*i = ParseIgnition(s)
		return nil
	}
	*i = ParseIgnition(string(data))
	return nil
}

// Position is a single timestamped fix reported by a device.
type Position struct {
	ID        int64     `json:"id"`
	DeviceID  int64     `json:"device_id"`
	FixTime   time.Time `json:"fix_time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Course    float64   `json:"course"`
	Altitude  float64   `json:"altitude"`
	Ignition  Ignition  `json:"ignition"`
}

// PositionQuery filters stored positions. A non-zero UserID restricts the
// result to devices that user may read.
type PositionQuery struct {
	UserID   int64
	DeviceID int64
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
