package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrAccessDenied   = errors.New("access denied")
)

// AccessDeniedError is returned when a user may not read a device.
type AccessDeniedError struct {
	UserID   int64
	DeviceID int64
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("user %d has no access to device %d", e.UserID, e.DeviceID)
}

func (e *AccessDeniedError) Is(target error) bool { return target == ErrAccessDenied }

// Device represents a tracked unit
type Device struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	UniqueID  string    `json:"unique_id"`
	GroupID   int64     `json:"group_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Group collects devices for reporting and permissions
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// User is a report consumer. Admins can read every device.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
}

// SummaryReport aggregates one device's movement over a window.
// EngineHours is in milliseconds, Distance in meters.
type SummaryReport struct {
	DeviceID     int64   `json:"deviceId"`
	DeviceName   string  `json:"deviceName"`
	Distance     float64 `json:"distance"`
	AverageSpeed float64 `json:"averageSpeed"`
	MaxSpeed     float64 `json:"maxSpeed"`
	EngineHours  int64   `json:"engineHours"`
}

// ReportQuery selects the devices and window of a batch report.
type ReportQuery struct {
	UserID    int64
	DeviceIDs []int64
	GroupIDs  []int64
	From      time.Time
	To        time.Time
}

// Stats describes the contents of a store
type Stats struct {
	Devices   int64 `json:"devices"`
	Groups    int64 `json:"groups"`
	Users     int64 `json:"users"`
	Positions int64 `json:"positions"`
}
