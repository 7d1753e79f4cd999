package domain

import "time"

// DriverStatus is the driver's duty state
type DriverStatus string

const (
	DriverOffline DriverStatus = "offline"
	DriverOnline  DriverStatus = "online"
	DriverBusy    DriverStatus = "busy"
)

func (s DriverStatus) String() string {
	return string(s)
}

// IsValid checks if status is known
func (s DriverStatus) IsValid() bool {
	switch s {
	case DriverOffline, DriverOnline, DriverBusy:
		return true
	}
	return false
}

// IsOnDuty is true for online and busy
func (s DriverStatus) IsOnDuty() bool {
	return s == DriverOnline || s == DriverBusy
}

// Coordinates is a live GPS fix
type Coordinates struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
