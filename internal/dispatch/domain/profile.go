package domain

import "time"

// User is the signed-in driver's identity
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// NavigationApp is the external app used for turn-by-turn directions
type NavigationApp string

const (
	NavigationGoogleMaps NavigationApp = "google_maps"
	NavigationWaze       NavigationApp = "waze"
	NavigationAppleMaps  NavigationApp = "apple_maps"
)

// Preferences are driver-owned settings that survive restarts
type Preferences struct {
	NavigationApp NavigationApp `json:"navigation_app"`
	SoundEnabled  bool          `json:"sound_enabled"`
}

// DefaultPreferences is used when nothing was persisted
func DefaultPreferences() Preferences {
	return Preferences{NavigationApp: NavigationGoogleMaps, SoundEnabled: true}
}

// Vehicle describes the driver's car
type Vehicle struct {
	Make     string `json:"make,omitempty"`
	Model    string `json:"model,omitempty"`
	Color    string `json:"color,omitempty"`
	Plate    string `json:"plate,omitempty"`
	Year     int    `json:"year,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
}

type DocumentKind string

const (
	DocumentLicense      DocumentKind = "license"
	DocumentRegistration DocumentKind = "registration"
	DocumentInsurance    DocumentKind = "insurance"
)

type DocumentStatus string

const (
	DocumentMissing  DocumentStatus = "missing"
	DocumentPending  DocumentStatus = "pending"
	DocumentApproved DocumentStatus = "approved"
	DocumentRejected DocumentStatus = "rejected"
)

// IsValid checks if status is known
func (s DocumentStatus) IsValid() bool {
	switch s {
	case DocumentMissing, DocumentPending, DocumentApproved, DocumentRejected:
		return true
	}
	return false
}

// Document is the review state of one uploaded document
type Document struct {
	Status    DocumentStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}
