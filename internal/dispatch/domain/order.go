package domain

import (
	"fmt"
	"time"
)

// OrderStatus is the remote lifecycle state of an order
type OrderStatus string

const (
	StatusPending       OrderStatus = "pending"
	StatusAccepted      OrderStatus = "accepted"
	StatusArrivedPickup OrderStatus = "arrived_pickup"
	StatusInProgress    OrderStatus = "in_progress"
	StatusCompleted     OrderStatus = "completed"
	StatusCancelled     OrderStatus = "cancelled"
	StatusExpired       OrderStatus = "expired"
)

// String returns string representation of status
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid checks if status is known
func (s OrderStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusArrivedPickup, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsActive reports whether the status belongs to an accepted, unfinished mission
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusAccepted, StatusArrivedPickup, StatusInProgress:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// transitions lists the allowed successors of each non-terminal status.
// Cancellation is reachable from every non-terminal state.
var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:       {StatusAccepted, StatusCancelled, StatusExpired},
	StatusAccepted:      {StatusArrivedPickup, StatusInProgress, StatusCancelled},
	StatusArrivedPickup: {StatusInProgress, StatusCancelled},
	StatusInProgress:    {StatusCompleted, StatusCancelled},
}

// CanTransition checks whether from -> to is an edge of the lifecycle graph
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns every status that may move directly to s.
// The repository uses it as the expected-state set of a conditional update.
func Predecessors(s OrderStatus) []OrderStatus {
	var out []OrderStatus
	for _, from := range []OrderStatus{StatusPending, StatusAccepted, StatusArrivedPickup, StatusInProgress} {
		if CanTransition(from, s) {
			out = append(out, from)
		}
	}
	return out
}

// Location is a geocoded point
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Address   string  `json:"address"`
}

// Validate checks coordinate ranges
func (l Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", l.Longitude)
	}
	return nil
}

// ProofKind is how delivery was confirmed
type ProofKind string

const (
	ProofSignature ProofKind = "signature"
	ProofPhoto     ProofKind = "photo"
)

// Proof is the proof-of-completion record attached to a completed order
type Proof struct {
	Kind       ProofKind `json:"kind"`
	Data       []byte    `json:"data"`
	CapturedAt time.Time `json:"captured_at"`
}

// Validate checks that the proof is usable
func (p Proof) Validate() error {
	if (p.Kind != ProofSignature && p.Kind != ProofPhoto) || len(p.Data) == 0 {
		return ErrInvalidProof
	}
	return nil
}

// Order is a transport request as seen by the driver. Snapshots are values;
// the reconciler replaces them wholesale and never mutates one in place.
type Order struct {
	ID          string      `json:"id"`
	Pickup      Location    `json:"pickup"`
	Dropoff     Location    `json:"dropoff"`
	ClientName  string      `json:"client_name"`
	Price       Money       `json:"price_in_cents"`
	CreatedAt   time.Time   `json:"created_at"`
	Status      OrderStatus `json:"status"`
	DriverID    string      `json:"driver_id,omitempty"`
	AcceptedAt  *time.Time  `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time  `json:"arrived_at,omitempty"`
	PickedUpAt  *time.Time  `json:"picked_up_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Proof       *Proof      `json:"proof,omitempty"`
	// Version increases with every backend write. Zero means unknown.
	Version int64 `json:"version,omitempty"`
}

// IsUnassigned reports whether no driver holds the order
func (o Order) IsUnassigned() bool { return o.DriverID == "" }

// AssignedTo reports whether driverID holds the order
func (o Order) AssignedTo(driverID string) bool {
	return driverID != "" && o.DriverID == driverID
}

// PriceMajor is the price in major units, for display only
func (o Order) PriceMajor() float64 { return o.Price.Major() }

// Stamp returns a copy with status set and the matching phase timestamp filled in
func (o Order) Stamp(status OrderStatus, at time.Time) Order {
	o.Status = status
	t := at
	switch status {
	case StatusAccepted:
		o.AcceptedAt = &t
	case StatusArrivedPickup:
		o.ArrivedAt = &t
	case StatusInProgress:
		o.PickedUpAt = &t
	case StatusCompleted:
		o.CompletedAt = &t
	}
	return o
}

// Validate checks the fields a snapshot needs before it can enter local state
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: order id is empty", ErrValidation)
	}
	if !o.Status.IsValid() {
		return fmt.Errorf("%w: order %s has unknown status %q", ErrValidation, o.ID, o.Status)
	}
	if o.Price < 0 {
		return fmt.Errorf("%w: order %s has negative price", ErrValidation, o.ID)
	}
	return nil
}
