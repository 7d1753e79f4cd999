package domain

import (
	"context"
	"time"
)

// MutationFields are the extra columns written together with a status change
type MutationFields struct {
	// DriverID claims the order for this driver when accepting.
	DriverID string
	// At stamps the phase timestamp for the new status.
	At time.Time
	// Proof is attached on completion.
	Proof *Proof
}

// OrderSource is the request/response half of the backend (port)
type OrderSource interface {
	// FetchAvailableOffers returns unassigned offers plus those tentatively assigned to driverID
	FetchAvailableOffers(ctx context.Context, driverID string) ([]Order, error)

	// FetchActiveOrder returns the driver's accepted, unfinished order or nil
	FetchActiveOrder(ctx context.Context, driverID string) (*Order, error)

	// MutateStatus moves an order to next. It fails with ErrConflict when the
	// remote order is no longer in a state that may transition to next.
	MutateStatus(ctx context.Context, orderID string, next OrderStatus, fields MutationFields) (Order, error)

	// ReleaseAssignment gives the order back to the pool and records the refusal
	ReleaseAssignment(ctx context.Context, orderID, driverID string) (Order, error)
}

// OrderFeed delivers inserts and updates for orders visible to a driver.
// Delivery is at-least-once and unordered. onEvent is never called after
// the returned unsubscribe function has returned.
type OrderFeed interface {
	Subscribe(ctx context.Context, driverID string, onEvent func(Order)) (unsubscribe func(), err error)
}

// OrderRepository is everything the core needs from the backend
type OrderRepository interface {
	OrderSource
	OrderFeed
}

// PresenceReporter syncs duty state and position. Calls are best-effort.
type PresenceReporter interface {
	SetOnline(ctx context.Context, driverID string, online bool, status DriverStatus) error
	ReportLocation(ctx context.Context, driverID string, lat, lng float64, activeOrderID string) error
}
