package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Concrete errors wrap one of these; callers branch with errors.Is.
var (
	// ErrNetwork is a transient transport failure; the caller may retry.
	ErrNetwork = errors.New("network error")
	// ErrConflict means the remote order no longer matches expectations
	// (claimed by someone else, already terminal). Refresh, do not retry.
	ErrConflict = errors.New("order conflict")
	// ErrValidation is a locally violated precondition.
	ErrValidation = errors.New("validation error")
	// ErrPersistence is corrupt or unreadable stored state.
	ErrPersistence = errors.New("persistence error")
)

// Guard errors. Messages are shown to the driver as-is.
var (
	ErrNotSignedIn              = validation("sign in before handling orders")
	ErrOrderAlreadyActive       = validation("you already have an active order; finish it before accepting another")
	ErrAcceptInProgress         = validation("another order is being accepted; wait for it to finish")
	ErrNoActiveOrder            = validation("there is no active order")
	ErrOfferNotFound            = validation("this offer is no longer available")
	ErrInvalidTransition        = validation("this step is not allowed for the order's current status")
	ErrCannotRejectActive       = validation("the active order cannot be rejected")
	ErrActiveOrderBlocksOffline = validation("finish the active order before going off duty")
	ErrActiveOrderBlocksSignOut = validation("finish the active order before signing out")
	ErrInvalidProof             = validation("proof of delivery needs a kind (signature or photo) and data")
)

func validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

// NetworkError wraps a transport failure as ErrNetwork.
func NetworkError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
}

// ConflictError reports a remote state mismatch for an order.
func ConflictError(orderID, reason string) error {
	return fmt.Errorf("order %s: %w: %s", orderID, ErrConflict, reason)
}

// PersistenceError wraps a storage or decoding failure as ErrPersistence.
func PersistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
