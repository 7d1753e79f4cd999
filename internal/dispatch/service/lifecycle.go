package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/metrics"
	"driver-dispatch/internal/dispatch/state"
	"driver-dispatch/pkg/clock"
	"driver-dispatch/pkg/logger"
)

// Lifecycle runs the driver-initiated order transitions. Accept, advance and
// complete change local state only after the backend confirmed; reject and
// expire change it first and release remotely in the background.
type Lifecycle struct {
	store   *state.Store
	repo    domain.OrderSource
	effort  *BestEffort
	clock   clock.Clock
	share   domain.ShareRate
	log     logger.Logger
	metrics *metrics.Metrics

	inflightMu sync.Mutex
	inflight   *pendingAccept
}

// pendingAccept is the accept waiting on the backend. An offer countdown
// that fires meanwhile is held back until the accept resolves.
type pendingAccept struct {
	orderID string
	expired bool
}

func NewLifecycle(
	store *state.Store,
	repo domain.OrderSource,
	effort *BestEffort,
	clk clock.Clock,
	share domain.ShareRate,
	log logger.Logger,
	m *metrics.Metrics,
) *Lifecycle {
	return &Lifecycle{
		store:   store,
		repo:    repo,
		effort:  effort,
		clock:   clk,
		share:   share,
		log:     log,
		metrics: m,
	}
}

// AcceptOffer claims an offer from the pool. At most one accept may be in
// flight, and none while an order is active.
func (l *Lifecycle) AcceptOffer(ctx context.Context, orderID string) (order domain.Order, err error) {
	defer func() { l.metrics.Lifecycle("accept", err) }()

	snap := l.store.Snapshot()
	driverID := snap.DriverID()
	if driverID == "" {
		return domain.Order{}, domain.ErrNotSignedIn
	}
	if !l.beginAccept(orderID) {
		return domain.Order{}, domain.ErrAcceptInProgress
	}
	defer func() {
		if l.endAccept() && err != nil {
			_ = l.decline(orderID, false)
		}
	}()

	// Re-read after taking the in-flight slot so a just-finished accept is seen.
	snap = l.store.Snapshot()
	if snap.CurrentOrder != nil {
		return domain.Order{}, domain.ErrOrderAlreadyActive
	}
	if !hasOffer(snap.Offers, orderID) {
		return domain.Order{}, domain.ErrOfferNotFound
	}

	log := l.log.WithFields(logger.LogFields{"order_id": orderID, "driver_id": driverID})
	started := time.Now()
	accepted, err := l.repo.MutateStatus(ctx, orderID, domain.StatusAccepted, domain.MutationFields{
		DriverID: driverID,
		At:       l.clock.Now(),
	})
	l.metrics.ObserveRemote("mutate_status", started)
	if err != nil {
		log.Error("lifecycle.accept.failed", err)
		return domain.Order{}, fmt.Errorf("accept order %s: %w", orderID, err)
	}
	if accepted.ID == "" {
		accepted.ID = orderID
	}

	_, err = l.store.Update(func(tx *state.Tx) error {
		if tx.DriverID() != driverID {
			return domain.ErrNotSignedIn
		}
		if cur := tx.CurrentOrder(); cur != nil && cur.ID != orderID {
			log.WithFields(logger.LogFields{"replaced_order_id": cur.ID}).
				Warn("lifecycle.accept.replaced_active", "confirmed order replaces a different local active order")
		}
		tx.RecordVersion(orderID, accepted.Version)
		tx.Unrefuse(orderID)
		tx.RemoveOffer(orderID)
		tx.SetCurrentOrder(&accepted)
		tx.SetDriverStatus(domain.DriverBusy)
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	log.Info("lifecycle.accepted", "order accepted")
	return accepted, nil
}

// Advance moves the active order to the next pickup stage:
// accepted -> arrived_pickup -> in_progress, or accepted -> in_progress.
func (l *Lifecycle) Advance(ctx context.Context, next domain.OrderStatus) (order domain.Order, err error) {
	defer func() { l.metrics.Lifecycle("advance", err) }()

	snap := l.store.Snapshot()
	cur := snap.CurrentOrder
	if cur == nil {
		return domain.Order{}, domain.ErrNoActiveOrder
	}
	if next != domain.StatusArrivedPickup && next != domain.StatusInProgress {
		return domain.Order{}, domain.ErrInvalidTransition
	}
	if !domain.CanTransition(cur.Status, next) {
		return domain.Order{}, domain.ErrInvalidTransition
	}

	log := l.log.WithFields(logger.LogFields{"order_id": cur.ID, "driver_id": snap.DriverID(), "next": next})
	started := time.Now()
	updated, err := l.repo.MutateStatus(ctx, cur.ID, next, domain.MutationFields{
		DriverID: snap.DriverID(),
		At:       l.clock.Now(),
	})
	l.metrics.ObserveRemote("mutate_status", started)
	if err != nil {
		log.Error("lifecycle.advance.failed", err)
		return domain.Order{}, fmt.Errorf("advance order %s to %s: %w", cur.ID, next, err)
	}

	_, err = l.store.Update(func(tx *state.Tx) error {
		tx.RecordVersion(updated.ID, updated.Version)
		if c := tx.CurrentOrder(); c == nil || c.ID != updated.ID {
			return domain.ConflictError(updated.ID, "no longer the active order")
		}
		tx.SetCurrentOrder(&updated)
		return nil
	})
	if err != nil {
		log.Warn("lifecycle.advance.superseded", err.Error())
		return domain.Order{}, err
	}
	log.Info("lifecycle.advanced", fmt.Sprintf("order moved to %s", updated.Status))
	return updated, nil
}

// Complete finishes the active order and credits the driver's share. It is
// the only operation that changes earnings.
func (l *Lifecycle) Complete(ctx context.Context, proof *domain.Proof) (order domain.Order, share domain.Money, err error) {
	defer func() { l.metrics.Lifecycle("complete", err) }()

	snap := l.store.Snapshot()
	cur := snap.CurrentOrder
	if cur == nil {
		return domain.Order{}, 0, domain.ErrNoActiveOrder
	}
	if !domain.CanTransition(cur.Status, domain.StatusCompleted) {
		return domain.Order{}, 0, domain.ErrInvalidTransition
	}
	if proof != nil {
		if err := proof.Validate(); err != nil {
			return domain.Order{}, 0, err
		}
		if proof.CapturedAt.IsZero() {
			p := *proof
			p.CapturedAt = l.clock.Now()
			proof = &p
		}
	}

	log := l.log.WithFields(logger.LogFields{"order_id": cur.ID, "driver_id": snap.DriverID()})
	started := time.Now()
	done, err := l.repo.MutateStatus(ctx, cur.ID, domain.StatusCompleted, domain.MutationFields{
		DriverID: snap.DriverID(),
		At:       l.clock.Now(),
		Proof:    proof,
	})
	l.metrics.ObserveRemote("mutate_status", started)
	if err != nil {
		log.Error("lifecycle.complete.failed", err)
		return domain.Order{}, 0, fmt.Errorf("complete order %s: %w", cur.ID, err)
	}

	share = l.share.Of(done.Price)
	_, _ = l.store.Update(func(tx *state.Tx) error {
		tx.RecordVersion(done.ID, done.Version)
		tx.AddEarnings(share)
		tx.AppendHistory(done)
		if c := tx.CurrentOrder(); c != nil && c.ID == done.ID {
			tx.SetCurrentOrder(nil)
			tx.SetDriverStatus(domain.DriverOnline)
		}
		return nil
	})
	log.Info("lifecycle.completed", fmt.Sprintf("order completed, driver share %s", share))
	return done, share, nil
}

// Reject declines an offer. The offer leaves the pool and is blacklisted
// immediately; the remote release is best-effort and never rolled back.
func (l *Lifecycle) Reject(orderID string) (err error) {
	defer func() { l.metrics.Lifecycle("reject", err) }()
	return l.decline(orderID, true)
}

// Expire is Reject triggered by the offer countdown. An offer that already
// left the pool is ignored.
func (l *Lifecycle) Expire(orderID string) error {
	err := l.decline(orderID, false)
	l.metrics.Lifecycle("expire", err)
	return err
}

func (l *Lifecycle) decline(orderID string, explicit bool) error {
	var driverID string
	removed := false
	_, err := l.store.Update(func(tx *state.Tx) error {
		driverID = tx.DriverID()
		if driverID == "" {
			return domain.ErrNotSignedIn
		}
		if cur := tx.CurrentOrder(); cur != nil && cur.ID == orderID {
			return domain.ErrCannotRejectActive
		}
		if l.holdForAccept(orderID, explicit) {
			return domain.ErrAcceptInProgress
		}
		removed = tx.RemoveOffer(orderID)
		if !removed && explicit {
			return domain.ErrOfferNotFound
		}
		if removed {
			tx.Refuse(orderID)
		}
		return nil
	})
	if err != nil {
		if !explicit {
			return nil
		}
		return err
	}
	if !removed {
		return nil
	}

	action := "lifecycle.rejected"
	if !explicit {
		action = "lifecycle.expired"
	}
	fields := logger.LogFields{"order_id": orderID, "driver_id": driverID}
	l.log.WithFields(fields).Info(action, "offer removed and blacklisted")

	l.effort.Go("release_assignment", fields, func(ctx context.Context) error {
		_, err := l.repo.ReleaseAssignment(ctx, orderID, driverID)
		return err
	})
	return nil
}

func (l *Lifecycle) beginAccept(orderID string) bool {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()
	if l.inflight != nil {
		return false
	}
	l.inflight = &pendingAccept{orderID: orderID}
	return true
}

// endAccept clears the in-flight accept and reports whether its offer
// countdown fired while it was pending.
func (l *Lifecycle) endAccept() bool {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()
	expired := l.inflight != nil && l.inflight.expired
	l.inflight = nil
	return expired
}

// holdForAccept reports whether orderID is being accepted. A countdown
// expiry is remembered and replayed if the accept fails.
func (l *Lifecycle) holdForAccept(orderID string, explicit bool) bool {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()
	if l.inflight == nil || l.inflight.orderID != orderID {
		return false
	}
	if !explicit {
		l.inflight.expired = true
	}
	return true
}

func hasOffer(offers []domain.Order, id string) bool {
	for _, o := range offers {
		if o.ID == id {
			return true
		}
	}
	return false
}
