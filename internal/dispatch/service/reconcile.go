package service

import (
	"fmt"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/metrics"
	"driver-dispatch/internal/dispatch/state"
	"driver-dispatch/pkg/logger"
)

// Outcome is what the Reconciler did with one inbound event
type Outcome string

const (
	OutcomeInvalid       Outcome = "dropped_invalid"
	OutcomeSignedOut     Outcome = "dropped_signed_out"
	OutcomeRefused       Outcome = "dropped_refused"
	OutcomeStale         Outcome = "dropped_stale"
	OutcomeActiveMission Outcome = "active_mission"
	OutcomeOfferUpserted Outcome = "offer_upserted"
	OutcomeOfferSame     Outcome = "offer_unchanged"
	OutcomeClaimed       Outcome = "claimed_by_other"
	OutcomeReassigned    Outcome = "reassigned"
	OutcomeTerminal      Outcome = "terminal"
	OutcomeRemoved       Outcome = "removed"
)

// Reconciler folds remote order snapshots into the Store. It is safe under
// redelivery: applying the same snapshot twice leaves the state as applying
// it once did.
type Reconciler struct {
	store   *state.Store
	log     logger.Logger
	metrics *metrics.Metrics
}

func NewReconciler(store *state.Store, log logger.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{store: store, log: log, metrics: m}
}

// Apply classifies one snapshot and merges it.
func (r *Reconciler) Apply(o domain.Order) Outcome {
	var outcome Outcome
	_, _ = r.store.Update(func(tx *state.Tx) error {
		outcome = r.apply(tx, o)
		return nil
	})

	r.metrics.Reconciled(string(outcome))
	log := r.log.WithFields(logger.LogFields{
		"order_id": o.ID,
		"status":   o.Status,
		"version":  o.Version,
		"outcome":  outcome,
	})
	switch outcome {
	case OutcomeInvalid:
		log.Warn("reconcile.dropped_invalid", fmt.Sprintf("event rejected: %v", o.Validate()))
	case OutcomeReassigned:
		log.Warn("reconcile.reassigned", "active order taken away by the backend")
	default:
		log.Debug("reconcile."+string(outcome), "event applied")
	}
	return outcome
}

func (r *Reconciler) apply(tx *state.Tx, o domain.Order) Outcome {
	if err := o.Validate(); err != nil {
		return OutcomeInvalid
	}
	driverID := tx.DriverID()
	if driverID == "" {
		return OutcomeSignedOut
	}
	if tx.IsRefused(o.ID) {
		return OutcomeRefused
	}
	if o.Version != 0 && o.Version < tx.SeenVersion(o.ID) {
		return OutcomeStale
	}
	tx.RecordVersion(o.ID, o.Version)

	cur := tx.CurrentOrder()
	isCurrent := cur != nil && cur.ID == o.ID

	if o.AssignedTo(driverID) && o.Status.IsActive() {
		if !isCurrent || !sameSnapshot(*cur, o) {
			if cur != nil && !isCurrent {
				r.log.WithFields(logger.LogFields{"order_id": o.ID, "replaced_order_id": cur.ID}).
					Warn("reconcile.active_replaced", "backend reports a different active order")
			}
			tx.SetCurrentOrder(&o)
		}
		tx.SetDriverStatus(domain.DriverBusy)
		tx.RemoveOffer(o.ID)
		return OutcomeActiveMission
	}

	reassigned := false
	if isCurrent && !o.Status.IsTerminal() {
		// Back in the pool, or active for someone else.
		tx.SetCurrentOrder(nil)
		tx.SetDriverStatus(domain.DriverOnline)
		reassigned = true
	}

	switch {
	case o.Status == domain.StatusPending:
		if o.IsUnassigned() || o.AssignedTo(driverID) {
			changed := tx.UpsertOffer(o)
			if reassigned {
				return OutcomeReassigned
			}
			if !changed {
				return OutcomeOfferSame
			}
			return OutcomeOfferUpserted
		}
		tx.RemoveOffer(o.ID)
		if reassigned {
			return OutcomeReassigned
		}
		return OutcomeClaimed

	case o.Status.IsTerminal():
		tx.RemoveOffer(o.ID)
		if isCurrent {
			tx.SetCurrentOrder(nil)
			tx.SetDriverStatus(domain.DriverOnline)
			if o.Status == domain.StatusCompleted {
				tx.AppendHistory(o)
			}
		}
		return OutcomeTerminal
	}

	tx.RemoveOffer(o.ID)
	if reassigned {
		return OutcomeReassigned
	}
	return OutcomeRemoved
}

func sameSnapshot(a, b domain.Order) bool {
	return a.Status == b.Status && a.DriverID == b.DriverID && a.Version == b.Version
}
