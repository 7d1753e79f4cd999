package service

import (
	"context"
	"errors"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/metrics"
	"driver-dispatch/internal/dispatch/state"
	"driver-dispatch/pkg/logger"
)

// DutyController owns the offline/online/busy state and its presence sync.
type DutyController struct {
	store    *state.Store
	presence domain.PresenceReporter
	effort   *BestEffort
	log      logger.Logger
	metrics  *metrics.Metrics
}

func NewDutyController(store *state.Store, presence domain.PresenceReporter, effort *BestEffort, log logger.Logger, m *metrics.Metrics) *DutyController {
	return &DutyController{store: store, presence: presence, effort: effort, log: log, metrics: m}
}

// SetDuty is the driver's explicit on/off duty toggle. Going off duty with
// an active order is refused and reported as false; nothing changes then.
func (d *DutyController) SetDuty(on bool) bool {
	_, err := d.store.Update(func(tx *state.Tx) error {
		if tx.DriverID() == "" {
			return domain.ErrNotSignedIn
		}
		if !on {
			if tx.CurrentOrder() != nil {
				return domain.ErrActiveOrderBlocksOffline
			}
			tx.SetDriverStatus(domain.DriverOffline)
			return nil
		}
		if tx.DriverStatus() == domain.DriverOffline {
			tx.SetDriverStatus(domain.DriverOnline)
		}
		return nil
	})
	if err != nil {
		action := "duty.refused"
		if errors.Is(err, domain.ErrNotSignedIn) {
			action = "duty.signed_out"
		}
		d.log.Warn(action, err.Error())
		return false
	}
	return true
}

// SetStatus sets the status directly, without the off-duty guard. The guard
// applies only to the driver's own toggle, not to internal transitions.
func (d *DutyController) SetStatus(s domain.DriverStatus) {
	_, _ = d.store.Update(func(tx *state.Tx) error {
		tx.SetDriverStatus(s)
		return nil
	})
}

// StatusChanged syncs a committed status change to the presence backend.
func (d *DutyController) StatusChanged(driverID string, from, to domain.DriverStatus) {
	d.metrics.SetDriverStatus(to)
	if driverID == "" || from == to {
		return
	}
	fields := logger.LogFields{"driver_id": driverID, "from": from, "to": to}
	d.log.WithFields(fields).Info("duty.status_changed", "driver status changed")
	d.effort.Go("presence_set_online", fields, func(ctx context.Context) error {
		return d.presence.SetOnline(ctx, driverID, to.IsOnDuty(), to)
	})
}
