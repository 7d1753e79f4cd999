package service

import (
	"context"
	"sync"
	"time"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/state"
	"driver-dispatch/pkg/clock"
	"driver-dispatch/pkg/logger"
)

// LocationSync reports the driver's position on a fixed interval while on
// duty. Each tick reads one Snapshot, so the location and the active order
// id always come from the same state.
type LocationSync struct {
	store    *state.Store
	presence domain.PresenceReporter
	clock    clock.Clock
	interval time.Duration
	log      logger.Logger

	mu     sync.Mutex
	ticker *clock.Ticker
	stop   chan struct{}
	done   chan struct{}
}

func NewLocationSync(store *state.Store, presence domain.PresenceReporter, clk clock.Clock, interval time.Duration, log logger.Logger) *LocationSync {
	return &LocationSync{
		store:    store,
		presence: presence,
		clock:    clk,
		interval: interval,
		log:      log,
	}
}

// Start launches the ticker loop. It is a no-op when already running.
func (l *LocationSync) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ticker != nil {
		return
	}
	l.ticker = l.clock.NewTicker(l.interval)
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.loop(l.ticker, l.stop, l.done)
}

// Stop halts the loop and waits for an in-flight report to return.
func (l *LocationSync) Stop() {
	l.mu.Lock()
	ticker, stop, done := l.ticker, l.stop, l.done
	l.ticker, l.stop, l.done = nil, nil, nil
	l.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	<-done
}

func (l *LocationSync) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticker != nil
}

func (l *LocationSync) loop(ticker *clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.tick(stop)
		}
	}
}

func (l *LocationSync) tick(stop <-chan struct{}) {
	snap := l.store.Snapshot()
	driverID := snap.DriverID()
	if driverID == "" || !snap.IsOnDuty() || snap.Location == nil {
		return
	}
	activeID := ""
	if snap.CurrentOrder != nil {
		activeID = snap.CurrentOrder.ID
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.interval)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := l.presence.ReportLocation(ctx, driverID, snap.Location.Latitude, snap.Location.Longitude, activeID)
	if err != nil {
		l.log.WithFields(logger.LogFields{"driver_id": driverID, "order_id": activeID}).
			Warn("location.report_failed", err.Error())
	}
}
