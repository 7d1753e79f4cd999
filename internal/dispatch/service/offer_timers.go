package service

import (
	"sync"
	"time"

	"driver-dispatch/pkg/clock"
)

// OfferTimers holds one expiry countdown per offer in the pool.
type OfferTimers struct {
	clock   clock.Clock
	timeout time.Duration
	expire  func(orderID string)

	mu     sync.Mutex
	timers map[string]*clock.Timer
}

func NewOfferTimers(clk clock.Clock, timeout time.Duration, expire func(orderID string)) *OfferTimers {
	return &OfferTimers{
		clock:   clk,
		timeout: timeout,
		expire:  expire,
		timers:  make(map[string]*clock.Timer),
	}
}

// Start begins the countdown for orderID. A running countdown is not reset.
func (t *OfferTimers) Start(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.timers[orderID]; ok {
		return
	}
	var timer *clock.Timer
	timer = t.clock.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		if t.timers[orderID] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.timers, orderID)
		t.mu.Unlock()
		t.expire(orderID)
	})
	t.timers[orderID] = timer
}

func (t *OfferTimers) Cancel(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[orderID]; ok {
		timer.Stop()
		delete(t.timers, orderID)
	}
}

func (t *OfferTimers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// Len is the number of running countdowns
func (t *OfferTimers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
