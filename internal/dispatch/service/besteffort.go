package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/metrics"
	"driver-dispatch/pkg/clock"
	"driver-dispatch/pkg/logger"
)

const attemptTimeout = 10 * time.Second

// BestEffort runs remote calls whose failure must not undo local state
// (release on reject, presence sync). Each call is retried a bounded number
// of times in the background; after the last attempt the update is lost and
// only logged and counted.
type BestEffort struct {
	clock    clock.Clock
	log      logger.Logger
	metrics  *metrics.Metrics
	attempts int
	backoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBestEffort(clk clock.Clock, log logger.Logger, m *metrics.Metrics, attempts int, backoff time.Duration) *BestEffort {
	if attempts < 1 {
		attempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BestEffort{
		clock:    clk,
		log:      log,
		metrics:  m,
		attempts: attempts,
		backoff:  backoff,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Go schedules call in the background. op labels logs and metrics.
func (b *BestEffort) Go(op string, fields logger.LogFields, call func(ctx context.Context) error) {
	if b.ctx.Err() != nil {
		b.log.WithFields(fields).Warn("best_effort.closed", fmt.Sprintf("%s skipped: runner closed", op))
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(op, fields, call)
	}()
}

func (b *BestEffort) run(op string, fields logger.LogFields, call func(ctx context.Context) error) {
	log := b.log.WithFields(fields)
	var err error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(b.ctx, attemptTimeout)
		err = call(ctx)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Info("best_effort.recovered", fmt.Sprintf("%s succeeded on attempt %d", op, attempt))
			}
			return
		}
		if errors.Is(err, domain.ErrConflict) || b.ctx.Err() != nil {
			break
		}
		if attempt == b.attempts {
			break
		}
		log.Debug("best_effort.retry", fmt.Sprintf("%s attempt %d failed: %v", op, attempt, err))
		select {
		case <-b.ctx.Done():
		case <-b.clock.After(b.backoff * time.Duration(attempt)):
		}
	}
	log.Error("best_effort.dropped", fmt.Errorf("%s given up: %w", op, err))
	b.metrics.Dropped(op)
}

// Wait blocks until every scheduled call has finished.
func (b *BestEffort) Wait() { b.wg.Wait() }

// Close cancels pending retries and waits for running calls to return.
func (b *BestEffort) Close() {
	b.cancel()
	b.wg.Wait()
}
