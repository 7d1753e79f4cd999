package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/metrics"
	"driver-dispatch/internal/dispatch/state"
	"driver-dispatch/pkg/clock"
	"driver-dispatch/pkg/config"
	"driver-dispatch/pkg/logger"
)

// Config holds the dispatch tunables
type Config struct {
	RevenueShare       domain.ShareRate
	OfferTimeout       time.Duration
	LocationInterval   time.Duration
	BestEffortAttempts int
	BestEffortBackoff  time.Duration
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		RevenueShare:       domain.DefaultRevenueShare,
		OfferTimeout:       30 * time.Second,
		LocationInterval:   3 * time.Second,
		BestEffortAttempts: 3,
		BestEffortBackoff:  2 * time.Second,
	}
}

// ConfigFrom builds the dispatch config from the process config
func ConfigFrom(cfg *config.Config) (Config, error) {
	share, err := domain.ParseShareRate(cfg.Dispatch.RevenueShare)
	if err != nil {
		return Config{}, fmt.Errorf("REVENUE_SHARE: %w", err)
	}
	return Config{
		RevenueShare:       share,
		OfferTimeout:       cfg.Dispatch.OfferTimeout,
		LocationInterval:   cfg.Dispatch.LocationInterval,
		BestEffortAttempts: cfg.Dispatch.BestEffortAttempts,
		BestEffortBackoff:  cfg.Dispatch.BestEffortBackoff,
	}, nil
}

// Authenticator turns a session token into the driver's identity
type Authenticator interface {
	Authenticate(token string) (domain.User, error)
}

// Saver writes the persisted part of the state
type Saver interface {
	Save(ctx context.Context, p state.Persisted) error
}

// Deps are the collaborators of a Session
type Deps struct {
	Store    *state.Store
	Repo     domain.OrderRepository
	Presence domain.PresenceReporter
	Auth     Authenticator
	Saver    Saver
	Clock    clock.Clock
	Logger   logger.Logger
	Metrics  *metrics.Metrics
}

// Session is the driver-facing application object. It owns the realtime
// subscription, offer countdowns, location sync and persist-on-change, and
// delegates order and duty operations to the lifecycle and duty controller.
type Session struct {
	store      *state.Store
	repo       domain.OrderRepository
	auth       Authenticator
	saver      Saver
	log        logger.Logger
	metrics    *metrics.Metrics
	effort     *BestEffort
	lifecycle  *Lifecycle
	reconciler *Reconciler
	duty       *DutyController
	timers     *OfferTimers
	location   *LocationSync

	feedMu      sync.Mutex
	live        bool
	buffered    []domain.Order
	unsubscribe func()
	runCancel   context.CancelFunc
	sessionID   string

	lastSaved uint64
}

func NewSession(cfg Config, deps Deps) *Session {
	if deps.Store == nil {
		deps.Store = state.NewStore()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}

	s := &Session{
		store:   deps.Store,
		repo:    deps.Repo,
		auth:    deps.Auth,
		saver:   deps.Saver,
		log:     deps.Logger,
		metrics: deps.Metrics,
	}
	s.effort = NewBestEffort(deps.Clock, deps.Logger, deps.Metrics, cfg.BestEffortAttempts, cfg.BestEffortBackoff)
	s.lifecycle = NewLifecycle(deps.Store, deps.Repo, s.effort, deps.Clock, cfg.RevenueShare, deps.Logger, deps.Metrics)
	s.reconciler = NewReconciler(deps.Store, deps.Logger, deps.Metrics)
	s.duty = NewDutyController(deps.Store, deps.Presence, s.effort, deps.Logger, deps.Metrics)
	s.timers = NewOfferTimers(deps.Clock, cfg.OfferTimeout, func(id string) { _ = s.lifecycle.Expire(id) })
	s.location = NewLocationSync(deps.Store, deps.Presence, deps.Clock, cfg.LocationInterval, deps.Logger)
	s.lastSaved = deps.Store.Revision()
	deps.Store.SetObserver(s.onChange)
	return s
}

// SignIn verifies the token, records the driver and starts the session.
// Signing in as a different driver resets history and earnings. If the
// initial fetch fails the sign-in is rolled back.
func (s *Session) SignIn(ctx context.Context, token string) error {
	user, err := s.auth.Authenticate(token)
	if err != nil {
		s.log.Error("session.sign_in.rejected", err)
		return fmt.Errorf("sign in: %w", err)
	}
	s.stop()

	prev := s.store.Snapshot().Persisted
	_, _ = s.store.Update(func(tx *state.Tx) error {
		if old := tx.User(); old != nil && old.ID != user.ID {
			tx.ResetAccount()
		}
		tx.ResetVolatile()
		tx.SignIn(user)
		return nil
	})

	if err := s.start(ctx, user.ID); err != nil {
		_, _ = s.store.Update(func(tx *state.Tx) error {
			tx.ResetVolatile()
			tx.Replace(prev)
			return nil
		})
		s.log.WithFields(logger.LogFields{"driver_id": user.ID}).Error("session.sign_in.failed", err)
		return fmt.Errorf("sign in: %w", err)
	}
	return nil
}

// Resume starts a session restored from persisted state without a new token.
func (s *Session) Resume(ctx context.Context) error {
	snap := s.store.Snapshot()
	if !snap.Authenticated || snap.DriverID() == "" {
		return domain.ErrNotSignedIn
	}
	s.stop()
	return s.start(ctx, snap.DriverID())
}

// SignOut ends the session. It is refused while an order is active; the
// subscription and tasks are stopped only once the sign-out has committed.
func (s *Session) SignOut() error {
	_, err := s.store.Update(func(tx *state.Tx) error {
		if tx.CurrentOrder() != nil {
			return domain.ErrActiveOrderBlocksSignOut
		}
		tx.SignOut()
		return nil
	})
	if err != nil {
		return err
	}
	s.stop()
	s.log.Info("session.signed_out", "driver signed out")
	return nil
}

// Close tears the session down without signing out: subscription, timers,
// location sync and pending best-effort calls are stopped.
func (s *Session) Close() {
	s.stop()
	s.effort.Close()
}

// start subscribes first and buffers events, fetches the initial state,
// then replays the buffer so no event is lost or applied to a cold cache.
func (s *Session) start(ctx context.Context, driverID string) error {
	runCtx, cancel := context.WithCancel(context.Background())
	sessionID := uuid.NewString()
	log := s.log.WithFields(logger.LogFields{"driver_id": driverID, "session_id": sessionID})

	s.feedMu.Lock()
	s.live = false
	s.buffered = nil
	s.runCancel = cancel
	s.sessionID = sessionID
	s.feedMu.Unlock()

	unsubscribe, err := s.repo.Subscribe(runCtx, driverID, s.onEvent)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}
	s.feedMu.Lock()
	s.unsubscribe = unsubscribe
	s.feedMu.Unlock()

	started := time.Now()
	offers, err := s.repo.FetchAvailableOffers(ctx, driverID)
	s.metrics.ObserveRemote("fetch_available_offers", started)
	if err != nil {
		s.stop()
		return fmt.Errorf("fetch offers: %w", err)
	}
	started = time.Now()
	active, err := s.repo.FetchActiveOrder(ctx, driverID)
	s.metrics.ObserveRemote("fetch_active_order", started)
	if err != nil {
		s.stop()
		return fmt.Errorf("fetch active order: %w", err)
	}

	for _, o := range offers {
		s.reconciler.Apply(o)
	}
	if active != nil {
		s.reconciler.Apply(*active)
	}

	s.feedMu.Lock()
	replay := s.buffered
	s.buffered = nil
	for _, o := range replay {
		s.reconciler.Apply(o)
	}
	s.live = true
	s.feedMu.Unlock()

	log.Info("session.started", fmt.Sprintf("initial fetch: %d offers, %d buffered events replayed", len(offers), len(replay)))
	return nil
}

func (s *Session) onEvent(o domain.Order) {
	s.feedMu.Lock()
	if !s.live {
		s.buffered = append(s.buffered, o)
		s.feedMu.Unlock()
		return
	}
	s.feedMu.Unlock()
	s.reconciler.Apply(o)
}

func (s *Session) stop() {
	s.feedMu.Lock()
	unsubscribe, cancel := s.unsubscribe, s.runCancel
	s.unsubscribe, s.runCancel = nil, nil
	s.live = false
	s.buffered = nil
	s.feedMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	s.location.Stop()
	s.timers.CancelAll()
}

// onChange reacts to committed store changes. It runs serialized with other
// notifications and must not call Update.
func (s *Session) onChange(ch state.Changes) {
	for _, id := range ch.OffersRemoved {
		s.timers.Cancel(id)
	}
	for _, id := range ch.OffersAdded {
		s.timers.Start(id)
	}

	snap := s.store.Snapshot()
	s.metrics.SetOfferPool(len(snap.Offers))
	s.metrics.SetEarnings(snap.Earnings)

	if ch.StatusChanged() {
		if ch.StatusTo.IsOnDuty() && snap.DriverID() != "" {
			s.location.Start()
		} else if !ch.StatusTo.IsOnDuty() {
			s.location.Stop()
		}
		s.duty.StatusChanged(ch.DriverID, ch.StatusFrom, ch.StatusTo)
	}

	if ch.PersistedChanged && ch.Revision > s.lastSaved && s.saver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
		defer cancel()
		if err := s.saver.Save(ctx, snap.Persisted); err != nil {
			s.log.Error("session.persist.failed", err)
			return
		}
		s.lastSaved = snap.Revision
	}
}

// Driver operations

func (s *Session) AcceptOffer(ctx context.Context, orderID string) (domain.Order, error) {
	return s.lifecycle.AcceptOffer(ctx, orderID)
}

func (s *Session) Advance(ctx context.Context, next domain.OrderStatus) (domain.Order, error) {
	return s.lifecycle.Advance(ctx, next)
}

func (s *Session) Complete(ctx context.Context, proof *domain.Proof) (domain.Order, domain.Money, error) {
	return s.lifecycle.Complete(ctx, proof)
}

func (s *Session) Reject(orderID string) error {
	return s.lifecycle.Reject(orderID)
}

// SetDuty toggles duty; false means the request was refused.
func (s *Session) SetDuty(on bool) bool {
	return s.duty.SetDuty(on)
}

func (s *Session) SetStatus(status domain.DriverStatus) {
	s.duty.SetStatus(status)
}

func (s *Session) SetLocation(c domain.Coordinates) {
	_, _ = s.store.Update(func(tx *state.Tx) error {
		tx.SetLocation(c)
		return nil
	})
}

// Profile operations

func (s *Session) UpdatePreferences(p domain.Preferences) {
	_, _ = s.store.Update(func(tx *state.Tx) error {
		tx.SetPreferences(p)
		return nil
	})
}

func (s *Session) UpdateVehicle(v domain.Vehicle) {
	_, _ = s.store.Update(func(tx *state.Tx) error {
		tx.SetVehicle(v)
		return nil
	})
}

func (s *Session) SetDocumentStatus(kind domain.DocumentKind, status domain.DocumentStatus, at time.Time) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: unknown document status %q", domain.ErrValidation, status)
	}
	_, err := s.store.Update(func(tx *state.Tx) error {
		tx.SetDocument(kind, domain.Document{Status: status, UpdatedAt: at})
		return nil
	})
	return err
}

// Reads

func (s *Session) Snapshot() state.Snapshot { return s.store.Snapshot() }

// Earnings is the authoritative accumulator in cents
func (s *Session) Earnings() domain.Money { return s.store.Snapshot().Earnings }

// EarningsMajor is the display value: cents / 100
func (s *Session) EarningsMajor() float64 { return s.Earnings().Major() }

// Wait blocks until queued best-effort calls have finished. Tests use it.
func (s *Session) Wait() { s.effort.Wait() }

// Live reports whether the realtime subscription is established and trusted
func (s *Session) Live() bool {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	return s.live
}
