package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/state"
	"driver-dispatch/pkg/clock"
	"driver-dispatch/pkg/logger"
)

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type mutation struct {
	id     string
	next   domain.OrderStatus
	fields domain.MutationFields
}

// fakeRepo is an in-memory backend. Orders added with add() are what
// MutateStatus works on; offers() is what the initial fetch returns.
type fakeRepo struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	offerIDs  []string
	active    *domain.Order
	fetchErr  error
	mutateErr error
	// mutateHook runs before a mutation is applied; it may block.
	mutateHook  func(id string, next domain.OrderStatus)
	beforeFetch func()

	releaseErr   error
	releaseCalls int
	mutations    []mutation

	onEvent      func(domain.Order)
	subscribed   int
	unsubscribed int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{orders: map[string]domain.Order{}}
}

func pendingOrder(id string, price domain.Money) domain.Order {
	return domain.Order{
		ID:         id,
		Pickup:     domain.Location{Latitude: 43.238, Longitude: 76.945, Address: "Abay Ave 10"},
		Dropoff:    domain.Location{Latitude: 43.256, Longitude: 76.928, Address: "Dostyk 5"},
		ClientName: "Client " + id,
		Price:      price,
		CreatedAt:  epoch,
		Status:     domain.StatusPending,
		Version:    1,
	}
}

// add registers an order on the backend and, if offered, in the initial fetch.
func (r *fakeRepo) add(o domain.Order, offered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o
	if offered {
		r.offerIDs = append(r.offerIDs, o.ID)
	}
}

func (r *fakeRepo) FetchAvailableOffers(ctx context.Context, driverID string) ([]domain.Order, error) {
	r.mu.Lock()
	hook := r.beforeFetch
	r.mu.Unlock()
	if hook != nil {
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	var out []domain.Order
	for _, id := range r.offerIDs {
		out = append(out, r.orders[id])
	}
	return out, nil
}

func (r *fakeRepo) FetchActiveOrder(ctx context.Context, driverID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, nil
	}
	o := *r.active
	return &o, nil
}

func (r *fakeRepo) MutateStatus(ctx context.Context, id string, next domain.OrderStatus, fields domain.MutationFields) (domain.Order, error) {
	r.mu.Lock()
	hook := r.mutateHook
	r.mu.Unlock()
	if hook != nil {
		hook(id, next)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutations = append(r.mutations, mutation{id: id, next: next, fields: fields})
	if r.mutateErr != nil {
		return domain.Order{}, r.mutateErr
	}
	o, ok := r.orders[id]
	if !ok || !domain.CanTransition(o.Status, next) {
		return domain.Order{}, domain.ConflictError(id, "unexpected remote status")
	}
	if fields.DriverID != "" {
		o.DriverID = fields.DriverID
	}
	o = o.Stamp(next, fields.At)
	o.Proof = fields.Proof
	o.Version++
	r.orders[id] = o
	return o, nil
}

func (r *fakeRepo) ReleaseAssignment(ctx context.Context, id, driverID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseCalls++
	if r.releaseErr != nil {
		return domain.Order{}, r.releaseErr
	}
	o := r.orders[id]
	o.DriverID = ""
	o.Version++
	r.orders[id] = o
	return o, nil
}

func (r *fakeRepo) Subscribe(ctx context.Context, driverID string, onEvent func(domain.Order)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = onEvent
	r.subscribed++
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.onEvent = nil
		r.unsubscribed++
	}, nil
}

// emit delivers an event the way the feed would; it is a no-op when
// nothing is subscribed.
func (r *fakeRepo) emit(o domain.Order) {
	r.mu.Lock()
	fn := r.onEvent
	r.mu.Unlock()
	if fn != nil {
		fn(o)
	}
}

func (r *fakeRepo) releases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseCalls
}

type presenceCall struct {
	driverID string
	online   bool
	status   domain.DriverStatus
}

type locationReport struct {
	driverID string
	lat, lng float64
	orderID  string
}

type fakePresence struct {
	mu        sync.Mutex
	calls     []presenceCall
	err       error
	locations chan locationReport
}

func newFakePresence() *fakePresence {
	return &fakePresence{locations: make(chan locationReport, 16)}
}

func (p *fakePresence) SetOnline(ctx context.Context, driverID string, online bool, status domain.DriverStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, presenceCall{driverID: driverID, online: online, status: status})
	return p.err
}

func (p *fakePresence) ReportLocation(ctx context.Context, driverID string, lat, lng float64, activeOrderID string) error {
	p.locations <- locationReport{driverID: driverID, lat: lat, lng: lng, orderID: activeOrderID}
	return nil
}

func (p *fakePresence) last() (presenceCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return presenceCall{}, false
	}
	return p.calls[len(p.calls)-1], true
}

type fakeAuth map[string]domain.User

var errBadToken = errors.New("bad token")

func (a fakeAuth) Authenticate(token string) (domain.User, error) {
	u, ok := a[token]
	if !ok {
		return domain.User{}, errBadToken
	}
	return u, nil
}

type fakeSaver struct {
	mu    sync.Mutex
	saves []state.Persisted
}

func (f *fakeSaver) Save(ctx context.Context, p state.Persisted) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, p)
	return nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeSaver) latest() state.Persisted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[len(f.saves)-1]
}

type harness struct {
	session  *Session
	store    *state.Store
	repo     *fakeRepo
	presence *fakePresence
	clock    *clock.Fake
	saver    *fakeSaver
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BestEffortBackoff = 0
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    state.NewStore(),
		repo:     newFakeRepo(),
		presence: newFakePresence(),
		clock:    clock.NewFake(epoch),
		saver:    &fakeSaver{},
	}
	h.session = NewSession(cfg, Deps{
		Store:    h.store,
		Repo:     h.repo,
		Presence: h.presence,
		Auth: fakeAuth{
			"token-1": {ID: "drv-1", Name: "Ana"},
			"token-2": {ID: "drv-2", Name: "Bek"},
		},
		Saver:  h.saver,
		Clock:  h.clock,
		Logger: logger.Discard(),
	})
	t.Cleanup(h.session.Close)
	return h
}

// signedIn returns a harness with drv-1 signed in and on duty.
func signedIn(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, testConfig())
	if err := h.session.SignIn(context.Background(), "token-1"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if !h.session.SetDuty(true) {
		t.Fatal("SetDuty(true) refused")
	}
	return h
}

// offer registers o on the backend and pushes it through the feed.
func (h *harness) offer(t *testing.T, o domain.Order) {
	t.Helper()
	h.repo.add(o, false)
	h.repo.emit(o)
	if !hasOffer(h.store.Snapshot().Offers, o.ID) {
		t.Fatalf("offer %s did not reach the pool", o.ID)
	}
}
