package state

import (
	"sort"
	"sync"

	"driver-dispatch/internal/dispatch/domain"
)

// Changes describes what one Update did. It is delivered to the observer
// after the transaction commits.
type Changes struct {
	// DriverID is the signed-in driver, or the one signed out by this Update.
	DriverID string

	OffersAdded   []string
	OffersRemoved []string

	StatusFrom domain.DriverStatus
	StatusTo   domain.DriverStatus

	CurrentOrderChanged bool

	// Revision moves whenever a persisted field changed.
	Revision         uint64
	PersistedChanged bool
}

// StatusChanged reports whether the driver status moved
func (c Changes) StatusChanged() bool { return c.StatusFrom != c.StatusTo }

func (c Changes) empty() bool {
	return len(c.OffersAdded) == 0 && len(c.OffersRemoved) == 0 &&
		!c.StatusChanged() && !c.CurrentOrderChanged && !c.PersistedChanged
}

// Persisted is the slice of the state that survives a restart
type Persisted struct {
	User          *domain.User
	Authenticated bool
	Preferences   domain.Preferences
	Vehicle       domain.Vehicle
	Documents     map[domain.DocumentKind]domain.Document
	History       []domain.Order
	Earnings      domain.Money
}

// Snapshot is a consistent copy of the whole state
type Snapshot struct {
	Persisted

	DriverStatus domain.DriverStatus
	Location     *domain.Coordinates
	CurrentOrder *domain.Order
	Offers       []domain.Order
	Refused      []string
	Revision     uint64
}

// IsOnDuty is derived from the driver status
func (s Snapshot) IsOnDuty() bool { return s.DriverStatus.IsOnDuty() }

// DriverID is the signed-in user's id or ""
func (s Snapshot) DriverID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// Store is the single shared mutable state of a driver session. All writes
// go through Update; reads take a Snapshot.
type Store struct {
	mu       sync.Mutex
	notifyMu sync.Mutex
	data     data
	observer func(Changes)
}

type data struct {
	user          *domain.User
	authenticated bool
	preferences   domain.Preferences
	vehicle       domain.Vehicle
	documents     map[domain.DocumentKind]domain.Document
	history       []domain.Order
	historyIDs    map[string]struct{}
	earnings      domain.Money
	revision      uint64

	driverStatus domain.DriverStatus
	location     *domain.Coordinates
	currentOrder *domain.Order
	offers       map[string]domain.Order
	offerSeq     map[string]uint64
	nextSeq      uint64
	refused      map[string]struct{}
	versions     map[string]int64
}

// NewStore returns an empty, signed-out store
func NewStore() *Store {
	s := &Store{}
	s.data = data{
		preferences: domain.DefaultPreferences(),
		documents:   map[domain.DocumentKind]domain.Document{},
		historyIDs:  map[string]struct{}{},
	}
	s.data.resetVolatile()
	return s
}

func (d *data) resetVolatile() {
	d.driverStatus = domain.DriverOffline
	d.location = nil
	d.currentOrder = nil
	d.offers = map[string]domain.Order{}
	d.offerSeq = map[string]uint64{}
	d.refused = map[string]struct{}{}
	d.versions = map[string]int64{}
}

// SetObserver installs the change callback. The observer runs outside the
// state lock but serialized with other notifications; it may read a
// Snapshot but must not call Update.
func (s *Store) SetObserver(fn func(Changes)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Update runs fn as one transaction. If fn returns an error, every change
// it made is discarded.
func (s *Store) Update(fn func(tx *Tx) error) (Changes, error) {
	s.mu.Lock()
	tx := &Tx{
		d:          s.data.clone(),
		orig:       s.data.offerSeq,
		baseSeq:    s.data.nextSeq,
		statusFrom: s.data.driverStatus,
	}
	if s.data.user != nil {
		tx.driverFrom = s.data.user.ID
	}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return Changes{}, err
	}
	s.data = *tx.d
	ch := tx.changes()
	if ch.PersistedChanged {
		s.data.revision++
	}
	ch.Revision = s.data.revision
	observer := s.observer

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	if observer != nil && !ch.empty() {
		observer(ch)
	}
	return ch, nil
}

// Snapshot returns a deep-enough copy of the state
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &s.data

	snap := Snapshot{
		Persisted:    d.persisted(),
		DriverStatus: d.driverStatus,
		Revision:     d.revision,
		Offers:       d.sortedOffers(),
	}
	if d.location != nil {
		loc := *d.location
		snap.Location = &loc
	}
	if d.currentOrder != nil {
		o := *d.currentOrder
		snap.CurrentOrder = &o
	}
	for id := range d.refused {
		snap.Refused = append(snap.Refused, id)
	}
	sort.Strings(snap.Refused)
	return snap
}

// Revision is the current persisted revision
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.revision
}

func (d *data) persisted() Persisted {
	p := Persisted{
		Authenticated: d.authenticated,
		Preferences:   d.preferences,
		Vehicle:       d.vehicle,
		Documents:     make(map[domain.DocumentKind]domain.Document, len(d.documents)),
		History:       append([]domain.Order(nil), d.history...),
		Earnings:      d.earnings,
	}
	if d.user != nil {
		u := *d.user
		p.User = &u
	}
	for k, v := range d.documents {
		p.Documents[k] = v
	}
	return p
}

func (d *data) sortedOffers() []domain.Order {
	out := make([]domain.Order, 0, len(d.offers))
	for _, o := range d.offers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return d.offerSeq[out[i].ID] < d.offerSeq[out[j].ID] })
	return out
}

func (d data) clone() *data {
	c := d
	c.documents = cloneMap(d.documents)
	c.history = append([]domain.Order(nil), d.history...)
	c.historyIDs = cloneMap(d.historyIDs)
	c.offers = cloneMap(d.offers)
	c.offerSeq = cloneMap(d.offerSeq)
	c.refused = cloneMap(d.refused)
	c.versions = cloneMap(d.versions)
	return &c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
