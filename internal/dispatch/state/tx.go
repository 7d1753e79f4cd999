package state

import (
	"sort"

	"driver-dispatch/internal/dispatch/domain"
)

// Tx is a pending transaction on the Store. It exposes the named mutations;
// there is no other way to change state.
type Tx struct {
	d          *data
	orig       map[string]uint64
	baseSeq    uint64
	statusFrom domain.DriverStatus
	driverFrom string

	currentChanged   bool
	persistedChanged bool
}

func (tx *Tx) changes() Changes {
	ch := Changes{
		DriverID:            tx.DriverID(),
		StatusFrom:          tx.statusFrom,
		StatusTo:            tx.d.driverStatus,
		CurrentOrderChanged: tx.currentChanged,
		PersistedChanged:    tx.persistedChanged,
	}
	for id, seq := range tx.d.offerSeq {
		if seq > tx.baseSeq {
			ch.OffersAdded = append(ch.OffersAdded, id)
		}
	}
	for id, seq := range tx.orig {
		if tx.d.offerSeq[id] != seq {
			ch.OffersRemoved = append(ch.OffersRemoved, id)
		}
	}
	if ch.DriverID == "" {
		ch.DriverID = tx.driverFrom
	}
	sort.Strings(ch.OffersAdded)
	sort.Strings(ch.OffersRemoved)
	return ch
}

// Reads

func (tx *Tx) User() *domain.User { return tx.d.user }

// DriverID is the signed-in user's id or ""
func (tx *Tx) DriverID() string {
	if tx.d.user == nil {
		return ""
	}
	return tx.d.user.ID
}

func (tx *Tx) Authenticated() bool { return tx.d.authenticated }

func (tx *Tx) DriverStatus() domain.DriverStatus { return tx.d.driverStatus }

// CurrentOrder returns a copy of the active order or nil
func (tx *Tx) CurrentOrder() *domain.Order {
	if tx.d.currentOrder == nil {
		return nil
	}
	o := *tx.d.currentOrder
	return &o
}

// Offer looks an order up in the offer pool
func (tx *Tx) Offer(id string) (domain.Order, bool) {
	o, ok := tx.d.offers[id]
	return o, ok
}

func (tx *Tx) IsRefused(id string) bool {
	_, ok := tx.d.refused[id]
	return ok
}

// SeenVersion is the highest snapshot version applied for id
func (tx *Tx) SeenVersion(id string) int64 { return tx.d.versions[id] }

func (tx *Tx) Earnings() domain.Money { return tx.d.earnings }

// Offer pool

// UpsertOffer inserts or replaces an offer. A snapshot whose status and
// assignee match the stored one is ignored; the return value reports
// whether the pool changed.
func (tx *Tx) UpsertOffer(o domain.Order) bool {
	if cur, ok := tx.d.offers[o.ID]; ok {
		if cur.Status == o.Status && cur.DriverID == o.DriverID {
			return false
		}
		tx.d.offers[o.ID] = o
		return true
	}
	tx.d.offers[o.ID] = o
	tx.d.nextSeq++
	tx.d.offerSeq[o.ID] = tx.d.nextSeq
	return true
}

// RemoveOffer drops id from the pool and reports whether it was there
func (tx *Tx) RemoveOffer(id string) bool {
	if _, ok := tx.d.offers[id]; !ok {
		return false
	}
	delete(tx.d.offers, id)
	delete(tx.d.offerSeq, id)
	return true
}

// Refuse blacklists id for the rest of the session
func (tx *Tx) Refuse(id string) {
	tx.d.refused[id] = struct{}{}
}

// Unrefuse lifts the blacklist entry for id. The backend confirmed the
// order as ours, so its events must be applied again.
func (tx *Tx) Unrefuse(id string) {
	delete(tx.d.refused, id)
}

// RecordVersion raises the seen version for id
func (tx *Tx) RecordVersion(id string, v int64) {
	if v > tx.d.versions[id] {
		tx.d.versions[id] = v
	}
}

// Active order and duty

// SetCurrentOrder replaces the active order; nil clears it
func (tx *Tx) SetCurrentOrder(o *domain.Order) {
	prev := tx.d.currentOrder
	switch {
	case prev == nil && o == nil:
		return
	case o == nil:
		tx.d.currentOrder = nil
	default:
		cp := *o
		tx.d.currentOrder = &cp
	}
	tx.currentChanged = true
}

// SetDriverStatus sets the duty state without guards
func (tx *Tx) SetDriverStatus(s domain.DriverStatus) {
	tx.d.driverStatus = s
}

// SetLocation records the latest GPS fix
func (tx *Tx) SetLocation(c domain.Coordinates) {
	tx.d.location = &c
}

// History and earnings

// AppendHistory adds a completed order once; duplicates by id are ignored
func (tx *Tx) AppendHistory(o domain.Order) bool {
	if _, ok := tx.d.historyIDs[o.ID]; ok {
		return false
	}
	tx.d.historyIDs[o.ID] = struct{}{}
	tx.d.history = append(tx.d.history, o)
	tx.persistedChanged = true
	return true
}

func (tx *Tx) AddEarnings(m domain.Money) {
	if m == 0 {
		return
	}
	tx.d.earnings = tx.d.earnings.Add(m)
	tx.persistedChanged = true
}

// Identity and profile

// SignIn records the authenticated user
func (tx *Tx) SignIn(u domain.User) {
	tx.d.user = &u
	tx.d.authenticated = true
	tx.persistedChanged = true
}

// SignOut clears identity and every volatile field
func (tx *Tx) SignOut() {
	tx.d.user = nil
	tx.d.authenticated = false
	tx.persistedChanged = true
	tx.ResetVolatile()
}

// ResetVolatile drops the session-only fields: offers, blacklist, active
// order, location and duty.
func (tx *Tx) ResetVolatile() {
	if tx.d.currentOrder != nil {
		tx.currentChanged = true
	}
	tx.d.resetVolatile()
}

// ResetAccount clears the per-user history and earnings
func (tx *Tx) ResetAccount() {
	if len(tx.d.history) == 0 && tx.d.earnings == 0 {
		return
	}
	tx.d.history = nil
	tx.d.historyIDs = map[string]struct{}{}
	tx.d.earnings = 0
	tx.persistedChanged = true
}

func (tx *Tx) SetPreferences(p domain.Preferences) {
	tx.d.preferences = p
	tx.persistedChanged = true
}

func (tx *Tx) SetVehicle(v domain.Vehicle) {
	tx.d.vehicle = v
	tx.persistedChanged = true
}

func (tx *Tx) SetDocument(kind domain.DocumentKind, doc domain.Document) {
	tx.d.documents[kind] = doc
	tx.persistedChanged = true
}

// Restore replaces the persisted fields with hydrated ones. It does not
// move the revision: the restored state is already on disk.
func (tx *Tx) Restore(p Persisted) {
	tx.d.user = nil
	if p.User != nil {
		u := *p.User
		tx.d.user = &u
	}
	tx.d.authenticated = p.Authenticated && p.User != nil
	tx.d.preferences = p.Preferences
	tx.d.vehicle = p.Vehicle
	tx.d.documents = cloneMap(p.Documents)
	if tx.d.documents == nil {
		tx.d.documents = map[domain.DocumentKind]domain.Document{}
	}
	tx.d.history = nil
	tx.d.historyIDs = map[string]struct{}{}
	for _, o := range p.History {
		if _, ok := tx.d.historyIDs[o.ID]; ok {
			continue
		}
		tx.d.historyIDs[o.ID] = struct{}{}
		tx.d.history = append(tx.d.history, o)
	}
	tx.d.earnings = p.Earnings
}

// Replace is Restore for a rollback: the result differs from what was
// last saved, so it is marked dirty.
func (tx *Tx) Replace(p Persisted) {
	tx.Restore(p)
	tx.persistedChanged = true
}
