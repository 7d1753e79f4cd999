package persist

import (
	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/state"
)

// CurrentVersion is the shape written by Save.
//
//	v1: float "earnings", volatile fields stored alongside
//	v2: integer "earnings_in_cents", volatile fields stripped
//	v3: history orders carry "price_in_cents" instead of float "price"
const CurrentVersion = 3

// State is the persisted blob. Only fields that may safely survive a
// restart belong here: no location, duty flag, status or active order.
type State struct {
	Version         int                                     `json:"version"`
	User            *domain.User                            `json:"user,omitempty"`
	IsAuthenticated bool                                    `json:"is_authenticated"`
	Preferences     domain.Preferences                      `json:"preferences"`
	Vehicle         domain.Vehicle                          `json:"vehicle"`
	Documents       map[domain.DocumentKind]domain.Document `json:"documents,omitempty"`
	History         []domain.Order                          `json:"history"`
	EarningsInCents int64                                   `json:"earnings_in_cents"`
}

// DefaultState is what an empty or unreadable store hydrates to
func DefaultState() State {
	return State{
		Version:     CurrentVersion,
		Preferences: domain.DefaultPreferences(),
		History:     []domain.Order{},
	}
}

// FromPersisted converts the store's persisted slice to the current blob
func FromPersisted(p state.Persisted) State {
	history := p.History
	if history == nil {
		history = []domain.Order{}
	}
	return State{
		Version:         CurrentVersion,
		User:            p.User,
		IsAuthenticated: p.Authenticated,
		Preferences:     p.Preferences,
		Vehicle:         p.Vehicle,
		Documents:       p.Documents,
		History:         history,
		EarningsInCents: p.Earnings.Cents(),
	}
}

// ToPersisted converts the blob back for Tx.Restore
func (s State) ToPersisted() state.Persisted {
	return state.Persisted{
		User:          s.User,
		Authenticated: s.IsAuthenticated && s.User != nil,
		Preferences:   s.Preferences,
		Vehicle:       s.Vehicle,
		Documents:     s.Documents,
		History:       s.History,
		Earnings:      domain.Cents(s.EarningsInCents),
	}
}
