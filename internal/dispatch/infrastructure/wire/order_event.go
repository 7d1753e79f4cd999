// Package wire defines the inbound order event schema shared by every
// realtime transport. Payloads are validated and mapped once here so the
// reconciler only ever sees well-typed domain.Order snapshots.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"driver-dispatch/internal/dispatch/domain"
)

// EventType tags a change on the orders table.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

// Envelope is one change notification.
type Envelope struct {
	Type   EventType    `json:"type"`
	Record *OrderRecord `json:"record"`
}

// OrderRecord is an orders row as the backend broadcasts it. Price may come
// as a major-unit decimal (price), as cents (price_in_cents), or both; when
// both are present they must agree.
type OrderRecord struct {
	ID              string      `json:"id"`
	PickupLat       float64     `json:"pickup_lat"`
	PickupLng       float64     `json:"pickup_lng"`
	PickupAddress   string      `json:"pickup_address"`
	DropoffLat      float64     `json:"dropoff_lat"`
	DropoffLng      float64     `json:"dropoff_lng"`
	DropoffAddress  string      `json:"dropoff_address"`
	ClientName      string      `json:"client_name"`
	Price           json.Number `json:"price,omitempty"`
	PriceInCents    *int64      `json:"price_in_cents,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Status          string      `json:"status"`
	DriverID        *string     `json:"driver_id"`
	AcceptedAt      *time.Time  `json:"accepted_at,omitempty"`
	ArrivedAt       *time.Time  `json:"arrived_at,omitempty"`
	PickedUpAt      *time.Time  `json:"picked_up_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	ProofKind       string      `json:"proof_kind,omitempty"`
	ProofData       []byte      `json:"proof_data,omitempty"`
	ProofCapturedAt *time.Time  `json:"proof_captured_at,omitempty"`
	Version         int64       `json:"version"`
}

// Decode parses and validates one envelope. Every failure wraps
// domain.ErrValidation.
func Decode(data []byte) (domain.Order, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return domain.Order{}, fmt.Errorf("%w: malformed order event: %v", domain.ErrValidation, err)
	}
	switch env.Type {
	case EventInsert, EventUpdate:
	default:
		return domain.Order{}, fmt.Errorf("%w: unknown event type %q", domain.ErrValidation, env.Type)
	}
	if env.Record == nil {
		return domain.Order{}, fmt.Errorf("%w: %s event without record", domain.ErrValidation, env.Type)
	}
	return env.Record.Order()
}

// Order maps the record to a domain snapshot.
func (r OrderRecord) Order() (domain.Order, error) {
	price, err := r.price()
	if err != nil {
		return domain.Order{}, err
	}
	o := domain.Order{
		ID:          r.ID,
		Pickup:      domain.Location{Latitude: r.PickupLat, Longitude: r.PickupLng, Address: r.PickupAddress},
		Dropoff:     domain.Location{Latitude: r.DropoffLat, Longitude: r.DropoffLng, Address: r.DropoffAddress},
		ClientName:  r.ClientName,
		Price:       price,
		CreatedAt:   r.CreatedAt,
		Status:      domain.OrderStatus(strings.ToLower(r.Status)),
		AcceptedAt:  r.AcceptedAt,
		ArrivedAt:   r.ArrivedAt,
		PickedUpAt:  r.PickedUpAt,
		CompletedAt: r.CompletedAt,
		Version:     r.Version,
	}
	if r.DriverID != nil {
		o.DriverID = *r.DriverID
	}
	if r.ProofKind != "" {
		p := domain.Proof{Kind: domain.ProofKind(r.ProofKind), Data: r.ProofData}
		if r.ProofCapturedAt != nil {
			p.CapturedAt = *r.ProofCapturedAt
		}
		o.Proof = &p
	}
	if err := o.Validate(); err != nil {
		return domain.Order{}, err
	}
	if err := o.Pickup.Validate(); err != nil {
		return domain.Order{}, fmt.Errorf("%w: order %s pickup: %v", domain.ErrValidation, o.ID, err)
	}
	if err := o.Dropoff.Validate(); err != nil {
		return domain.Order{}, fmt.Errorf("%w: order %s dropoff: %v", domain.ErrValidation, o.ID, err)
	}
	return o, nil
}

func (r OrderRecord) price() (domain.Money, error) {
	var fromMajor domain.Money
	hasMajor := r.Price != ""
	if hasMajor {
		m, err := parseMajor(r.Price.String())
		if err != nil {
			return 0, fmt.Errorf("%w: order %s price %q: %v", domain.ErrValidation, r.ID, r.Price, err)
		}
		fromMajor = m
	}
	switch {
	case r.PriceInCents != nil && hasMajor:
		if domain.Money(*r.PriceInCents) != fromMajor {
			return 0, fmt.Errorf("%w: order %s price %s disagrees with price_in_cents %d",
				domain.ErrValidation, r.ID, r.Price, *r.PriceInCents)
		}
		return fromMajor, nil
	case r.PriceInCents != nil:
		return domain.Money(*r.PriceInCents), nil
	case hasMajor:
		return fromMajor, nil
	}
	return 0, fmt.Errorf("%w: order %s has no price", domain.ErrValidation, r.ID)
}

// parseMajor reads a JSON number as a decimal. Exponent forms fall back to
// the float's shortest representation.
func parseMajor(s string) (domain.Money, error) {
	if m, err := domain.ParseMoney(s); err == nil {
		return m, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return domain.MoneyFromFloat(f)
}

// FromOrder renders a snapshot in wire form. Both price fields are filled.
func FromOrder(o domain.Order) OrderRecord {
	cents := o.Price.Cents()
	r := OrderRecord{
		ID:             o.ID,
		PickupLat:      o.Pickup.Latitude,
		PickupLng:      o.Pickup.Longitude,
		PickupAddress:  o.Pickup.Address,
		DropoffLat:     o.Dropoff.Latitude,
		DropoffLng:     o.Dropoff.Longitude,
		DropoffAddress: o.Dropoff.Address,
		ClientName:     o.ClientName,
		Price:          json.Number(o.Price.String()),
		PriceInCents:   &cents,
		CreatedAt:      o.CreatedAt,
		Status:         o.Status.String(),
		AcceptedAt:     o.AcceptedAt,
		ArrivedAt:      o.ArrivedAt,
		PickedUpAt:     o.PickedUpAt,
		CompletedAt:    o.CompletedAt,
		Version:        o.Version,
	}
	if o.DriverID != "" {
		id := o.DriverID
		r.DriverID = &id
	}
	if o.Proof != nil {
		r.ProofKind = string(o.Proof.Kind)
		r.ProofData = o.Proof.Data
		at := o.Proof.CapturedAt
		r.ProofCapturedAt = &at
	}
	return r
}

// Encode wraps a snapshot in an envelope.
func Encode(t EventType, o domain.Order) ([]byte, error) {
	r := FromOrder(o)
	return json.Marshal(Envelope{Type: t, Record: &r})
}
