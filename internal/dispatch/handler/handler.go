package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/state"
	"driver-dispatch/pkg/auth"
	"driver-dispatch/pkg/logger"
)

// Dispatcher is the session surface the app shell drives
type Dispatcher interface {
	Snapshot() state.Snapshot
	Live() bool
	AcceptOffer(ctx context.Context, orderID string) (domain.Order, error)
	Reject(orderID string) error
	Advance(ctx context.Context, next domain.OrderStatus) (domain.Order, error)
	Complete(ctx context.Context, proof *domain.Proof) (domain.Order, domain.Money, error)
	SetDuty(on bool) bool
	SetLocation(c domain.Coordinates)
	UpdatePreferences(p domain.Preferences)
	SignOut() error
}

// Handler exposes the driver session to the local app shell over HTTP
type Handler struct {
	session Dispatcher
	jwt     *auth.JWTManager
	log     logger.Logger
	now     func() time.Time
}

func New(session Dispatcher, jwt *auth.JWTManager, log logger.Logger) *Handler {
	return &Handler{session: session, jwt: jwt, log: log, now: time.Now}
}

// Register mounts the routes. Everything under /v1 needs a DRIVER token
// for the signed-in driver.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	protect := func(fn http.HandlerFunc) http.Handler {
		return h.jwt.AuthMiddleware(h.ownSession(fn), auth.RoleDriver)
	}
	mux.Handle("GET /v1/session", protect(h.GetSession))
	mux.Handle("POST /v1/offers/{order_id}/accept", protect(h.AcceptOffer))
	mux.Handle("POST /v1/offers/{order_id}/reject", protect(h.RejectOffer))
	mux.Handle("POST /v1/order/advance", protect(h.Advance))
	mux.Handle("POST /v1/order/complete", protect(h.Complete))
	mux.Handle("PUT /v1/duty", protect(h.SetDuty))
	mux.Handle("PUT /v1/location", protect(h.SetLocation))
	mux.Handle("PUT /v1/preferences", protect(h.UpdatePreferences))
	mux.Handle("POST /v1/sign-out", protect(h.SignOut))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "live": h.session.Live()})
}

// ownSession rejects tokens for a driver other than the signed-in one.
func (h *Handler) ownSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.GetClaims(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing claims")
			return
		}
		if id := h.session.Snapshot().DriverID(); id == "" || id != claims.UserID {
			writeError(w, http.StatusForbidden, "token does not belong to the signed-in driver")
			return
		}
		next(w, r)
	}
}

type SessionResponse struct {
	DriverID        string              `json:"driver_id"`
	DriverStatus    string              `json:"driver_status"`
	OnDuty          bool                `json:"on_duty"`
	Live            bool                `json:"live"`
	CurrentOrder    *domain.Order       `json:"current_order"`
	Offers          []domain.Order      `json:"offers"`
	Location        *domain.Coordinates `json:"location,omitempty"`
	Preferences     domain.Preferences  `json:"preferences"`
	HistoryCount    int                 `json:"history_count"`
	EarningsInCents int64               `json:"earnings_in_cents"`
	Earnings        string              `json:"earnings"`
	Revision        uint64              `json:"revision"`
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap := h.session.Snapshot()
	offers := snap.Offers
	if offers == nil {
		offers = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		DriverID:        snap.DriverID(),
		DriverStatus:    snap.DriverStatus.String(),
		OnDuty:          snap.IsOnDuty(),
		Live:            h.session.Live(),
		CurrentOrder:    snap.CurrentOrder,
		Offers:          offers,
		Location:        snap.Location,
		Preferences:     snap.Preferences,
		HistoryCount:    len(snap.History),
		EarningsInCents: snap.Earnings.Cents(),
		Earnings:        snap.Earnings.String(),
		Revision:        snap.Revision,
	})
}

func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("order_id")
	order, err := h.session.AcceptOffer(r.Context(), orderID)
	if err != nil {
		h.fail(w, "accept_offer_failed", orderID, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) RejectOffer(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("order_id")
	if err := h.session.Reject(orderID); err != nil {
		h.fail(w, "reject_offer_failed", orderID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type AdvanceRequest struct {
	Status domain.OrderStatus `json:"status"`
}

func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	order, err := h.session.Advance(r.Context(), req.Status)
	if err != nil {
		h.fail(w, "advance_failed", "", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type CompleteRequest struct {
	Proof *domain.Proof `json:"proof,omitempty"`
}

type CompleteResponse struct {
	Order              domain.Order `json:"order"`
	ShareInCents       int64        `json:"share_in_cents"`
	Share              string       `json:"share"`
	TotalEarningsCents int64        `json:"total_earnings_in_cents"`
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	order, share, err := h.session.Complete(r.Context(), req.Proof)
	if err != nil {
		h.fail(w, "complete_failed", "", err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteResponse{
		Order:              order,
		ShareInCents:       share.Cents(),
		Share:              share.String(),
		TotalEarningsCents: h.session.Snapshot().Earnings.Cents(),
	})
}

type DutyRequest struct {
	On bool `json:"on"`
}

func (h *Handler) SetDuty(w http.ResponseWriter, r *http.Request) {
	var req DutyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !h.session.SetDuty(req.On) {
		reason := domain.ErrNotSignedIn
		if h.session.Snapshot().CurrentOrder != nil {
			reason = domain.ErrActiveOrderBlocksOffline
		}
		writeError(w, http.StatusConflict, reason.Error())
		return
	}
	snap := h.session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"on_duty": snap.IsOnDuty(), "driver_status": snap.DriverStatus})
}

func (h *Handler) SetLocation(w http.ResponseWriter, r *http.Request) {
	var c domain.Coordinates
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := (domain.Location{Latitude: c.Latitude, Longitude: c.Longitude}).Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = h.now()
	}
	h.session.SetLocation(c)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var p domain.Preferences
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	switch p.NavigationApp {
	case domain.NavigationGoogleMaps, domain.NavigationWaze, domain.NavigationAppleMaps:
	default:
		writeError(w, http.StatusBadRequest, "unknown navigation app")
		return
	}
	h.session.UpdatePreferences(p)
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.session.SignOut(); err != nil {
		h.fail(w, "sign_out_failed", "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, action, orderID string, err error) {
	fields := logger.LogFields{}
	if orderID != "" {
		fields["order_id"] = orderID
	}
	code := mapErrorToStatusCode(err)
	if code >= http.StatusInternalServerError {
		h.log.WithFields(fields).Error("handler."+action, err)
	} else {
		h.log.WithFields(fields).Debug("handler."+action, err.Error())
	}
	writeError(w, code, err.Error())
}

func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotSignedIn):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrOfferNotFound), errors.Is(err, domain.ErrNoActiveOrder):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidProof):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNetwork):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{
		"error":   http.StatusText(code),
		"message": msg,
	})
}
