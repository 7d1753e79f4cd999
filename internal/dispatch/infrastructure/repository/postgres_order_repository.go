package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/internal/dispatch/infrastructure/wire"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderColumns = `id, pickup_lat, pickup_lng, pickup_address,
	dropoff_lat, dropoff_lng, dropoff_address, client_name, price_in_cents,
	created_at, status, driver_id, accepted_at, arrived_at, picked_up_at,
	completed_at, proof_kind, proof_data, proof_captured_at, version`

// querier is the part of *pgxpool.Pool the repository uses.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresOrderRepository implements domain.OrderSource on the orders table
type PostgresOrderRepository struct {
	db querier
}

// NewPostgresOrderRepository creates a new PostgreSQL repository
func NewPostgresOrderRepository(db *pgxpool.Pool) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

// FetchAvailableOffers returns pending orders that are unassigned or held
// for driverID, skipping ones the driver already refused.
func (r *PostgresOrderRepository) FetchAvailableOffers(ctx context.Context, driverID string) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders o
		WHERE o.status = 'pending'
		  AND (o.driver_id IS NULL OR o.driver_id = $1)
		  AND NOT EXISTS (
			SELECT 1 FROM order_refusals rf
			WHERE rf.order_id = o.id AND rf.driver_id = $1
		  )
		ORDER BY o.created_at
	`, driverID)
	if err != nil {
		return nil, classify("fetch offers", err)
	}
	defer rows.Close()

	var offers []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch offers", err)
	}
	return offers, nil
}

// FetchActiveOrder returns the driver's accepted, unfinished order or nil
func (r *PostgresOrderRepository) FetchActiveOrder(ctx context.Context, driverID string) (*domain.Order, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE driver_id = $1
		  AND status IN ('accepted', 'arrived_pickup', 'in_progress')
		ORDER BY accepted_at DESC NULLS LAST
		LIMIT 1
	`, driverID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// MutateStatus is a conditional update: it only matches while the row is in
// a status that may move to next and is held by (or, for accept, free for)
// the driver. No match is a conflict.
func (r *PostgresOrderRepository) MutateStatus(ctx context.Context, orderID string, next domain.OrderStatus, fields domain.MutationFields) (domain.Order, error) {
	sql, args := buildMutation(orderID, next, fields)
	o, err := scanOrder(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ConflictError(orderID, fmt.Sprintf("cannot move to %s from its remote status", next))
	}
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func buildMutation(orderID string, next domain.OrderStatus, fields domain.MutationFields) (string, []any) {
	from := make([]string, 0, 4)
	for _, s := range domain.Predecessors(next) {
		from = append(from, s.String())
	}
	args := []any{orderID, next.String(), fields.DriverID, from}
	set := []string{"status = $2", "driver_id = $3", "version = version + 1", "updated_at = NOW()"}

	if col := phaseColumn(next); col != "" {
		args = append(args, fields.At)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p := fields.Proof; p != nil {
		args = append(args, string(p.Kind), p.Data, p.CapturedAt)
		n := len(args)
		set = append(set,
			fmt.Sprintf("proof_kind = $%d", n-2),
			fmt.Sprintf("proof_data = $%d", n-1),
			fmt.Sprintf("proof_captured_at = $%d", n))
	}

	where := "id = $1 AND status = ANY($4::text[])"
	if next == domain.StatusAccepted {
		where += " AND (driver_id IS NULL OR driver_id = $3)"
	} else {
		where += " AND driver_id = $3"
	}
	sql := fmt.Sprintf("UPDATE orders SET %s WHERE %s RETURNING %s",
		strings.Join(set, ", "), where, orderColumns)
	return sql, args
}

func phaseColumn(s domain.OrderStatus) string {
	switch s {
	case domain.StatusAccepted:
		return "accepted_at"
	case domain.StatusArrivedPickup:
		return "arrived_at"
	case domain.StatusInProgress:
		return "picked_up_at"
	case domain.StatusCompleted:
		return "completed_at"
	}
	return ""
}

// ReleaseAssignment drops a tentative hold of driverID on a pending order and
// records the refusal, in one transaction.
func (r *PostgresOrderRepository) ReleaseAssignment(ctx context.Context, orderID, driverID string) (domain.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Order{}, classify("begin release", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET driver_id = NULL, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND driver_id = $2
	`, orderID, driverID); err != nil {
		return domain.Order{}, classify("release assignment", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO order_refusals (order_id, driver_id, refused_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (order_id, driver_id) DO NOTHING
	`, orderID, driverID); err != nil {
		return domain.Order{}, classify("record refusal", err)
	}

	o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ConflictError(orderID, "order no longer exists")
	}
	if err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, classify("commit release", err)
	}
	return o, nil
}

// scanOrder reads one row through the same schema the realtime feed uses.
// pgx.ErrNoRows is returned unwrapped.
func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		rec       wire.OrderRecord
		price     int64
		proofKind *string
	)
	err := row.Scan(
		&rec.ID, &rec.PickupLat, &rec.PickupLng, &rec.PickupAddress,
		&rec.DropoffLat, &rec.DropoffLng, &rec.DropoffAddress, &rec.ClientName, &price,
		&rec.CreatedAt, &rec.Status, &rec.DriverID, &rec.AcceptedAt, &rec.ArrivedAt, &rec.PickedUpAt,
		&rec.CompletedAt, &proofKind, &rec.ProofData, &rec.ProofCapturedAt, &rec.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, pgx.ErrNoRows
	}
	if err != nil {
		return domain.Order{}, classify("scan order", err)
	}
	rec.PriceInCents = &price
	if proofKind != nil {
		rec.ProofKind = *proofKind
	}
	o, err := rec.Order()
	if err != nil {
		return domain.Order{}, fmt.Errorf("order row %s: %w", rec.ID, err)
	}
	return o, nil
}

// classify maps driver errors onto the domain kinds. Connection loss,
// timeouts and retryable server states are ErrNetwork; anything else keeps
// its cause.
func classify(op string, err error) error {
	var (
		pgErr   *pgconn.PgError
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.NetworkError(op, err)
	case errors.As(err, &pgErr):
		// 08: connection exception, 40: transaction rollback, 57P: operator intervention
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "40") || strings.HasPrefix(pgErr.Code, "57P") {
			return domain.NetworkError(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	case errors.As(err, &connErr), errors.As(err, &netErr), pgconn.Timeout(err), pgconn.SafeToRetry(err):
		return domain.NetworkError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var (
	_ domain.OrderSource = (*PostgresOrderRepository)(nil)
	_ querier            = (*pgxpool.Pool)(nil)
)
