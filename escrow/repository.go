package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrPaymentNotFound is returned when no payment row exists for the identifier.
	ErrPaymentNotFound = errors.New("escrow: payment not found")
	// ErrPaymentExists signals a live payment already exists for the request.
	ErrPaymentExists = errors.New("escrow: payment already exists for request")
	// ErrInvalidTransition rejects state machine edges that are not allowed.
	ErrInvalidTransition = errors.New("escrow: invalid status transition")
)

const paymentColumns = `id, request_id, provider_payment_id, amount, status::text, captured_at,
auto_release_at, released_to_payee, released_by, released_at,
refund_amount, refund_percentage, refund_reason, dispute_reason, created_at, updated_at`

// Repository provides data access for payments and their audit events. Write
// methods take the caller's transaction so multi-entity mutations stay atomic.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a freshly captured payment.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, p Payment) (Payment, error) {
	const insertSQL = `
INSERT INTO payments (id, request_id, provider_payment_id, amount, status)
VALUES ($1, $2, $3, $4, $5::payment_status)
RETURNING ` + paymentColumns

	row := tx.QueryRow(ctx, insertSQL, p.ID, p.RequestID, p.ProviderPaymentID, p.Amount, p.Status)
	created, err := scanPayment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Payment{}, ErrPaymentExists
		}
		return Payment{}, fmt.Errorf("escrow: insert payment: %w", err)
	}
	return created, nil
}

// GetByRequestForUpdate locks and returns the live payment for a request.
func (r *Repository) GetByRequestForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Payment, error) {
	const query = `
SELECT ` + paymentColumns + `
FROM payments
WHERE request_id = $1
  AND status NOT IN ('refunded', 'partially_refunded')
FOR UPDATE`

	p, err := scanPayment(tx.QueryRow(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, fmt.Errorf("escrow: load payment by request: %w", err)
	}
	return p, nil
}

// GetByIDForUpdate locks and returns a payment by primary key.
func (r *Repository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (Payment, error) {
	const query = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`

	p, err := scanPayment(tx.QueryRow(ctx, query, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, fmt.Errorf("escrow: load payment: %w", err)
	}
	return p, nil
}

// MarkHeld transitions a captured payment into escrow and arms the auto-release deadline.
func (r *Repository) MarkHeld(ctx context.Context, tx pgx.Tx, paymentID string, autoReleaseAt time.Time) (Payment, error) {
	const updateSQL = `
UPDATE payments
SET status = 'escrow_held',
    auto_release_at = $2,
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status = 'captured'
RETURNING ` + paymentColumns

	p, err := scanPayment(tx.QueryRow(ctx, updateSQL, paymentID, autoReleaseAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrInvalidTransition
		}
		return Payment{}, fmt.Errorf("escrow: mark held: %w", err)
	}
	return p, nil
}

// MarkReleased flips the payment to the released state. The status guard in
// the WHERE clause keeps concurrent releases from double-firing.
func (r *Repository) MarkReleased(ctx context.Context, tx pgx.Tx, paymentID string, next Status, releasedBy *string, releasedAt time.Time) (Payment, error) {
	const updateSQL = `
UPDATE payments
SET status = $2::payment_status,
    released_to_payee = true,
    released_by = $3,
    released_at = $4,
    auto_release_at = NULL,
    updated_at = get_tx_timestamp()
WHERE id = $1
  AND released_to_payee = false
  AND status IN ('escrow_held', 'dispute_held')
RETURNING ` + paymentColumns

	p, err := scanPayment(tx.QueryRow(ctx, updateSQL, paymentID, next, releasedBy, releasedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrInvalidTransition
		}
		return Payment{}, fmt.Errorf("escrow: mark released: %w", err)
	}
	return p, nil
}

// MarkDisputeHeld freezes the payment and disarms the auto-release sweep.
func (r *Repository) MarkDisputeHeld(ctx context.Context, tx pgx.Tx, paymentID, reason string) (Payment, error) {
	const updateSQL = `
UPDATE payments
SET status = 'dispute_held',
    dispute_reason = $2,
    auto_release_at = NULL,
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status = 'escrow_held'
RETURNING ` + paymentColumns

	p, err := scanPayment(tx.QueryRow(ctx, updateSQL, paymentID, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrInvalidTransition
		}
		return Payment{}, fmt.Errorf("escrow: mark dispute held: %w", err)
	}
	return p, nil
}

// MarkRefunded records the refund outcome computed by the calculator.
func (r *Repository) MarkRefunded(ctx context.Context, tx pgx.Tx, paymentID string, next Status, amount int64, percentage float64, reason string) (Payment, error) {
	const updateSQL = `
UPDATE payments
SET status = $2::payment_status,
    refund_amount = $3,
    refund_percentage = $4,
    refund_reason = $5,
    auto_release_at = NULL,
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status IN ('escrow_held', 'dispute_held')
RETURNING ` + paymentColumns

	p, err := scanPayment(tx.QueryRow(ctx, updateSQL, paymentID, next, amount, percentage, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrInvalidTransition
		}
		return Payment{}, fmt.Errorf("escrow: mark refunded: %w", err)
	}
	return p, nil
}

// MarkCompleted advances a released payment to its terminal settled state.
// The distribution engine calls this when a multi-payee split executes.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, paymentID string) (Payment, error) {
	const updateSQL = `
UPDATE payments
SET status = 'completed',
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status = 'pending_release'
RETURNING ` + paymentColumns

	p, err := scanPayment(tx.QueryRow(ctx, updateSQL, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrInvalidTransition
		}
		return Payment{}, fmt.Errorf("escrow: mark completed: %w", err)
	}
	return p, nil
}

// AppendEvent writes one append-only audit entry. Callers hold the payment row
// lock, which serializes the per-payment sequence.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, paymentID, eventType string, actorID *string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}

	const insertSQL = `
INSERT INTO payment_events (payment_id, seq, type, actor_id, payload)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4::jsonb
FROM payment_events
WHERE payment_id = $1`

	if _, err := tx.Exec(ctx, insertSQL, paymentID, eventType, actorID, body); err != nil {
		return fmt.Errorf("escrow: insert payment event: %w", err)
	}
	return nil
}

// LastEventPayload returns the payload of the most recent event of the given
// type, or nil when the payment has no such event.
func (r *Repository) LastEventPayload(ctx context.Context, tx pgx.Tx, paymentID, eventType string) (map[string]any, error) {
	const query = `
SELECT payload
FROM payment_events
WHERE payment_id = $1 AND type = $2
ORDER BY seq DESC
LIMIT 1`

	var body []byte
	if err := tx.QueryRow(ctx, query, paymentID, eventType).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("escrow: query last %s event: %w", eventType, err)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("escrow: decode event payload: %w", err)
	}
	return payload, nil
}

// DueForAutoRelease lists request ids whose escrow deadline has passed.
func (r *Repository) DueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	const query = `
SELECT request_id
FROM payments
WHERE status = 'escrow_held'
  AND auto_release_at IS NOT NULL
  AND auto_release_at <= $1
ORDER BY auto_release_at ASC
LIMIT $2`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: query due payments: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("escrow: scan due payment: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate due payments: %w", err)
	}
	return ids, nil
}

// List returns payments visible to the given viewer scope, newest first.
func (r *Repository) List(ctx context.Context, scope Scope, limit int) ([]Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	filter := scope.filter()

	query := `SELECT ` + paymentColumns + ` FROM payments`
	args := make([]any, 0, 3)
	where := ""

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		where = fmt.Sprintf(" WHERE status = ANY($%d::payment_status[])", len(args))
	}
	if filter.RequestIDs != nil {
		args = append(args, filter.RequestIDs)
		clause := fmt.Sprintf("request_id = ANY($%d::uuid[])", len(args))
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}
	args = append(args, limit)
	query += where + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: list payments: %w", err)
	}
	defer rows.Close()

	out := make([]Payment, 0, limit)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate payments: %w", err)
	}
	return out, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID,
		&p.RequestID,
		&p.ProviderPaymentID,
		&p.Amount,
		&p.Status,
		&p.CapturedAt,
		&p.AutoReleaseAt,
		&p.ReleasedToPayee,
		&p.ReleasedBy,
		&p.ReleasedAt,
		&p.RefundAmount,
		&p.RefundPercentage,
		&p.RefundReason,
		&p.DisputeReason,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}
