package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrPayoutNotFound is returned when no payout row exists for the identifier.
	ErrPayoutNotFound = errors.New("wallet: payout not found")
	// ErrInvalidPayoutState rejects workflow steps out of order, including the
	// losing side of two concurrent processors.
	ErrInvalidPayoutState = errors.New("wallet: invalid payout state")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxWriter enqueues notification side effects inside the transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

const payoutColumns = `id, payee_id, amount, destination, status::text, requested_at,
approved_by, approved_at, processed_at, rejection_reason`

// PayoutService runs the withdrawal workflow REQUESTED -> APPROVED ->
// PROCESSING -> COMPLETED | REJECTED against the wallet ledger.
type PayoutService struct {
	pool        TxBeginner
	ledger      *Ledger
	outbox      OutboxWriter
	idGenerator func() string
}

func NewPayoutService(pool TxBeginner, ledger *Ledger, outbox OutboxWriter) *PayoutService {
	return &PayoutService{
		pool:        pool,
		ledger:      ledger,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *PayoutService) WithIDGenerator(gen func() string) *PayoutService {
	s.idGenerator = gen
	return s
}

// Request opens a withdrawal ask and reserves the amount against the wallet.
func (s *PayoutService) Request(ctx context.Context, payeeID string, amount int64, destination string) (PayoutRequest, error) {
	if payeeID == "" {
		return PayoutRequest{}, fmt.Errorf("wallet: missing payee id")
	}
	if amount <= 0 {
		return PayoutRequest{}, fmt.Errorf("wallet: invalid payout amount %d", amount)
	}
	if destination == "" {
		return PayoutRequest{}, fmt.Errorf("wallet: missing payout destination")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PayoutRequest{}, fmt.Errorf("wallet: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	available, err := s.ledger.lockAvailable(ctx, tx, payeeID)
	if err != nil {
		return PayoutRequest{}, err
	}
	if amount > available {
		return PayoutRequest{}, fmt.Errorf("%w: available %d, requested %d", ErrInsufficientFunds, available, amount)
	}

	id := s.idGenerator()
	var req PayoutRequest
	if err := tx.QueryRow(ctx, `
INSERT INTO payout_requests (id, payee_id, amount, destination)
VALUES ($1, $2, $3, $4)
RETURNING `+payoutColumns, id, payeeID, amount, destination).Scan(
		&req.ID, &req.PayeeID, &req.Amount, &req.Destination, &req.Status,
		&req.RequestedAt, &req.ApprovedBy, &req.ApprovedAt, &req.ProcessedAt, &req.RejectionReason,
	); err != nil {
		return PayoutRequest{}, fmt.Errorf("wallet: insert payout request: %w", err)
	}

	if _, err := s.ledger.Reserve(ctx, tx, payeeID, amount, Meta{
		Type:          TxWithdrawalRequested,
		ReferenceType: "payout_request",
		ReferenceID:   id,
	}); err != nil {
		return PayoutRequest{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicPayoutRequested, map[string]any{
		"payout_id": req.ID,
		"payee_id":  req.PayeeID,
		"amount":    req.Amount,
	}); err != nil {
		return PayoutRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PayoutRequest{}, fmt.Errorf("wallet: commit payout request: %w", err)
	}
	return req, nil
}

// Approve moves a payout to APPROVED, re-checking that the balance still
// covers it.
func (s *PayoutService) Approve(ctx context.Context, payoutID, approver string) (PayoutRequest, error) {
	if payoutID == "" {
		return PayoutRequest{}, fmt.Errorf("wallet: missing payout id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PayoutRequest{}, fmt.Errorf("wallet: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.transition(ctx, tx, payoutID, PayoutRequested, `
UPDATE payout_requests
SET status = 'approved',
    approved_by = $2,
    approved_at = get_tx_timestamp()
WHERE id = $1 AND status = 'requested'
RETURNING `+payoutColumns, payoutID, approver)
	if err != nil {
		return PayoutRequest{}, err
	}

	balance, err := s.ledger.lockBalance(ctx, tx, req.PayeeID)
	if err != nil {
		return PayoutRequest{}, err
	}
	if req.Amount > balance {
		return PayoutRequest{}, fmt.Errorf("%w: balance %d, payout %d", ErrInsufficientFunds, balance, req.Amount)
	}

	if err := tx.Commit(ctx); err != nil {
		return PayoutRequest{}, fmt.Errorf("wallet: commit payout approval: %w", err)
	}
	return req, nil
}

// Process executes an approved payout. The claim is a conditional status
// UPDATE, so two concurrent processors resolve to exactly one completion and
// one balance debit; the loser gets ErrInvalidPayoutState.
func (s *PayoutService) Process(ctx context.Context, payoutID string) (PayoutRequest, error) {
	if payoutID == "" {
		return PayoutRequest{}, fmt.Errorf("wallet: missing payout id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PayoutRequest{}, fmt.Errorf("wallet: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.transition(ctx, tx, payoutID, PayoutApproved, `
UPDATE payout_requests
SET status = 'processing'
WHERE id = $1 AND status = 'approved'
RETURNING `+payoutColumns, payoutID)
	if err != nil {
		return PayoutRequest{}, err
	}

	if _, err := s.ledger.Debit(ctx, tx, req.PayeeID, req.Amount, Meta{
		Type:          TxWithdrawalCompleted,
		NetAmount:     req.Amount,
		ReferenceType: "payout_request",
		ReferenceID:   req.ID,
	}); err != nil {
		return PayoutRequest{}, err
	}

	completed, err := s.transition(ctx, tx, payoutID, PayoutProcessing, `
UPDATE payout_requests
SET status = 'completed',
    processed_at = get_tx_timestamp()
WHERE id = $1 AND status = 'processing'
RETURNING `+payoutColumns, payoutID)
	if err != nil {
		return PayoutRequest{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicPayoutCompleted, map[string]any{
		"payout_id": completed.ID,
		"payee_id":  completed.PayeeID,
		"amount":    completed.Amount,
	}); err != nil {
		return PayoutRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PayoutRequest{}, fmt.Errorf("wallet: commit payout: %w", err)
	}
	return completed, nil
}

// Reject closes a payout and releases its reservation. Allowed from REQUESTED
// or APPROVED.
func (s *PayoutService) Reject(ctx context.Context, payoutID, reason string) (PayoutRequest, error) {
	if payoutID == "" {
		return PayoutRequest{}, fmt.Errorf("wallet: missing payout id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PayoutRequest{}, fmt.Errorf("wallet: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.transition(ctx, tx, payoutID, PayoutRequested, `
UPDATE payout_requests
SET status = 'rejected',
    rejection_reason = $2
WHERE id = $1 AND status IN ('requested', 'approved')
RETURNING `+payoutColumns, payoutID, reason)
	if err != nil {
		return PayoutRequest{}, err
	}

	if err := s.ledger.ReleaseReservation(ctx, tx, req.PayeeID, req.Amount); err != nil {
		return PayoutRequest{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicPayoutRejected, map[string]any{
		"payout_id": req.ID,
		"payee_id":  req.PayeeID,
		"reason":    reason,
	}); err != nil {
		return PayoutRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PayoutRequest{}, fmt.Errorf("wallet: commit payout rejection: %w", err)
	}
	return req, nil
}

// transition runs a guarded status UPDATE and maps "no row" onto missing vs
// wrong-state errors.
func (s *PayoutService) transition(ctx context.Context, tx pgx.Tx, payoutID string, from PayoutStatus, query string, args ...any) (PayoutRequest, error) {
	var req PayoutRequest
	err := tx.QueryRow(ctx, query, args...).Scan(
		&req.ID, &req.PayeeID, &req.Amount, &req.Destination, &req.Status,
		&req.RequestedAt, &req.ApprovedBy, &req.ApprovedAt, &req.ProcessedAt, &req.RejectionReason,
	)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return PayoutRequest{}, fmt.Errorf("wallet: update payout: %w", err)
	}

	var current string
	switch err := tx.QueryRow(ctx, `SELECT status::text FROM payout_requests WHERE id = $1`, payoutID).Scan(&current); {
	case errors.Is(err, pgx.ErrNoRows):
		return PayoutRequest{}, ErrPayoutNotFound
	case err != nil:
		return PayoutRequest{}, fmt.Errorf("wallet: check payout status: %w", err)
	default:
		return PayoutRequest{}, fmt.Errorf("%w: %s (expected %s)", ErrInvalidPayoutState, current, from)
	}
}
