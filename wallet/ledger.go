package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInsufficientFunds rejects a debit larger than the current balance.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	// ErrWalletNotFound is returned by reads against a payee with no wallet row.
	ErrWalletNotFound = errors.New("wallet: not found")
)

// Ledger is the only component allowed to mutate wallet balances. Credit and
// Debit lock the payee's row, append one transaction entry carrying the
// before/after balances, and write the new scalar — all inside the caller's
// transaction.
type Ledger struct {
	pool        *pgxpool.Pool
	idGenerator func() string
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{
		pool:        pool,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (l *Ledger) WithIDGenerator(gen func() string) *Ledger {
	l.idGenerator = gen
	return l
}

// Credit adds amount to the payee's balance.
func (l *Ledger) Credit(ctx context.Context, tx pgx.Tx, payeeID string, amount int64, meta Meta) (Transaction, error) {
	if meta.Type.direction() != 1 {
		return Transaction{}, fmt.Errorf("wallet: type %q is not a credit", meta.Type)
	}
	return l.apply(ctx, tx, payeeID, amount, meta)
}

// Debit removes amount from the payee's balance, failing when the balance
// does not cover it.
func (l *Ledger) Debit(ctx context.Context, tx pgx.Tx, payeeID string, amount int64, meta Meta) (Transaction, error) {
	if meta.Type.direction() != -1 {
		return Transaction{}, fmt.Errorf("wallet: type %q is not a debit", meta.Type)
	}
	return l.apply(ctx, tx, payeeID, amount, meta)
}

// Reserve appends a zero-delta withdrawal_requested entry and moves amount
// into the pending payouts counter. The balance scalar is untouched; the
// decrement happens exactly once when the payout completes.
func (l *Ledger) Reserve(ctx context.Context, tx pgx.Tx, payeeID string, amount int64, meta Meta) (Transaction, error) {
	if meta.Type != TxWithdrawalRequested {
		return Transaction{}, fmt.Errorf("wallet: type %q is not a reservation", meta.Type)
	}
	return l.apply(ctx, tx, payeeID, amount, meta)
}

// ReleaseReservation returns a rejected payout's amount to the available pool.
func (l *Ledger) ReleaseReservation(ctx context.Context, tx pgx.Tx, payeeID string, amount int64) error {
	tag, err := tx.Exec(ctx, `
UPDATE wallet_balances
SET pending_payouts = pending_payouts - $2,
    updated_at = get_tx_timestamp()
WHERE payee_id = $1 AND pending_payouts >= $2
`, payeeID, amount)
	if err != nil {
		return fmt.Errorf("wallet: release reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet: reservation underflow for payee %s", payeeID)
	}
	return nil
}

func (l *Ledger) apply(ctx context.Context, tx pgx.Tx, payeeID string, amount int64, meta Meta) (Transaction, error) {
	if payeeID == "" {
		return Transaction{}, fmt.Errorf("wallet: missing payee id")
	}
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("wallet: invalid amount %d", amount)
	}

	before, err := l.lockBalance(ctx, tx, payeeID)
	if err != nil {
		return Transaction{}, err
	}

	direction := meta.Type.direction()
	after := before + int64(direction)*amount
	if after < 0 {
		return Transaction{}, fmt.Errorf("%w: balance %d, debit %d", ErrInsufficientFunds, before, amount)
	}

	entry := Transaction{
		ID:            l.idGenerator(),
		PayeeID:       payeeID,
		Type:          meta.Type,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		TaxWithheld:   meta.TaxWithheld,
		NetAmount:     meta.NetAmount,
		ReferenceType: meta.ReferenceType,
		ReferenceID:   meta.ReferenceID,
	}

	const insertSQL = `
INSERT INTO wallet_transactions
    (id, payee_id, type, amount, balance_before, balance_after, tax_withheld, net_amount, reference_type, reference_id)
VALUES ($1, $2, $3::wallet_tx_type, $4, $5, $6, $7, $8, $9, $10)
RETURNING created_at`

	if err := tx.QueryRow(ctx, insertSQL,
		entry.ID, entry.PayeeID, entry.Type, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter,
		entry.TaxWithheld, entry.NetAmount,
		nullable(entry.ReferenceType), nullable(entry.ReferenceID),
	).Scan(&entry.CreatedAt); err != nil {
		return Transaction{}, fmt.Errorf("wallet: insert transaction: %w", err)
	}

	if err := l.writeBalance(ctx, tx, payeeID, after, amount, meta.Type); err != nil {
		return Transaction{}, err
	}
	return entry, nil
}

// lockBalance serializes all ledger writes for one payee. The wallet row is
// created lazily on first touch.
func (l *Ledger) lockBalance(ctx context.Context, tx pgx.Tx, payeeID string) (int64, error) {
	if _, err := tx.Exec(ctx, `
INSERT INTO wallet_balances (payee_id) VALUES ($1)
ON CONFLICT (payee_id) DO NOTHING
`, payeeID); err != nil {
		return 0, fmt.Errorf("wallet: ensure wallet row: %w", err)
	}

	var balance int64
	if err := tx.QueryRow(ctx, `
SELECT balance FROM wallet_balances WHERE payee_id = $1 FOR UPDATE
`, payeeID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("wallet: lock balance: %w", err)
	}
	return balance, nil
}

// lockAvailable locks the payee's row and returns balance minus pending
// payouts, the amount new reservations may draw on.
func (l *Ledger) lockAvailable(ctx context.Context, tx pgx.Tx, payeeID string) (int64, error) {
	if _, err := tx.Exec(ctx, `
INSERT INTO wallet_balances (payee_id) VALUES ($1)
ON CONFLICT (payee_id) DO NOTHING
`, payeeID); err != nil {
		return 0, fmt.Errorf("wallet: ensure wallet row: %w", err)
	}

	var available int64
	if err := tx.QueryRow(ctx, `
SELECT balance - pending_payouts FROM wallet_balances WHERE payee_id = $1 FOR UPDATE
`, payeeID).Scan(&available); err != nil {
		return 0, fmt.Errorf("wallet: lock balance: %w", err)
	}
	return available, nil
}

func (l *Ledger) writeBalance(ctx context.Context, tx pgx.Tx, payeeID string, after, amount int64, txType TxType) error {
	var counterSQL string
	switch txType {
	case TxReceived, TxDistributed:
		counterSQL = `, total_earnings = total_earnings + $3`
	case TxWithdrawalRequested:
		counterSQL = `, pending_payouts = pending_payouts + $3`
	case TxWithdrawalCompleted:
		counterSQL = `, total_withdrawn = total_withdrawn + $3, pending_payouts = pending_payouts - $3`
	default:
		counterSQL = ``
	}

	query := `
UPDATE wallet_balances
SET balance = $2,
    updated_at = get_tx_timestamp()` + counterSQL + `
WHERE payee_id = $1`

	args := []any{payeeID, after}
	if counterSQL != "" {
		args = append(args, amount)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("wallet: write balance: %w", err)
	}
	return nil
}

// GetBalance reads a payee's wallet without locking it.
func (l *Ledger) GetBalance(ctx context.Context, payeeID string) (Balance, error) {
	var b Balance
	err := l.pool.QueryRow(ctx, `
SELECT payee_id, balance, total_earnings, total_withdrawn, pending_payouts, updated_at
FROM wallet_balances
WHERE payee_id = $1
`, payeeID).Scan(&b.PayeeID, &b.Balance, &b.TotalEarnings, &b.TotalWithdrawn, &b.PendingPayouts, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrWalletNotFound
		}
		return Balance{}, fmt.Errorf("wallet: query balance: %w", err)
	}
	return b, nil
}

// History returns a payee's ledger entries oldest first.
func (l *Ledger) History(ctx context.Context, payeeID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	rows, err := l.pool.Query(ctx, `
SELECT id, payee_id, type::text, amount, balance_before, balance_after,
       tax_withheld, net_amount, COALESCE(reference_type, ''), COALESCE(reference_id, ''), created_at
FROM wallet_transactions
WHERE payee_id = $1
ORDER BY created_at ASC, id ASC
LIMIT $2
`, payeeID, limit)
	if err != nil {
		return nil, fmt.Errorf("wallet: query history: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, limit)
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.PayeeID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.TaxWithheld, &t.NetAmount, &t.ReferenceType, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("wallet: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wallet: iterate history: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
