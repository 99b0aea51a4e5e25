package distribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrDistributionNotFound is returned when no distribution exists for the identifier.
	ErrDistributionNotFound = errors.New("distribution: not found")
	// ErrDistributionExists signals the payment already has a split set up.
	ErrDistributionExists = errors.New("distribution: already set up for payment")
)

const distributionColumns = `id, payment_id, request_id, group_id, total_amount, platform_commission,
distributable_amount, bonus_pool, requires_approval, is_approved, is_distributed, distributed_at, created_at`

const shareColumns = `id, distribution_id, payee_id, COALESCE(role, ''), percentage, base_amount,
bonus_amount, contribution_hours, approved, approved_at`

// Repository provides data access for distributions, shares, and tax records.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateWithShares inserts a distribution and all of its shares atomically.
func (r *Repository) CreateWithShares(ctx context.Context, tx pgx.Tx, d Distribution) (Distribution, error) {
	const insertSQL = `
INSERT INTO distributions
    (id, payment_id, request_id, group_id, total_amount, platform_commission,
     distributable_amount, bonus_pool, requires_approval)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + distributionColumns

	created, err := scanDistribution(tx.QueryRow(ctx, insertSQL,
		d.ID, d.PaymentID, d.RequestID, d.GroupID, d.TotalAmount, d.PlatformCommission,
		d.DistributableAmount, d.BonusPool, d.RequiresApproval,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Distribution{}, ErrDistributionExists
		}
		return Distribution{}, fmt.Errorf("distribution: insert: %w", err)
	}

	for _, share := range d.Shares {
		const shareSQL = `
INSERT INTO distribution_shares
    (id, distribution_id, payee_id, role, percentage, base_amount, bonus_amount, contribution_hours)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`

		if _, err := tx.Exec(ctx, shareSQL,
			share.ID, created.ID, share.PayeeID, share.Role,
			share.Percentage, share.BaseAmount, share.BonusAmount, share.ContributionHours,
		); err != nil {
			return Distribution{}, fmt.Errorf("distribution: insert share: %w", err)
		}
	}

	created.Shares = d.Shares
	for i := range created.Shares {
		created.Shares[i].DistributionID = created.ID
	}
	return created, nil
}

// GetByIDForUpdate locks a distribution row and loads its shares.
func (r *Repository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, distributionID string) (Distribution, error) {
	const query = `SELECT ` + distributionColumns + ` FROM distributions WHERE id = $1 FOR UPDATE`
	return r.lockAndLoad(ctx, tx, query, distributionID)
}

// GetByPaymentForUpdate locks the distribution for a payment and loads its shares.
func (r *Repository) GetByPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (Distribution, error) {
	const query = `SELECT ` + distributionColumns + ` FROM distributions WHERE payment_id = $1 FOR UPDATE`
	return r.lockAndLoad(ctx, tx, query, paymentID)
}

func (r *Repository) lockAndLoad(ctx context.Context, tx pgx.Tx, query, arg string) (Distribution, error) {
	d, err := scanDistribution(tx.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Distribution{}, ErrDistributionNotFound
		}
		return Distribution{}, fmt.Errorf("distribution: load: %w", err)
	}

	rows, err := tx.Query(ctx, `
SELECT `+shareColumns+`
FROM distribution_shares
WHERE distribution_id = $1
ORDER BY percentage DESC, payee_id ASC
`, d.ID)
	if err != nil {
		return Distribution{}, fmt.Errorf("distribution: load shares: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s Share
		if err := rows.Scan(&s.ID, &s.DistributionID, &s.PayeeID, &s.Role, &s.Percentage,
			&s.BaseAmount, &s.BonusAmount, &s.ContributionHours, &s.Approved, &s.ApprovedAt); err != nil {
			return Distribution{}, fmt.Errorf("distribution: scan share: %w", err)
		}
		d.Shares = append(d.Shares, s)
	}
	if err := rows.Err(); err != nil {
		return Distribution{}, fmt.Errorf("distribution: iterate shares: %w", err)
	}
	return d, nil
}

// ApproveShare marks one payee's share approved and reports how many shares
// remain outstanding. Callers hold the distribution row lock.
func (r *Repository) ApproveShare(ctx context.Context, tx pgx.Tx, distributionID, payeeID string) (Share, int, error) {
	const updateSQL = `
UPDATE distribution_shares
SET approved = true,
    approved_at = COALESCE(approved_at, get_tx_timestamp())
WHERE distribution_id = $1 AND payee_id = $2
RETURNING ` + shareColumns

	var s Share
	err := tx.QueryRow(ctx, updateSQL, distributionID, payeeID).Scan(
		&s.ID, &s.DistributionID, &s.PayeeID, &s.Role, &s.Percentage,
		&s.BaseAmount, &s.BonusAmount, &s.ContributionHours, &s.Approved, &s.ApprovedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Share{}, 0, pgx.ErrNoRows
		}
		return Share{}, 0, fmt.Errorf("distribution: approve share: %w", err)
	}

	var outstanding int
	if err := tx.QueryRow(ctx, `
SELECT COUNT(*) FROM distribution_shares
WHERE distribution_id = $1 AND approved = false
`, distributionID).Scan(&outstanding); err != nil {
		return Share{}, 0, fmt.Errorf("distribution: count outstanding: %w", err)
	}
	return s, outstanding, nil
}

// MarkApproved flips the distribution once every share is approved.
func (r *Repository) MarkApproved(ctx context.Context, tx pgx.Tx, distributionID string) error {
	if _, err := tx.Exec(ctx, `
UPDATE distributions SET is_approved = true WHERE id = $1
`, distributionID); err != nil {
		return fmt.Errorf("distribution: mark approved: %w", err)
	}
	return nil
}

// MarkDistributed seals the distribution. The guard keeps a concurrent
// execution from double-firing.
func (r *Repository) MarkDistributed(ctx context.Context, tx pgx.Tx, distributionID string) error {
	tag, err := tx.Exec(ctx, `
UPDATE distributions
SET is_distributed = true,
    distributed_at = get_tx_timestamp()
WHERE id = $1 AND is_distributed = false
`, distributionID)
	if err != nil {
		return fmt.Errorf("distribution: mark distributed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyDistributed
	}
	return nil
}

// InsertTaxRecord persists one withholding record for a share.
func (r *Repository) InsertTaxRecord(ctx context.Context, tx pgx.Tx, rec TaxRecord) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO tax_records
    (id, payee_id, distribution_id, share_id, gross_amount, tax_withheld, net_amount)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, rec.ID, rec.PayeeID, rec.DistributionID, rec.ShareID, rec.GrossAmount, rec.TaxWithheld, rec.NetAmount); err != nil {
		return fmt.Errorf("distribution: insert tax record: %w", err)
	}
	return nil
}

// AttachCertificate links a rendered certificate to a tax record. The numeric
// fields never change after creation.
func (r *Repository) AttachCertificate(ctx context.Context, taxRecordID, certificateRef string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE tax_records SET certificate_ref = $2 WHERE id = $1
`, taxRecordID, certificateRef)
	if err != nil {
		return fmt.Errorf("distribution: attach certificate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDistributionNotFound
	}
	return nil
}

// TemplatesForGroup returns the role -> percentage template mapping.
func (r *Repository) TemplatesForGroup(ctx context.Context, groupID string) (map[string]float64, error) {
	rows, err := r.pool.Query(ctx, `
SELECT role, percentage FROM distribution_templates WHERE group_id = $1
`, groupID)
	if err != nil {
		return nil, fmt.Errorf("distribution: query templates: %w", err)
	}
	defer rows.Close()

	templates := make(map[string]float64)
	for rows.Next() {
		var role string
		var pct float64
		if err := rows.Scan(&role, &pct); err != nil {
			return nil, fmt.Errorf("distribution: scan template: %w", err)
		}
		templates[role] = pct
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("distribution: iterate templates: %w", err)
	}
	return templates, nil
}

func scanDistribution(row pgx.Row) (Distribution, error) {
	var d Distribution
	err := row.Scan(
		&d.ID,
		&d.PaymentID,
		&d.RequestID,
		&d.GroupID,
		&d.TotalAmount,
		&d.PlatformCommission,
		&d.DistributableAmount,
		&d.BonusPool,
		&d.RequiresApproval,
		&d.IsApproved,
		&d.IsDistributed,
		&d.DistributedAt,
		&d.CreatedAt,
	)
	if err != nil {
		return Distribution{}, err
	}
	return d, nil
}
