// Package oracles holds the invariant queries the stress run checks on a
// cadence. Every query returns zero rows on a healthy database; any row is a
// violation.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_live_payment",
			SQL: `SELECT request_id, COUNT(*) FROM payments
                  WHERE status NOT IN ('refunded','partially_refunded')
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_balance_equals_ledger_sum",
			SQL: `SELECT b.payee_id, b.balance, COALESCE(t.total, 0) AS ledger_total
                  FROM wallet_balances b
                  LEFT JOIN (
                      SELECT payee_id,
                             SUM(CASE type
                                 WHEN 'received' THEN amount
                                 WHEN 'distributed' THEN amount
                                 WHEN 'commission_deducted' THEN -amount
                                 WHEN 'withdrawal_completed' THEN -amount
                                 ELSE 0 END) AS total
                      FROM wallet_transactions
                      GROUP BY payee_id) t ON t.payee_id = b.payee_id
                  WHERE b.balance <> COALESCE(t.total, 0)`,
		},
		{
			Name: "O3_pending_payouts_match_reservations",
			SQL: `SELECT b.payee_id, b.pending_payouts, COALESCE(p.reserved, 0) AS reserved
                  FROM wallet_balances b
                  LEFT JOIN (
                      SELECT payee_id, SUM(amount) AS reserved
                      FROM payout_requests
                      WHERE status IN ('requested','approved','processing')
                      GROUP BY payee_id) p ON p.payee_id = b.payee_id
                  WHERE b.pending_payouts <> COALESCE(p.reserved, 0)`,
		},
		{
			Name: "O4_share_percentages_sum",
			SQL: `SELECT distribution_id, SUM(percentage) FROM distribution_shares
                  GROUP BY distribution_id
                  HAVING ABS(SUM(percentage) - 100) > 0.01`,
		},
		{
			Name: "O5_share_amounts_conserved",
			SQL: `SELECT d.id FROM distributions d
                  JOIN (
                      SELECT distribution_id,
                             SUM(base_amount) AS base_sum,
                             SUM(bonus_amount) AS bonus_sum
                      FROM distribution_shares
                      GROUP BY distribution_id) s ON s.distribution_id = d.id
                  WHERE s.base_sum <> d.distributable_amount
                     OR s.bonus_sum <> d.bonus_pool
                     OR d.distributable_amount <> d.total_amount - d.platform_commission`,
		},
		{
			Name: "O6_single_release_event",
			SQL: `SELECT payment_id, COUNT(*) FROM payment_events
                  WHERE type = 'PAYMENT_RELEASED'
                  GROUP BY payment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT payment_id, seq,
                             LAG(seq) OVER (PARTITION BY payment_id ORDER BY seq) AS prev
                      FROM payment_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O8_payout_completes_once",
			SQL: `SELECT reference_id, COUNT(*) FROM wallet_transactions
                  WHERE type = 'withdrawal_completed' AND reference_type = 'payout_request'
                  GROUP BY reference_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_release_flag_consistent",
			SQL: `SELECT id, status, released_to_payee FROM payments
                  WHERE (released_to_payee AND status IN ('captured','escrow_held','dispute_held'))
                     OR (NOT released_to_payee AND status IN ('pending_release','completed'))`,
		},
		{
			Name: "O10_distribution_sealed_before_completion",
			SQL: `SELECT d.id FROM distributions d
                  JOIN payments p ON p.id = d.payment_id
                  WHERE p.status = 'completed' AND NOT p.released_to_payee`,
		},
		{
			Name: "O11_tax_record_arithmetic",
			SQL: `SELECT id FROM tax_records WHERE net_amount <> gross_amount - tax_withheld`,
		},
		{
			Name: "O12_outbox_not_stuck",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O13_payment_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_payments')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
