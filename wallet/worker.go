package wallet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Worker drains approved payouts in the background. Multiple workers may run
// at once; the conditional claim inside Process makes each payout complete
// exactly once.
type Worker struct {
	pool      *pgxpool.Pool
	payouts   *PayoutService
	interval  time.Duration
	batchSize int
}

func NewWorker(pool *pgxpool.Pool, payouts *PayoutService, interval time.Duration, batchSize int) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Worker{
		pool:      pool,
		payouts:   payouts,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run polls for approved payouts until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.ProcessBatch(ctx); err != nil {
				log.Printf("wallet: payout batch failed: %v", err)
			}
		}
	}
}

// ProcessBatch picks up approved payouts and processes each one. Per-item
// failures are logged and skipped; a payout claimed by a concurrent worker is
// not an error.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	rows, err := w.pool.Query(ctx, `
SELECT id FROM payout_requests
WHERE status = 'approved'
ORDER BY requested_at ASC
LIMIT $1
`, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("wallet: query approved payouts: %w", err)
	}

	ids := make([]string, 0, w.batchSize)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("wallet: scan payout id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("wallet: iterate payout ids: %w", err)
	}

	processed := 0
	for _, id := range ids {
		if _, err := w.payouts.Process(ctx, id); err != nil {
			if errors.Is(err, ErrInvalidPayoutState) {
				continue
			}
			log.Printf("wallet: process payout %s failed: %v", id, err)
			continue
		}
		processed++
	}
	return processed, nil
}
