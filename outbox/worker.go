package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Publisher delivers one message to the downstream notification collaborator.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Worker drains pending outbox messages. Messages are claimed with SKIP
// LOCKED so multiple workers never deliver the same message twice; a message
// that keeps failing is parked as dead after maxAttempts.
type Worker struct {
	pool        *pgxpool.Pool
	publisher   Publisher
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

func NewWorker(pool *pgxpool.Pool, publisher Publisher, interval time.Duration, batchSize, maxAttempts int) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Worker{
		pool:        pool,
		publisher:   publisher,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
	}
}

// Run polls for pending messages until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.DrainOnce(ctx); err != nil {
				log.Printf("outbox: drain failed: %v", err)
			}
		}
	}
}

// DrainOnce claims one batch and attempts delivery for each message.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1
`, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}

	batch := make([]Message, 0, w.batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan message: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate batch: %w", err)
	}

	delivered := 0
	for _, m := range batch {
		if err := w.publisher.Publish(ctx, m.Topic, m.Payload); err != nil {
			log.Printf("outbox: deliver %s (%s) failed: %v", m.ID, m.Topic, err)
			next := StatusPending
			if m.Attempts+1 >= w.maxAttempts {
				next = StatusDead
			}
			if _, err := tx.Exec(ctx, `
UPDATE outbox SET attempts = attempts + 1, last_attempt = get_tx_timestamp(), status = $2 WHERE id = $1
`, m.ID, next); err != nil {
				return delivered, fmt.Errorf("outbox: record attempt: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = get_tx_timestamp() WHERE id = $1
`, m.ID); err != nil {
			return delivered, fmt.Errorf("outbox: mark processed: %w", err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return delivered, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return delivered, nil
}
