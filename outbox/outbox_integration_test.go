package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type recordingPublisher struct {
	failTopics map[string]bool
	delivered  []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ []byte) error {
	if p.failTopics[topic] {
		return errors.New("downstream unavailable")
	}
	p.delivered = append(p.delivered, topic)
	return nil
}

// TestOutboxDrain_Integration verifies enqueue-then-drain against a real
// PostgreSQL via DATABASE_URL, including the dead-letter path.
func TestOutboxDrain_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'outbox'
	)`).Scan(&exists); err != nil || !exists {
		t.Skip("outbox table missing; run migrations first")
	}

	marker := fmt.Sprintf("it-%d", time.Now().UnixNano())
	goodTopic := marker + ".ok"
	badTopic := marker + ".fail"

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE topic LIKE $1`, marker+"%")
	})

	writer := NewWriter()
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := writer.Enqueue(ctx, tx, goodTopic, map[string]any{"payment_id": "pay-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := writer.Enqueue(ctx, tx, badTopic, map[string]any{"payment_id": "pay-2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	publisher := &recordingPublisher{failTopics: map[string]bool{badTopic: true}}
	worker := NewWorker(pool, publisher, time.Second, 50, 2)

	if _, err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	found := false
	for _, d := range publisher.delivered {
		if d == goodTopic {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s delivered, got %v", goodTopic, publisher.delivered)
	}

	var status string
	var attempts int
	if err := pool.QueryRow(ctx, `SELECT status, attempts FROM outbox WHERE topic = $1`, goodTopic).Scan(&status, &attempts); err != nil {
		t.Fatalf("query delivered row: %v", err)
	}
	if status != StatusProcessed {
		t.Fatalf("expected processed, got %s", status)
	}

	// The failing message stays pending, then parks as dead at maxAttempts.
	if err := pool.QueryRow(ctx, `SELECT status, attempts FROM outbox WHERE topic = $1`, badTopic).Scan(&status, &attempts); err != nil {
		t.Fatalf("query failing row: %v", err)
	}
	if status != StatusPending || attempts != 1 {
		t.Fatalf("expected pending after first failure, got %s/%d", status, attempts)
	}

	if _, err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT status FROM outbox WHERE topic = $1`, badTopic).Scan(&status); err != nil {
		t.Fatalf("query dead row: %v", err)
	}
	if status != StatusDead {
		t.Fatalf("expected dead after max attempts, got %s", status)
	}

	// A processed message is never redelivered.
	before := len(publisher.delivered)
	if _, err := worker.DrainOnce(ctx); err != nil {
		t.Fatalf("third drain: %v", err)
	}
	for _, d := range publisher.delivered[before:] {
		if strings.HasPrefix(d, marker) {
			t.Fatalf("message redelivered: %s", d)
		}
	}
}
