package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// seed minimal data
	seedData := mustSeed(t, ctx, pool)

	engines := actors.NewEngines(pool, seedData.groupID, seedData.payees)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// capturers battling over the same request, releasers racing the sweeper
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return engines.Capturer(ctx2, seedData.contendedRequest, stop) })
		name := fmt.Sprintf("releaser-%d", i)
		g.Go(func() error { return engines.Releaser(ctx2, pool, name, stop) })
	}

	// fresh payments flowing in
	g.Go(func() error { return engines.Pipeline(ctx2, stop) })
	// distributors racing each other over pending releases
	for i := 0; i < 2; i++ {
		g.Go(func() error { return engines.Distributor(ctx2, pool, stop) })
	}
	// one withdrawer per payee
	for _, payee := range seedData.payees {
		g.Go(func() error { return engines.Withdrawer(ctx2, payee, stop) })
	}
	// two payout workers competing over the same queue
	for i := 0; i < 2; i++ {
		g.Go(func() error { return engines.PayoutProcessor(ctx2, pool, stop) })
	}
	// outbox drain with a flaky publisher
	g.Go(func() error { return actors.OutboxDrainer(ctx2, pool, stop) })
	// auto-release sweeps with a clock past every deadline
	g.Go(func() error { return engines.RunSweeps(ctx2, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	groupID          string
	payees           []string
	contendedRequest string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	s := seedIDs{
		groupID:          uuid.NewString(),
		payees:           []string{uuid.NewString(), uuid.NewString()},
		contendedRequest: uuid.NewString(),
	}
	if _, err := pool.Exec(ctx, `INSERT INTO group_settings (group_id, commission_rate, withholding_rate) VALUES ($1, 0.15, 0.10)`, s.groupID); err != nil {
		t.Fatalf("seed group settings: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO distribution_templates (group_id, role, percentage) VALUES ($1,'lead',60), ($1,'support',40)`, s.groupID); err != nil {
		t.Fatalf("seed distribution templates: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"payments", `SELECT id, request_id, status, amount, released_to_payee FROM payments ORDER BY created_at DESC LIMIT 50`},
		{"payment_events", `SELECT id, payment_id, seq, type, ts FROM payment_events ORDER BY id DESC LIMIT 50`},
		{"wallet_transactions", `SELECT id, payee_id, type, amount, balance_after FROM wallet_transactions ORDER BY created_at DESC LIMIT 50`},
		{"payout_requests", `SELECT id, payee_id, amount, status FROM payout_requests ORDER BY requested_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
