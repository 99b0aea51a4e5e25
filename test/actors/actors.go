// Package actors drives the engine's services concurrently against a live
// database. Every actor loops until stop closes, treating the engine's
// documented contention errors as expected outcomes.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/distribution"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/rates"
	"escrowflow/wallet"
)

// stubGateway stands in for the external payment provider.
type stubGateway struct{}

func (stubGateway) Capture(_ context.Context, orderRef string) (string, error) {
	return "prov-" + orderRef, nil
}

func (stubGateway) Refund(_ context.Context, providerPaymentID string, _ int64) (string, error) {
	return "refund-" + providerPaymentID, nil
}

// stubWork reports every request as completed work assigned to a fixed
// two-payee group.
type stubWork struct {
	groupID string
	payees  []string
}

func (w *stubWork) Status(_ context.Context, _ string) (escrow.WorkState, error) {
	return escrow.WorkCompleted, nil
}

func (w *stubWork) Assignment(_ context.Context, _ string) (escrow.Assignment, error) {
	a := escrow.Assignment{GroupID: w.groupID}
	for i, p := range w.payees {
		role := "support"
		if i == 0 {
			role = "lead"
		}
		a.Assignees = append(a.Assignees, escrow.Assignee{PayeeID: p, Role: role, Active: true})
	}
	return a, nil
}

// Engines bundles the real services wired against the stress database.
type Engines struct {
	Payments     *escrow.Repository
	Escrow       *escrow.Service
	Sweeper      *escrow.Sweeper
	Distribution *distribution.Service
	Ledger       *wallet.Ledger
	Payouts      *wallet.PayoutService

	GroupID string
	Payees  []string
}

// NewEngines constructs the full service graph. The sweeper clock runs in the
// future so freshly held payments are immediately due, letting the sweep race
// the manual releasers.
func NewEngines(pool *pgxpool.Pool, groupID string, payees []string) *Engines {
	work := &stubWork{groupID: groupID, payees: payees}
	writer := outbox.NewWriter()
	ledger := wallet.NewLedger(pool)
	rateSource := rates.NewCached(rates.NewSource(pool), time.Minute)

	repo := escrow.NewRepository(pool)
	escrowSvc := escrow.NewService(pool, repo, ledger, stubGateway{}, work, rateSource, writer, 7)
	sweeper := escrow.NewSweeper(repo, escrowSvc, 50*time.Millisecond, 100).
		WithClock(func() time.Time { return time.Now().AddDate(0, 0, 8) })

	distSvc := distribution.NewService(pool, distribution.NewRepository(pool), repo, ledger, work, rateSource, writer, "stress-secret")
	payouts := wallet.NewPayoutService(pool, ledger, writer)

	return &Engines{
		Payments:     repo,
		Escrow:       escrowSvc,
		Sweeper:      sweeper,
		Distribution: distSvc,
		Ledger:       ledger,
		Payouts:      payouts,
		GroupID:      groupID,
		Payees:       payees,
	}
}

// Pipeline pushes fresh payments through capture, hold, and split setup, then
// leaves release and distribution to the racing actors.
func (e *Engines) Pipeline(ctx context.Context, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		requestID := uuid.NewString()
		p, err := e.Escrow.CaptureConfirmed(ctx, escrow.CaptureParams{
			RequestID:         requestID,
			ProviderPaymentID: "prov-" + requestID,
			Amount:            int64(5000 + rand.Intn(20000)),
		})
		if err != nil {
			if isRetryable(err) {
				continue
			}
			return fmt.Errorf("pipeline capture: %w", err)
		}

		if _, err := e.Escrow.MarkHeld(ctx, p.ID, "hold-"+requestID); err != nil && !isRetryable(err) {
			return fmt.Errorf("pipeline hold: %w", err)
		}

		if _, err := e.Distribution.SetupCustom(ctx, distribution.CustomSetupParams{
			RequestID: requestID,
			Shares: []distribution.ShareInput{
				{PayeeID: e.Payees[0], Percentage: 60},
				{PayeeID: e.Payees[1], Percentage: 40},
			},
			BonusPool: int64(rand.Intn(500)),
		}); err != nil && !isRetryable(err) {
			return fmt.Errorf("pipeline setup: %w", err)
		}

		time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
	}
}

// Capturer hammers one request id with duplicate captures. The partial unique
// index must admit exactly one live payment; every loser sees ErrPaymentExists.
func (e *Engines) Capturer(ctx context.Context, requestID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_, err := e.Escrow.CaptureConfirmed(ctx, escrow.CaptureParams{
			RequestID:         requestID,
			ProviderPaymentID: "prov-dup-" + uuid.NewString(),
			Amount:            10000,
		})
		if err != nil && !errors.Is(err, escrow.ErrPaymentExists) && !isRetryable(err) {
			return fmt.Errorf("capturer: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Releaser releases any held payment it can find, racing the sweeper and the
// other releasers. Repeat releases must come back AlreadyReleased, never as a
// second mutation.
func (e *Engines) Releaser(ctx context.Context, pool *pgxpool.Pool, name string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var requestID string
		err := pool.QueryRow(ctx, `
SELECT request_id FROM payments WHERE status = 'escrow_held' ORDER BY random() LIMIT 1
`).Scan(&requestID)
		if err == nil {
			actor := name
			_, err = e.Escrow.Release(ctx, escrow.ReleaseParams{RequestID: requestID, ReleasedBy: &actor})
			if err != nil && !errors.Is(err, escrow.ErrInvalidTransition) &&
				!errors.Is(err, escrow.ErrPaymentNotFound) && !isRetryable(err) {
				return fmt.Errorf("releaser %s: %w", name, err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(40)) * time.Millisecond)
	}
}

// Distributor executes splits for released payments. Exactly one racer wins
// each payment; the rest must see ErrAlreadyDistributed.
func (e *Engines) Distributor(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		rows, err := pool.Query(ctx, `
SELECT id FROM payments WHERE status = 'pending_release' ORDER BY random() LIMIT 5
`)
		if err == nil {
			ids := make([]string, 0, 5)
			for rows.Next() {
				var id string
				if rows.Scan(&id) == nil {
					ids = append(ids, id)
				}
			}
			rows.Close()

			for _, id := range ids {
				_, err := e.Distribution.Distribute(ctx, id)
				if err != nil && !errors.Is(err, distribution.ErrAlreadyDistributed) &&
					!errors.Is(err, distribution.ErrDistributionNotFound) &&
					!errors.Is(err, distribution.ErrNotApproved) && !isRetryable(err) {
					return fmt.Errorf("distributor: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Withdrawer opens and approves payout requests against whatever balance its
// payee has accumulated.
func (e *Engines) Withdrawer(ctx context.Context, payeeID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := int64(100 + rand.Intn(2000))
		req, err := e.Payouts.Request(ctx, payeeID, amount, "bank:stress")
		if err == nil {
			_, err = e.Payouts.Approve(ctx, req.ID, "stress-ops")
		}
		if err != nil && !errors.Is(err, wallet.ErrInsufficientFunds) &&
			!errors.Is(err, wallet.ErrInvalidPayoutState) && !isRetryable(err) {
			return fmt.Errorf("withdrawer %s: %w", payeeID, err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// PayoutProcessor drains approved payouts. Two processors running at once
// exercise the double-payout claim: each payout completes exactly once.
func (e *Engines) PayoutProcessor(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	worker := wallet.NewWorker(pool, e.Payouts, 30*time.Millisecond, 20)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := worker.ProcessBatch(ctx); err != nil && !isRetryable(err) {
			return fmt.Errorf("payout processor: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(40)) * time.Millisecond)
	}
}

// flakyPublisher fails a fraction of deliveries so retries and the dead
// letter path get exercised.
type flakyPublisher struct{}

func (flakyPublisher) Publish(_ context.Context, _ string, _ []byte) error {
	if rand.Intn(10) == 0 {
		return errors.New("simulated delivery failure")
	}
	return nil
}

// OutboxDrainer runs the real outbox worker loop with a flaky downstream.
func OutboxDrainer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	worker := outbox.NewWorker(pool, flakyPublisher{}, time.Second, 20, 10)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := worker.DrainOnce(ctx); err != nil && !isRetryable(err) {
			return fmt.Errorf("outbox drainer: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// RunSweeps drives the auto-release sweep manually on a tight cadence.
func (e *Engines) RunSweeps(ctx context.Context, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := e.Sweeper.Sweep(ctx); err != nil && !isRetryable(err) {
			return fmt.Errorf("sweep: %w", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// isRetryable covers transient database failures injected by the chaos actor:
// killed backends, serialization aborts, deadlocks, and closed connections.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, fragment := range []string{
		"57P01", // admin_shutdown
		"40001", // serialization_failure
		"40P01", // deadlock_detected
		"conn closed",
		"connection reset",
		"unexpected EOF",
		"failed to connect",
		"deadlock",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
