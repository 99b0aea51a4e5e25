package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/rates"
	"escrowflow/wallet"
)

func newTestService(pool *fakePool, repo *fakePaymentRepo, gateway *fakeGateway, work *fakeWork, ledger *fakeLedger, outbox *fakeOutbox) *Service {
	return NewService(pool, repo, ledger, gateway, work, fakeRates{rates.GroupRates{Commission: 0.15, Withholding: 0.10}}, outbox, 7)
}

func singlePayeeWork(state WorkState) *fakeWork {
	return &fakeWork{
		state: state,
		assignment: Assignment{
			GroupID:   "group-1",
			Assignees: []Assignee{{PayeeID: "payee-1", Role: "lead", Active: true}},
		},
	}
}

func TestRelease_SinglePayeeCreditsGroupAndCompletes(t *testing.T) {
	pool := &fakePool{}
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", Amount: 10000, Status: StatusEscrowHeld,
	}}
	ledger := &fakeLedger{}
	outbox := &fakeOutbox{}
	svc := newTestService(pool, repo, &fakeGateway{}, singlePayeeWork(WorkCompleted), ledger, outbox)

	res, err := svc.Release(context.Background(), ReleaseParams{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	if res.AlreadyReleased {
		t.Fatal("expected a fresh release")
	}
	if res.DistributedAmount != 8500 {
		t.Fatalf("expected 8500 distributed after 15%% commission, got %d", res.DistributedAmount)
	}
	if len(ledger.credits) != 1 {
		t.Fatalf("expected one ledger credit, got %d", len(ledger.credits))
	}
	if c := ledger.credits[0]; c.payeeID != "group-1" || c.amount != 8500 || c.meta.Type != wallet.TxReceived {
		t.Fatalf("unexpected credit: %+v", c)
	}
	if !repo.completedCalled {
		t.Fatal("expected single-payee release to complete the payment")
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
	if !outbox.has(OutboxTopicPaymentReleased) {
		t.Fatal("expected a release notification in the outbox")
	}
}

func TestRelease_MultiPayeeDefersMoneyMovement(t *testing.T) {
	pool := &fakePool{}
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", Amount: 10000, Status: StatusEscrowHeld,
	}}
	ledger := &fakeLedger{}
	work := &fakeWork{
		state: WorkCompleted,
		assignment: Assignment{
			GroupID: "group-1",
			Assignees: []Assignee{
				{PayeeID: "payee-1", Role: "lead", Active: true},
				{PayeeID: "payee-2", Role: "support", Active: true},
			},
		},
	}
	svc := newTestService(pool, repo, &fakeGateway{}, work, ledger, &fakeOutbox{})

	res, err := svc.Release(context.Background(), ReleaseParams{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	if res.DistributedAmount != 0 {
		t.Fatalf("expected zero distributed for multi-payee, got %d", res.DistributedAmount)
	}
	if len(ledger.credits) != 0 {
		t.Fatalf("expected no ledger movement, got %d credits", len(ledger.credits))
	}
	if repo.completedCalled {
		t.Fatal("multi-payee release must stay pending until distribution executes")
	}
	if !repo.releasedCalled {
		t.Fatal("expected the payment to be marked released")
	}
}

func TestRelease_RequiresCompletedWork(t *testing.T) {
	pool := &fakePool{}
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", Amount: 10000, Status: StatusEscrowHeld,
	}}
	svc := newTestService(pool, repo, &fakeGateway{}, singlePayeeWork(WorkInProgress), &fakeLedger{}, &fakeOutbox{})

	_, err := svc.Release(context.Background(), ReleaseParams{RequestID: "req-1"})
	if !errors.Is(err, ErrWorkNotCompleted) {
		t.Fatalf("expected ErrWorkNotCompleted, got %v", err)
	}
	if repo.releasedCalled {
		t.Fatal("expected no release mutation")
	}
	if pool.tx.committed {
		t.Fatal("expected rollback")
	}
}

func TestRelease_AutoReleaseSkipsCompletionCheck(t *testing.T) {
	pool := &fakePool{}
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", Amount: 10000, Status: StatusEscrowHeld,
	}}
	work := singlePayeeWork(WorkInProgress)
	work.statusErr = errors.New("status provider must not be consulted")
	svc := newTestService(pool, repo, &fakeGateway{}, work, &fakeLedger{}, &fakeOutbox{})

	res, err := svc.Release(context.Background(), ReleaseParams{RequestID: "req-1", IsAutoRelease: true})
	if err != nil {
		t.Fatalf("auto release: %v", err)
	}
	if res.DistributedAmount != 8500 {
		t.Fatalf("expected 8500, got %d", res.DistributedAmount)
	}
}

func TestRelease_RepeatReturnsPriorResult(t *testing.T) {
	pool := &fakePool{}
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", Amount: 10000,
		Status: StatusCompleted, ReleasedToPayee: true,
	}}
	repo.events = append(repo.events, fakeEvent{
		eventType: EventPaymentReleased,
		payload:   map[string]any{"distributed_amount": int64(8500)},
	})
	ledger := &fakeLedger{}
	svc := newTestService(pool, repo, &fakeGateway{}, singlePayeeWork(WorkCompleted), ledger, &fakeOutbox{})

	res, err := svc.Release(context.Background(), ReleaseParams{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("repeat release: %v", err)
	}

	if !res.AlreadyReleased {
		t.Fatal("expected AlreadyReleased")
	}
	if res.DistributedAmount != 8500 {
		t.Fatalf("expected prior amount 8500, got %d", res.DistributedAmount)
	}
	if len(ledger.credits) != 0 || repo.releasedCalled || repo.completedCalled {
		t.Fatal("repeat release must not re-mutate anything")
	}
}

func TestRelease_RepeatReportsRecordedAmount(t *testing.T) {
	pool := &fakePool{}
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", Amount: 10000, Status: StatusEscrowHeld,
	}}
	ledger := &fakeLedger{}
	svc := newTestService(pool, repo, &fakeGateway{}, singlePayeeWork(WorkCompleted), ledger, &fakeOutbox{})

	first, err := svc.Release(context.Background(), ReleaseParams{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if first.DistributedAmount != 8500 {
		t.Fatalf("expected 8500 distributed, got %d", first.DistributedAmount)
	}

	// A commission change after the fact must not alter what the repeat
	// call reports: the credited amount is already on the ledger.
	svc.rates = fakeRates{rates.GroupRates{Commission: 0.20, Withholding: 0.10}}

	repeat, err := svc.Release(context.Background(), ReleaseParams{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("repeat release: %v", err)
	}
	if !repeat.AlreadyReleased {
		t.Fatal("expected AlreadyReleased")
	}
	if repeat.DistributedAmount != first.DistributedAmount {
		t.Fatalf("repeat reported %d, first credited %d", repeat.DistributedAmount, first.DistributedAmount)
	}
	if len(ledger.credits) != 1 {
		t.Fatalf("expected the single original credit, got %d", len(ledger.credits))
	}

	// The repeat path reads the recorded event only; collaborator outages
	// must not break it.
	svc.rates = failingRates{}
	svc.work = &fakeWork{statusErr: errors.New("work provider down")}

	again, err := svc.Release(context.Background(), ReleaseParams{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("repeat release with collaborators down: %v", err)
	}
	if again.DistributedAmount != first.DistributedAmount {
		t.Fatalf("expected %d, got %d", first.DistributedAmount, again.DistributedAmount)
	}
}

func TestMarkHeld_SetsAutoReleaseDeadline(t *testing.T) {
	pool := &fakePool{}
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", Amount: 10000, Status: StatusCaptured,
	}}
	svc := newTestService(pool, repo, &fakeGateway{}, singlePayeeWork(WorkNotStarted), &fakeLedger{}, &fakeOutbox{})
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	if _, err := svc.MarkHeld(context.Background(), "pay-1", "ref-1"); err != nil {
		t.Fatalf("mark held: %v", err)
	}

	want := now.AddDate(0, 0, 7)
	if !repo.heldAt.Equal(want) {
		t.Fatalf("expected deadline %v, got %v", want, repo.heldAt)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestMarkHeld_AlreadyHeldIsNoOp(t *testing.T) {
	pool := &fakePool{}
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", Amount: 10000, Status: StatusEscrowHeld,
	}}
	svc := newTestService(pool, repo, &fakeGateway{}, singlePayeeWork(WorkNotStarted), &fakeLedger{}, &fakeOutbox{})

	p, err := svc.MarkHeld(context.Background(), "pay-1", "ref-1")
	if err != nil {
		t.Fatalf("expected no error on repeat hold, got %v", err)
	}
	if p.Status != StatusEscrowHeld {
		t.Fatalf("unexpected status %s", p.Status)
	}
	if repo.heldCalled {
		t.Fatal("expected no mutation on repeat hold")
	}
}

func TestHoldForDispute_RejectsReleasedPayment(t *testing.T) {
	pool := &fakePool{}
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", Amount: 10000,
		Status: StatusPendingRelease, ReleasedToPayee: true,
	}}
	svc := newTestService(pool, repo, &fakeGateway{}, singlePayeeWork(WorkCompleted), &fakeLedger{}, &fakeOutbox{})

	_, err := svc.HoldForDispute(context.Background(), "req-1", "client complaint")
	if !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
}

func TestResolveDispute_ReleaseOverridesCompletionCheck(t *testing.T) {
	pool := &fakePool{}
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", Amount: 10000, Status: StatusDisputeHeld,
	}}
	ledger := &fakeLedger{}
	work := singlePayeeWork(WorkInProgress)
	svc := newTestService(pool, repo, &fakeGateway{}, work, ledger, &fakeOutbox{})

	outcome, err := svc.ResolveDispute(context.Background(), ResolveDisputeParams{
		RequestID:  "req-1",
		Resolution: ResolutionRelease,
	})
	if err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}

	if outcome.Release == nil || outcome.Refund != nil {
		t.Fatalf("expected a release outcome, got %+v", outcome)
	}
	if outcome.Release.DistributedAmount != 8500 {
		t.Fatalf("expected 8500, got %d", outcome.Release.DistributedAmount)
	}
	if !repo.hasEvent(EventDisputeResolved) {
		t.Fatal("expected DISPUTE_RESOLVED in the timeline")
	}
}

func TestResolveDispute_PartialRefundValidatesPercentage(t *testing.T) {
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", Amount: 10000, Status: StatusDisputeHeld,
	}}
	svc := newTestService(&fakePool{}, repo, &fakeGateway{}, singlePayeeWork(WorkInProgress), &fakeLedger{}, &fakeOutbox{})

	if _, err := svc.ResolveDispute(context.Background(), ResolveDisputeParams{
		RequestID:  "req-1",
		Resolution: ResolutionPartialRefund,
	}); err == nil {
		t.Fatal("expected error for missing percentage")
	}

	bad := 100.0
	if _, err := svc.ResolveDispute(context.Background(), ResolveDisputeParams{
		RequestID:  "req-1",
		Resolution: ResolutionPartialRefund,
		Percentage: &bad,
	}); err == nil {
		t.Fatal("expected error for out-of-range percentage")
	}
}

func TestResolveDispute_RefundGoesThroughGateway(t *testing.T) {
	pool := &fakePool{}
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", ProviderPaymentID: "prov-1",
		Amount: 10000, Status: StatusDisputeHeld,
	}}
	gateway := &fakeGateway{}
	svc := newTestService(pool, repo, gateway, singlePayeeWork(WorkInProgress), &fakeLedger{}, &fakeOutbox{})

	outcome, err := svc.ResolveDispute(context.Background(), ResolveDisputeParams{
		RequestID:  "req-1",
		Resolution: ResolutionRefund,
	})
	if err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}

	// 100% of 10000 minus the capped 100 fee.
	if outcome.Refund == nil || outcome.Refund.FinalRefundAmount != 9900 {
		t.Fatalf("unexpected refund outcome: %+v", outcome.Refund)
	}
	if gateway.refundedAmount != 9900 {
		t.Fatalf("expected gateway refund of 9900, got %d", gateway.refundedAmount)
	}
	if repo.refundedStatus != StatusRefunded {
		t.Fatalf("expected refunded status, got %s", repo.refundedStatus)
	}
}

func TestRefundForCancellation_UsesRecommendedPercentage(t *testing.T) {
	pool := &fakePool{}
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", ProviderPaymentID: "prov-1",
		Amount: 10000, Status: StatusEscrowHeld,
	}}
	gateway := &fakeGateway{}
	svc := newTestService(pool, repo, gateway, singlePayeeWork(WorkInProgress), &fakeLedger{}, &fakeOutbox{})

	_, quote, err := svc.RefundForCancellation(context.Background(), "req-1", "client cancelled")
	if err != nil {
		t.Fatalf("refund for cancellation: %v", err)
	}

	if quote.RefundAmount != 5000 || quote.ProcessingFee != 100 || quote.FinalRefundAmount != 4900 {
		t.Fatalf("unexpected quote: %+v", quote)
	}
	if gateway.refundedAmount != 4900 {
		t.Fatalf("expected gateway refund of 4900, got %d", gateway.refundedAmount)
	}
	if repo.refundedStatus != StatusPartiallyRefunded {
		t.Fatalf("expected partially_refunded, got %s", repo.refundedStatus)
	}
}

func TestRefundForCancellation_NothingDueAfterCompletion(t *testing.T) {
	repo := &fakePaymentRepo{payment: Payment{
		ID: "pay-1", RequestID: "req-1", Amount: 10000, Status: StatusEscrowHeld,
	}}
	svc := newTestService(&fakePool{}, repo, &fakeGateway{}, singlePayeeWork(WorkCompleted), &fakeLedger{}, &fakeOutbox{})

	if _, _, err := svc.RefundForCancellation(context.Background(), "req-1", "too late"); err == nil {
		t.Fatal("expected error when no refund is due")
	}
}

func TestCaptureConfirmed_Validation(t *testing.T) {
	svc := newTestService(&fakePool{}, &fakePaymentRepo{}, &fakeGateway{}, singlePayeeWork(WorkNotStarted), &fakeLedger{}, &fakeOutbox{})

	if _, err := svc.CaptureConfirmed(context.Background(), CaptureParams{ProviderPaymentID: "prov", Amount: 100}); err == nil {
		t.Fatal("expected error for missing request id")
	}
	if _, err := svc.CaptureConfirmed(context.Background(), CaptureParams{RequestID: "req", Amount: 100}); err == nil {
		t.Fatal("expected error for missing provider payment id")
	}
	if _, err := svc.CaptureConfirmed(context.Background(), CaptureParams{RequestID: "req", ProviderPaymentID: "prov"}); err == nil {
		t.Fatal("expected error for non-positive amount")
	}
}

type fakePaymentRepo struct {
	payment Payment

	heldCalled      bool
	heldAt          time.Time
	releasedCalled  bool
	completedCalled bool
	refundedStatus  Status
	events          []fakeEvent
}

type fakeEvent struct {
	eventType string
	payload   map[string]any
}

func (f *fakePaymentRepo) Create(_ context.Context, _ pgx.Tx, p Payment) (Payment, error) {
	f.payment = p
	return p, nil
}

func (f *fakePaymentRepo) GetByRequestForUpdate(_ context.Context, _ pgx.Tx, requestID string) (Payment, error) {
	if f.payment.RequestID != requestID {
		return Payment{}, ErrPaymentNotFound
	}
	return f.payment, nil
}

func (f *fakePaymentRepo) GetByIDForUpdate(_ context.Context, _ pgx.Tx, paymentID string) (Payment, error) {
	if f.payment.ID != paymentID {
		return Payment{}, ErrPaymentNotFound
	}
	return f.payment, nil
}

func (f *fakePaymentRepo) MarkHeld(_ context.Context, _ pgx.Tx, _ string, autoReleaseAt time.Time) (Payment, error) {
	f.heldCalled = true
	f.heldAt = autoReleaseAt
	f.payment.Status = StatusEscrowHeld
	f.payment.AutoReleaseAt = &autoReleaseAt
	return f.payment, nil
}

func (f *fakePaymentRepo) MarkReleased(_ context.Context, _ pgx.Tx, _ string, next Status, releasedBy *string, releasedAt time.Time) (Payment, error) {
	f.releasedCalled = true
	f.payment.Status = next
	f.payment.ReleasedToPayee = true
	f.payment.ReleasedBy = releasedBy
	f.payment.ReleasedAt = &releasedAt
	return f.payment, nil
}

func (f *fakePaymentRepo) MarkDisputeHeld(_ context.Context, _ pgx.Tx, _ string, reason string) (Payment, error) {
	f.payment.Status = StatusDisputeHeld
	f.payment.DisputeReason = &reason
	return f.payment, nil
}

func (f *fakePaymentRepo) MarkRefunded(_ context.Context, _ pgx.Tx, _ string, next Status, amount int64, percentage float64, reason string) (Payment, error) {
	f.refundedStatus = next
	f.payment.Status = next
	f.payment.RefundAmount = &amount
	f.payment.RefundPercentage = &percentage
	f.payment.RefundReason = &reason
	return f.payment, nil
}

func (f *fakePaymentRepo) MarkCompleted(_ context.Context, _ pgx.Tx, _ string) (Payment, error) {
	f.completedCalled = true
	f.payment.Status = StatusCompleted
	return f.payment, nil
}

func (f *fakePaymentRepo) AppendEvent(_ context.Context, _ pgx.Tx, _ string, eventType string, _ *string, payload map[string]any) error {
	f.events = append(f.events, fakeEvent{eventType: eventType, payload: payload})
	return nil
}

func (f *fakePaymentRepo) LastEventPayload(_ context.Context, _ pgx.Tx, _ string, eventType string) (map[string]any, error) {
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].eventType == eventType {
			return f.events[i].payload, nil
		}
	}
	return nil, nil
}

func (f *fakePaymentRepo) hasEvent(eventType string) bool {
	for _, e := range f.events {
		if e.eventType == eventType {
			return true
		}
	}
	return false
}

type fakeGateway struct {
	captureErr     error
	refundErr      error
	refundedAmount int64
}

func (f *fakeGateway) Capture(_ context.Context, _ string) (string, error) {
	return "prov-capture", f.captureErr
}

func (f *fakeGateway) Refund(_ context.Context, _ string, amount int64) (string, error) {
	if f.refundErr != nil {
		return "", f.refundErr
	}
	f.refundedAmount = amount
	return "prov-refund", nil
}

type fakeWork struct {
	state      WorkState
	statusErr  error
	assignment Assignment
}

func (f *fakeWork) Status(_ context.Context, _ string) (WorkState, error) {
	return f.state, f.statusErr
}

func (f *fakeWork) Assignment(_ context.Context, _ string) (Assignment, error) {
	return f.assignment, nil
}

type fakeRates struct {
	rates rates.GroupRates
}

func (f fakeRates) GroupRates(_ context.Context, _ string) (rates.GroupRates, error) {
	return f.rates, nil
}

type failingRates struct{}

func (failingRates) GroupRates(_ context.Context, _ string) (rates.GroupRates, error) {
	return rates.GroupRates{}, errors.New("rates unavailable")
}

type ledgerCredit struct {
	payeeID string
	amount  int64
	meta    wallet.Meta
}

type fakeLedger struct {
	credits []ledgerCredit
}

func (f *fakeLedger) Credit(_ context.Context, _ pgx.Tx, payeeID string, amount int64, meta wallet.Meta) (wallet.Transaction, error) {
	f.credits = append(f.credits, ledgerCredit{payeeID: payeeID, amount: amount, meta: meta})
	return wallet.Transaction{PayeeID: payeeID, Amount: amount, Type: meta.Type}, nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeOutbox) has(topic string) bool {
	for _, t := range f.topics {
		if t == topic {
			return true
		}
	}
	return false
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(_ context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
