package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/rates"
	"escrowflow/wallet"
)

var (
	// ErrAlreadyReleased signals the payment was released before; callers that
	// hit it through Release get the prior result instead.
	ErrAlreadyReleased = errors.New("escrow: payment already released")
	// ErrWorkNotCompleted blocks a manual release before the unit of work is done.
	ErrWorkNotCompleted = errors.New("escrow: unit of work not completed")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PaymentRepository defines the data access required by the service.
type PaymentRepository interface {
	Create(ctx context.Context, tx pgx.Tx, p Payment) (Payment, error)
	GetByRequestForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Payment, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (Payment, error)
	MarkHeld(ctx context.Context, tx pgx.Tx, paymentID string, autoReleaseAt time.Time) (Payment, error)
	MarkReleased(ctx context.Context, tx pgx.Tx, paymentID string, next Status, releasedBy *string, releasedAt time.Time) (Payment, error)
	MarkDisputeHeld(ctx context.Context, tx pgx.Tx, paymentID, reason string) (Payment, error)
	MarkRefunded(ctx context.Context, tx pgx.Tx, paymentID string, next Status, amount int64, percentage float64, reason string) (Payment, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, paymentID string) (Payment, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, paymentID, eventType string, actorID *string, payload map[string]any) error
	LastEventPayload(ctx context.Context, tx pgx.Tx, paymentID, eventType string) (map[string]any, error)
}

// Gateway is the external payment provider capability. The engine never
// retries gateway calls; that is the caller's decision.
type Gateway interface {
	Capture(ctx context.Context, orderRef string) (providerPaymentID string, err error)
	Refund(ctx context.Context, providerPaymentID string, amountMinorUnits int64) (providerRefundID string, err error)
}

// WorkStatusProvider reports unit-of-work progress and payee bindings. Both
// are owned by external collaborators.
type WorkStatusProvider interface {
	Status(ctx context.Context, requestID string) (WorkState, error)
	Assignment(ctx context.Context, requestID string) (Assignment, error)
}

// RateProvider supplies per-group commission and withholding rates.
type RateProvider interface {
	GroupRates(ctx context.Context, groupID string) (rates.GroupRates, error)
}

// LedgerWriter is the wallet ledger credit primitive used on direct release.
type LedgerWriter interface {
	Credit(ctx context.Context, tx pgx.Tx, payeeID string, amount int64, meta wallet.Meta) (wallet.Transaction, error)
}

// OutboxWriter enqueues notification side effects inside the transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns payment custody transitions, dispute holds, and release execution.
type Service struct {
	pool            TxBeginner
	repo            PaymentRepository
	ledger          LedgerWriter
	gateway         Gateway
	work            WorkStatusProvider
	rates           RateProvider
	outbox          OutboxWriter
	autoReleaseDays int
	idGenerator     func() string
	now             func() time.Time
}

func NewService(pool TxBeginner, repo PaymentRepository, ledger LedgerWriter, gateway Gateway, work WorkStatusProvider, rateSource RateProvider, outbox OutboxWriter, autoReleaseDays int) *Service {
	if autoReleaseDays <= 0 {
		autoReleaseDays = 7
	}
	return &Service{
		pool:            pool,
		repo:            repo,
		ledger:          ledger,
		gateway:         gateway,
		work:            work,
		rates:           rateSource,
		outbox:          outbox,
		autoReleaseDays: autoReleaseDays,
		idGenerator:     func() string { return uuid.NewString() },
		now:             time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CaptureParams describes a capture confirmed by the gateway.
type CaptureParams struct {
	RequestID         string
	ProviderPaymentID string
	Amount            int64
}

// CaptureConfirmed records a successful gateway capture as a new payment.
func (s *Service) CaptureConfirmed(ctx context.Context, params CaptureParams) (Payment, error) {
	if params.RequestID == "" {
		return Payment{}, fmt.Errorf("escrow: missing request id")
	}
	if params.ProviderPaymentID == "" {
		return Payment{}, fmt.Errorf("escrow: missing provider payment id")
	}
	if params.Amount <= 0 {
		return Payment{}, fmt.Errorf("escrow: invalid amount %d", params.Amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.Create(ctx, tx, Payment{
		ID:                s.idGenerator(),
		RequestID:         params.RequestID,
		ProviderPaymentID: params.ProviderPaymentID,
		Amount:            params.Amount,
		Status:            StatusCaptured,
	})
	if err != nil {
		return Payment{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, p.ID, EventPaymentCaptured, nil, map[string]any{
		"request_id":          p.RequestID,
		"provider_payment_id": p.ProviderPaymentID,
		"amount":              p.Amount,
	}); err != nil {
		return Payment{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicPaymentCaptured, map[string]any{
		"payment_id": p.ID,
		"request_id": p.RequestID,
		"amount":     p.Amount,
	}); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("escrow: commit capture: %w", err)
	}
	return p, nil
}

// MarkHeld moves a captured payment into escrow and arms the auto-release
// deadline. Calling it on a payment that is already held is a logged no-op.
func (s *Service) MarkHeld(ctx context.Context, paymentID, providerReference string) (Payment, error) {
	if paymentID == "" {
		return Payment{}, fmt.Errorf("escrow: missing payment id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status == StatusEscrowHeld {
		log.Printf("escrow: payment %s already held, skipping", paymentID)
		return p, nil
	}
	if p.Status != StatusCaptured {
		return Payment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusEscrowHeld)
	}

	autoReleaseAt := s.now().AddDate(0, 0, s.autoReleaseDays)
	held, err := s.repo.MarkHeld(ctx, tx, paymentID, autoReleaseAt)
	if err != nil {
		return Payment{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, held.ID, EventEscrowHeld, nil, map[string]any{
		"provider_reference": providerReference,
		"auto_release_at":    autoReleaseAt.UTC(),
	}); err != nil {
		return Payment{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicPaymentHeld, map[string]any{
		"payment_id":      held.ID,
		"request_id":      held.RequestID,
		"auto_release_at": autoReleaseAt.UTC(),
	}); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("escrow: commit hold: %w", err)
	}
	return held, nil
}

// ReleaseParams identifies one release attempt. ReleasedBy is nil for the
// system sweep.
type ReleaseParams struct {
	RequestID     string
	ReleasedBy    *string
	IsAutoRelease bool
}

// ReleaseResult reports the payment after release and the amount credited
// directly to the group wallet. DistributedAmount is zero when a multi-payee
// split takes over the money movement.
type ReleaseResult struct {
	Payment           Payment
	DistributedAmount int64
	AlreadyReleased   bool
}

// Release moves a held payment out of escrow. Safe to call twice: a repeat
// call returns the prior result without re-mutating anything.
func (s *Service) Release(ctx context.Context, params ReleaseParams) (ReleaseResult, error) {
	if params.RequestID == "" {
		return ReleaseResult{}, fmt.Errorf("escrow: missing request id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.releaseInTx(ctx, tx, params, false)
	if err != nil {
		return ReleaseResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ReleaseResult{}, fmt.Errorf("escrow: commit release: %w", err)
	}
	return res, nil
}

func (s *Service) releaseInTx(ctx context.Context, tx pgx.Tx, params ReleaseParams, disputeAuthority bool) (ReleaseResult, error) {
	p, err := s.repo.GetByRequestForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return ReleaseResult{}, err
	}

	if p.ReleasedToPayee {
		amount, err := s.recordedReleaseAmount(ctx, tx, p.ID)
		if err != nil {
			return ReleaseResult{}, err
		}
		return ReleaseResult{Payment: p, DistributedAmount: amount, AlreadyReleased: true}, nil
	}

	if disputeAuthority {
		if p.Status != StatusDisputeHeld {
			return ReleaseResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusPendingRelease)
		}
	} else if p.Status != StatusEscrowHeld {
		return ReleaseResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusPendingRelease)
	}

	// The deadline itself constitutes implicit acceptance, so the sweep skips
	// the completion requirement. A dispute resolution is its own authority.
	if !params.IsAutoRelease && !disputeAuthority {
		state, err := s.work.Status(ctx, p.RequestID)
		if err != nil {
			return ReleaseResult{}, fmt.Errorf("escrow: fetch work status: %w", err)
		}
		if state != WorkCompleted {
			return ReleaseResult{}, fmt.Errorf("%w: state %s", ErrWorkNotCompleted, state)
		}
	}

	assignment, err := s.work.Assignment(ctx, p.RequestID)
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("escrow: fetch assignment: %w", err)
	}
	payees := assignment.ActiveAssignees()

	released, err := s.repo.MarkReleased(ctx, tx, p.ID, StatusPendingRelease, params.ReleasedBy, s.now())
	if err != nil {
		return ReleaseResult{}, err
	}

	var distributed int64
	if len(payees) <= 1 {
		groupRates, err := s.rates.GroupRates(ctx, assignment.GroupID)
		if err != nil {
			return ReleaseResult{}, err
		}
		commission := groupRates.CommissionOf(p.Amount)
		distributed = p.Amount - commission

		if _, err := s.ledger.Credit(ctx, tx, assignment.GroupID, distributed, wallet.Meta{
			Type:          wallet.TxReceived,
			NetAmount:     distributed,
			ReferenceType: "payment",
			ReferenceID:   p.ID,
		}); err != nil {
			return ReleaseResult{}, err
		}

		released, err = s.repo.MarkCompleted(ctx, tx, p.ID)
		if err != nil {
			return ReleaseResult{}, err
		}
	}

	eventPayload := map[string]any{
		"request_id":         p.RequestID,
		"auto_release":       params.IsAutoRelease,
		"distributed_amount": distributed,
		"payee_count":        len(payees),
	}
	if err := s.repo.AppendEvent(ctx, tx, p.ID, EventPaymentReleased, params.ReleasedBy, eventPayload); err != nil {
		return ReleaseResult{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicPaymentReleased, map[string]any{
		"payment_id":         p.ID,
		"request_id":         p.RequestID,
		"auto_release":       params.IsAutoRelease,
		"distributed_amount": distributed,
	}); err != nil {
		return ReleaseResult{}, err
	}

	return ReleaseResult{Payment: released, DistributedAmount: distributed}, nil
}

// recordedReleaseAmount reads back what the original release credited, so a
// repeat call reports the same amount even after the group's rates change.
func (s *Service) recordedReleaseAmount(ctx context.Context, tx pgx.Tx, paymentID string) (int64, error) {
	payload, err := s.repo.LastEventPayload(ctx, tx, paymentID, EventPaymentReleased)
	if err != nil {
		return 0, err
	}
	switch v := payload["distributed_amount"].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	}
	return 0, nil
}

// HoldForDispute freezes a held payment and disables the auto-release sweep.
// It moves no money.
func (s *Service) HoldForDispute(ctx context.Context, requestID, reason string) (Payment, error) {
	if requestID == "" {
		return Payment{}, fmt.Errorf("escrow: missing request id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetByRequestForUpdate(ctx, tx, requestID)
	if err != nil {
		return Payment{}, err
	}
	if p.ReleasedToPayee {
		return Payment{}, ErrAlreadyReleased
	}
	if p.Status != StatusEscrowHeld {
		return Payment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusDisputeHeld)
	}

	held, err := s.repo.MarkDisputeHeld(ctx, tx, p.ID, reason)
	if err != nil {
		return Payment{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, held.ID, EventDisputeOpened, nil, map[string]any{
		"reason": reason,
	}); err != nil {
		return Payment{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicPaymentDisputed, map[string]any{
		"payment_id": held.ID,
		"request_id": held.RequestID,
		"reason":     reason,
	}); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("escrow: commit dispute hold: %w", err)
	}
	return held, nil
}

// ResolveDisputeParams carries a dispute outcome. Percentage is required for a
// partial refund and ignored otherwise.
type ResolveDisputeParams struct {
	RequestID  string
	Resolution DisputeResolution
	Percentage *float64
}

// ResolveOutcome reports what the resolution did. Exactly one of Release and
// Refund is set.
type ResolveOutcome struct {
	Payment Payment
	Release *ReleaseResult
	Refund  *RefundQuote
}

// ResolveDispute settles a dispute-held payment by releasing it or refunding
// the client through the gateway.
func (s *Service) ResolveDispute(ctx context.Context, params ResolveDisputeParams) (ResolveOutcome, error) {
	if params.RequestID == "" {
		return ResolveOutcome{}, fmt.Errorf("escrow: missing request id")
	}

	switch params.Resolution {
	case ResolutionRelease:
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return ResolveOutcome{}, fmt.Errorf("escrow: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		actor := ActorDisputeResolution
		res, err := s.releaseInTx(ctx, tx, ReleaseParams{RequestID: params.RequestID, ReleasedBy: &actor}, true)
		if err != nil {
			return ResolveOutcome{}, err
		}
		if err := s.repo.AppendEvent(ctx, tx, res.Payment.ID, EventDisputeResolved, &actor, map[string]any{
			"resolution": string(params.Resolution),
		}); err != nil {
			return ResolveOutcome{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return ResolveOutcome{}, fmt.Errorf("escrow: commit resolution: %w", err)
		}
		return ResolveOutcome{Payment: res.Payment, Release: &res}, nil

	case ResolutionRefund, ResolutionPartialRefund:
		pct := fullRefundPercent
		if params.Resolution == ResolutionPartialRefund {
			if params.Percentage == nil {
				return ResolveOutcome{}, fmt.Errorf("escrow: partial refund requires a percentage")
			}
			pct = *params.Percentage
			if pct <= 0 || pct >= fullRefundPercent {
				return ResolveOutcome{}, fmt.Errorf("escrow: partial refund percentage %v out of range", pct)
			}
		}
		p, quote, err := s.refund(ctx, params.RequestID, pct, "dispute resolved in client's favor", StatusDisputeHeld)
		if err != nil {
			return ResolveOutcome{}, err
		}
		return ResolveOutcome{Payment: p, Refund: &quote}, nil

	default:
		return ResolveOutcome{}, fmt.Errorf("escrow: unknown resolution %q", params.Resolution)
	}
}

// RefundForCancellation refunds a held payment after the unit of work is
// cancelled, at the percentage recommended for its progress state.
func (s *Service) RefundForCancellation(ctx context.Context, requestID, reason string) (Payment, RefundQuote, error) {
	if requestID == "" {
		return Payment{}, RefundQuote{}, fmt.Errorf("escrow: missing request id")
	}
	state, err := s.work.Status(ctx, requestID)
	if err != nil {
		return Payment{}, RefundQuote{}, fmt.Errorf("escrow: fetch work status: %w", err)
	}
	pct := RecommendedPercentage(state)
	if pct <= 0 {
		return Payment{}, RefundQuote{}, fmt.Errorf("escrow: no refund due for work state %q", state)
	}
	p, quote, err := s.refund(ctx, requestID, pct, reason, StatusEscrowHeld)
	if err != nil {
		return Payment{}, RefundQuote{}, err
	}
	return p, quote, nil
}

// refund computes the quote, executes the gateway refund, and records the
// outcome. The payment row stays locked across the gateway call so a
// concurrent release cannot interleave.
func (s *Service) refund(ctx context.Context, requestID string, pct float64, reason string, requiredStatus Status) (Payment, RefundQuote, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, RefundQuote{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetByRequestForUpdate(ctx, tx, requestID)
	if err != nil {
		return Payment{}, RefundQuote{}, err
	}
	if p.ReleasedToPayee {
		return Payment{}, RefundQuote{}, ErrAlreadyReleased
	}
	if p.Status != requiredStatus {
		return Payment{}, RefundQuote{}, fmt.Errorf("%w: %s -> refund", ErrInvalidTransition, p.Status)
	}

	state, err := s.work.Status(ctx, p.RequestID)
	if err != nil {
		return Payment{}, RefundQuote{}, fmt.Errorf("escrow: fetch work status: %w", err)
	}

	quote := CalculateRefund(RefundInput{
		OriginalAmount: p.Amount,
		State:          state,
		Percentage:     pct,
	})

	providerRefundID, err := s.gateway.Refund(ctx, p.ProviderPaymentID, quote.FinalRefundAmount)
	if err != nil {
		return Payment{}, RefundQuote{}, fmt.Errorf("escrow: gateway refund: %w", err)
	}

	next := StatusPartiallyRefunded
	if pct >= fullRefundPercent {
		next = StatusRefunded
	}
	refunded, err := s.repo.MarkRefunded(ctx, tx, p.ID, next, quote.FinalRefundAmount, pct, reason)
	if err != nil {
		return Payment{}, RefundQuote{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, refunded.ID, EventPaymentRefunded, nil, map[string]any{
		"refund_amount":      quote.FinalRefundAmount,
		"processing_fee":     quote.ProcessingFee,
		"percentage":         pct,
		"provider_refund_id": providerRefundID,
		"reason":             reason,
	}); err != nil {
		return Payment{}, RefundQuote{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicPaymentRefunded, map[string]any{
		"payment_id":    refunded.ID,
		"request_id":    refunded.RequestID,
		"refund_amount": quote.FinalRefundAmount,
	}); err != nil {
		return Payment{}, RefundQuote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, RefundQuote{}, fmt.Errorf("escrow: commit refund: %w", err)
	}
	return refunded, quote, nil
}
