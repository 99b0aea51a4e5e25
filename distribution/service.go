package distribution

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/escrow"
	"escrowflow/rates"
	"escrowflow/wallet"
)

var (
	// ErrMissingTemplate signals an active payee's role has no template percentage.
	ErrMissingTemplate = errors.New("distribution: missing template for role")
	// ErrPercentageMismatch rejects shares that do not sum to 100% within tolerance.
	ErrPercentageMismatch = errors.New("distribution: share percentages do not sum to 100")
	// ErrAlreadyDistributed signals an idempotent no-op, distinct from hard failure.
	ErrAlreadyDistributed = errors.New("distribution: already distributed")
	// ErrNotApproved blocks execution while share approvals are outstanding.
	ErrNotApproved = errors.New("distribution: approval outstanding")
	// ErrShareUnauthorized rejects approving a share the caller does not own.
	ErrShareUnauthorized = errors.New("distribution: share not owned by payee")
	// ErrPaymentNotReleased blocks execution before the escrow released the payment.
	ErrPaymentNotReleased = errors.New("distribution: payment not released")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DistributionRepository defines the data access required by the service.
type DistributionRepository interface {
	CreateWithShares(ctx context.Context, tx pgx.Tx, d Distribution) (Distribution, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, distributionID string) (Distribution, error)
	GetByPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (Distribution, error)
	ApproveShare(ctx context.Context, tx pgx.Tx, distributionID, payeeID string) (Share, int, error)
	MarkApproved(ctx context.Context, tx pgx.Tx, distributionID string) error
	MarkDistributed(ctx context.Context, tx pgx.Tx, distributionID string) error
	InsertTaxRecord(ctx context.Context, tx pgx.Tx, rec TaxRecord) error
	TemplatesForGroup(ctx context.Context, groupID string) (map[string]float64, error)
}

// PaymentStore is the slice of the escrow repository the engine needs.
type PaymentStore interface {
	GetByRequestForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (escrow.Payment, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (escrow.Payment, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, paymentID string) (escrow.Payment, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, paymentID, eventType string, actorID *string, payload map[string]any) error
}

// LedgerWriter is the wallet ledger pair of primitives. All money movement in
// the engine goes through these two calls.
type LedgerWriter interface {
	Credit(ctx context.Context, tx pgx.Tx, payeeID string, amount int64, meta wallet.Meta) (wallet.Transaction, error)
	Debit(ctx context.Context, tx pgx.Tx, payeeID string, amount int64, meta wallet.Meta) (wallet.Transaction, error)
}

// AssignmentProvider supplies the request's group and payee bindings.
type AssignmentProvider interface {
	Assignment(ctx context.Context, requestID string) (escrow.Assignment, error)
}

// RateProvider supplies per-group commission and withholding rates.
type RateProvider interface {
	GroupRates(ctx context.Context, groupID string) (rates.GroupRates, error)
}

// OutboxWriter enqueues notification side effects inside the transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service computes, records, and executes multi-party splits with approval
// gating and tax withholding.
type Service struct {
	pool          TxBeginner
	repo          DistributionRepository
	payments      PaymentStore
	ledger        LedgerWriter
	work          AssignmentProvider
	rates         RateProvider
	outbox        OutboxWriter
	signingSecret []byte
	idGenerator   func() string
}

func NewService(pool TxBeginner, repo DistributionRepository, payments PaymentStore, ledger LedgerWriter, work AssignmentProvider, rateSource RateProvider, outbox OutboxWriter, signingSecret string) *Service {
	return &Service{
		pool:          pool,
		repo:          repo,
		payments:      payments,
		ledger:        ledger,
		work:          work,
		rates:         rateSource,
		outbox:        outbox,
		signingSecret: []byte(signingSecret),
		idGenerator:   func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// ShareInput is one explicit share in custom mode.
type ShareInput struct {
	PayeeID           string
	Percentage        float64
	ContributionHours *float64
}

// TemplateSetupParams configures a template-mode split.
type TemplateSetupParams struct {
	RequestID string
	BonusPool int64
}

// SetupFromTemplate builds the split from the group's role templates.
func (s *Service) SetupFromTemplate(ctx context.Context, params TemplateSetupParams) (Distribution, error) {
	if params.RequestID == "" {
		return Distribution{}, fmt.Errorf("distribution: missing request id")
	}

	assignment, err := s.work.Assignment(ctx, params.RequestID)
	if err != nil {
		return Distribution{}, fmt.Errorf("distribution: fetch assignment: %w", err)
	}
	active := assignment.ActiveAssignees()
	if len(active) == 0 {
		return Distribution{}, fmt.Errorf("distribution: no active payees for request %s", params.RequestID)
	}

	templates, err := s.repo.TemplatesForGroup(ctx, assignment.GroupID)
	if err != nil {
		return Distribution{}, err
	}

	inputs := make([]ShareInput, 0, len(active))
	roles := make(map[string]string, len(active))
	for _, a := range active {
		pct, ok := templates[a.Role]
		if !ok {
			return Distribution{}, fmt.Errorf("%w: %q in group %s", ErrMissingTemplate, a.Role, assignment.GroupID)
		}
		inputs = append(inputs, ShareInput{PayeeID: a.PayeeID, Percentage: pct})
		roles[a.PayeeID] = a.Role
	}

	return s.setup(ctx, params.RequestID, assignment.GroupID, inputs, roles, params.BonusPool, false)
}

// CustomSetupParams configures an explicit split.
type CustomSetupParams struct {
	RequestID        string
	Shares           []ShareInput
	BonusPool        int64
	RequiresApproval bool
}

// SetupCustom builds the split from caller-supplied shares.
func (s *Service) SetupCustom(ctx context.Context, params CustomSetupParams) (Distribution, error) {
	if params.RequestID == "" {
		return Distribution{}, fmt.Errorf("distribution: missing request id")
	}
	if len(params.Shares) == 0 {
		return Distribution{}, fmt.Errorf("distribution: no shares supplied")
	}
	seen := make(map[string]bool, len(params.Shares))
	for _, in := range params.Shares {
		if in.PayeeID == "" {
			return Distribution{}, fmt.Errorf("distribution: share missing payee id")
		}
		if in.Percentage <= 0 {
			return Distribution{}, fmt.Errorf("distribution: share percentage %v must be positive", in.Percentage)
		}
		if seen[in.PayeeID] {
			return Distribution{}, fmt.Errorf("distribution: duplicate share for payee %s", in.PayeeID)
		}
		seen[in.PayeeID] = true
	}

	assignment, err := s.work.Assignment(ctx, params.RequestID)
	if err != nil {
		return Distribution{}, fmt.Errorf("distribution: fetch assignment: %w", err)
	}

	return s.setup(ctx, params.RequestID, assignment.GroupID, params.Shares, nil, params.BonusPool, params.RequiresApproval)
}

// setup validates percentages, computes every amount, and persists the
// distribution with its shares. Nothing persists when validation fails.
func (s *Service) setup(ctx context.Context, requestID, groupID string, inputs []ShareInput, roles map[string]string, bonusPool int64, requiresApproval bool) (Distribution, error) {
	if err := validatePercentages(inputs); err != nil {
		return Distribution{}, err
	}
	if bonusPool < 0 {
		return Distribution{}, fmt.Errorf("distribution: negative bonus pool")
	}

	groupRates, err := s.rates.GroupRates(ctx, groupID)
	if err != nil {
		return Distribution{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Distribution{}, fmt.Errorf("distribution: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	payment, err := s.payments.GetByRequestForUpdate(ctx, tx, requestID)
	if err != nil {
		return Distribution{}, err
	}

	commission := groupRates.CommissionOf(payment.Amount)
	distributable := payment.Amount - commission

	baseWeights := make([]float64, len(inputs))
	for i, in := range inputs {
		baseWeights[i] = in.Percentage
	}
	baseAmounts := splitByWeights(distributable, baseWeights)
	bonusAmounts := splitByWeights(bonusPool, bonusWeights(inputs))

	d := Distribution{
		ID:                  s.idGenerator(),
		PaymentID:           payment.ID,
		RequestID:           requestID,
		GroupID:             groupID,
		TotalAmount:         payment.Amount,
		PlatformCommission:  commission,
		DistributableAmount: distributable,
		BonusPool:           bonusPool,
		RequiresApproval:    requiresApproval,
	}
	for i, in := range inputs {
		d.Shares = append(d.Shares, Share{
			ID:                s.idGenerator(),
			PayeeID:           in.PayeeID,
			Role:              roles[in.PayeeID],
			Percentage:        in.Percentage,
			BaseAmount:        baseAmounts[i],
			BonusAmount:       bonusAmounts[i],
			ContributionHours: in.ContributionHours,
		})
	}

	created, err := s.repo.CreateWithShares(ctx, tx, d)
	if err != nil {
		return Distribution{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicDistributionCreated, map[string]any{
		"distribution_id":   created.ID,
		"payment_id":        created.PaymentID,
		"request_id":        created.RequestID,
		"requires_approval": created.RequiresApproval,
		"share_count":       len(created.Shares),
	}); err != nil {
		return Distribution{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Distribution{}, fmt.Errorf("distribution: commit setup: %w", err)
	}
	return created, nil
}

// ApproveShare records one payee's approval of their own share. The signature,
// when supplied, must be an HS256 token binding this distribution and payee.
// The distribution flips to approved the moment the last share approves.
func (s *Service) ApproveShare(ctx context.Context, distributionID, payeeID, signature string) (Distribution, error) {
	if distributionID == "" || payeeID == "" {
		return Distribution{}, fmt.Errorf("distribution: missing distribution or payee id")
	}
	if signature != "" && len(s.signingSecret) > 0 {
		if err := s.verifyApprovalSignature(signature, distributionID, payeeID); err != nil {
			return Distribution{}, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Distribution{}, fmt.Errorf("distribution: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetByIDForUpdate(ctx, tx, distributionID)
	if err != nil {
		return Distribution{}, err
	}
	if d.IsDistributed {
		return Distribution{}, ErrAlreadyDistributed
	}

	approved, outstanding, err := s.repo.ApproveShare(ctx, tx, distributionID, payeeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Distribution{}, fmt.Errorf("%w: payee %s", ErrShareUnauthorized, payeeID)
		}
		return Distribution{}, err
	}

	for i := range d.Shares {
		if d.Shares[i].PayeeID == payeeID {
			d.Shares[i] = approved
		}
	}

	if outstanding == 0 && !d.IsApproved {
		if err := s.repo.MarkApproved(ctx, tx, distributionID); err != nil {
			return Distribution{}, err
		}
		d.IsApproved = true
		if err := s.outbox.Enqueue(ctx, tx, OutboxTopicDistributionApproved, map[string]any{
			"distribution_id": d.ID,
			"payment_id":      d.PaymentID,
		}); err != nil {
			return Distribution{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Distribution{}, fmt.Errorf("distribution: commit approval: %w", err)
	}
	return d, nil
}

// Result reports an executed distribution.
type Result struct {
	Distribution Distribution
	GroupNet     int64
	PayeeNets    map[string]int64
	TaxWithheld  int64
}

// Distribute executes the split in one transaction: group credit, per-share
// withholding and payee credits with tax records, commission debit, sealed
// flags. A failure at any step rolls back every step.
func (s *Service) Distribute(ctx context.Context, paymentID string) (Result, error) {
	if paymentID == "" {
		return Result{}, fmt.Errorf("distribution: missing payment id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("distribution: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetByPaymentForUpdate(ctx, tx, paymentID)
	if err != nil {
		return Result{}, err
	}
	if d.IsDistributed {
		return Result{}, ErrAlreadyDistributed
	}
	if d.RequiresApproval && !d.IsApproved {
		return Result{}, ErrNotApproved
	}

	payment, err := s.payments.GetByIDForUpdate(ctx, tx, paymentID)
	if err != nil {
		return Result{}, err
	}
	if !payment.ReleasedToPayee {
		return Result{}, fmt.Errorf("%w: payment %s status %s", ErrPaymentNotReleased, paymentID, payment.Status)
	}

	groupRates, err := s.rates.GroupRates(ctx, d.GroupID)
	if err != nil {
		return Result{}, err
	}

	groupNet := d.TotalAmount - d.PlatformCommission
	if _, err := s.ledger.Credit(ctx, tx, d.GroupID, groupNet, wallet.Meta{
		Type:          wallet.TxReceived,
		NetAmount:     groupNet,
		ReferenceType: "distribution",
		ReferenceID:   d.ID,
	}); err != nil {
		return Result{}, err
	}

	payeeNets := make(map[string]int64, len(d.Shares))
	var totalTax int64
	for _, share := range d.Shares {
		gross := share.TotalAmount()
		tax := groupRates.WithholdingOf(gross)
		net := gross - tax
		totalTax += tax

		if _, err := s.ledger.Credit(ctx, tx, share.PayeeID, net, wallet.Meta{
			Type:          wallet.TxDistributed,
			TaxWithheld:   tax,
			NetAmount:     net,
			ReferenceType: "distribution_share",
			ReferenceID:   share.ID,
		}); err != nil {
			return Result{}, err
		}

		if err := s.repo.InsertTaxRecord(ctx, tx, TaxRecord{
			ID:             s.idGenerator(),
			PayeeID:        share.PayeeID,
			DistributionID: d.ID,
			ShareID:        share.ID,
			GrossAmount:    gross,
			TaxWithheld:    tax,
			NetAmount:      net,
		}); err != nil {
			return Result{}, err
		}
		payeeNets[share.PayeeID] = net
	}

	if _, err := s.ledger.Debit(ctx, tx, d.GroupID, d.PlatformCommission, wallet.Meta{
		Type:          wallet.TxCommissionDeducted,
		NetAmount:     d.PlatformCommission,
		ReferenceType: "distribution",
		ReferenceID:   d.ID,
	}); err != nil {
		return Result{}, err
	}

	if err := s.repo.MarkDistributed(ctx, tx, d.ID); err != nil {
		return Result{}, err
	}
	if _, err := s.payments.MarkCompleted(ctx, tx, paymentID); err != nil {
		return Result{}, err
	}
	if err := s.payments.AppendEvent(ctx, tx, paymentID, "DISTRIBUTION_EXECUTED", nil, map[string]any{
		"distribution_id": d.ID,
		"group_net":       groupNet,
		"tax_withheld":    totalTax,
	}); err != nil {
		return Result{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, OutboxTopicDistributionExecuted, map[string]any{
		"distribution_id": d.ID,
		"payment_id":      d.PaymentID,
		"group_net":       groupNet,
		"share_count":     len(d.Shares),
	}); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("distribution: commit execute: %w", err)
	}

	d.IsDistributed = true
	return Result{
		Distribution: d,
		GroupNet:     groupNet,
		PayeeNets:    payeeNets,
		TaxWithheld:  totalTax,
	}, nil
}

func (s *Service) verifyApprovalSignature(signature, distributionID, payeeID string) error {
	token, err := jwt.Parse(signature, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("distribution: unexpected signing method %v", t.Header["alg"])
		}
		return s.signingSecret, nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("%w: invalid signature", ErrShareUnauthorized)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("%w: invalid signature claims", ErrShareUnauthorized)
	}
	if claims["distribution_id"] != distributionID || claims["payee_id"] != payeeID {
		return fmt.Errorf("%w: signature does not bind this share", ErrShareUnauthorized)
	}
	return nil
}

// validatePercentages enforces the shared 100% +- epsilon rule.
func validatePercentages(inputs []ShareInput) error {
	var sum float64
	for _, in := range inputs {
		sum += in.Percentage
	}
	if math.Abs(sum-100) > PercentageEpsilon {
		return fmt.Errorf("%w: got %.4f", ErrPercentageMismatch, sum)
	}
	return nil
}

// splitByWeights divides total proportionally, with the last slot absorbing
// the rounding remainder so the parts always sum back exactly.
func splitByWeights(total int64, weights []float64) []int64 {
	out := make([]int64, len(weights))
	if total == 0 || len(weights) == 0 {
		return out
	}

	var weightSum float64
	for _, w := range weights {
		weightSum += w
	}
	if weightSum == 0 {
		return out
	}

	var allocated int64
	for i, w := range weights {
		if i == len(weights)-1 {
			out[i] = total - allocated
			break
		}
		v := int64(math.Round(float64(total) * w / weightSum))
		out[i] = v
		allocated += v
	}
	return out
}

// bonusWeights allocates the bonus pool by contribution hours when supplied,
// otherwise equally.
func bonusWeights(inputs []ShareInput) []float64 {
	weights := make([]float64, len(inputs))
	anyHours := false
	for i, in := range inputs {
		if in.ContributionHours != nil && *in.ContributionHours > 0 {
			weights[i] = *in.ContributionHours
			anyHours = true
		}
	}
	if !anyHours {
		for i := range weights {
			weights[i] = 1
		}
	}
	return weights
}
