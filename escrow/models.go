package escrow

import "time"

// Payment mirrors the payments table columns touched by the engine.
type Payment struct {
	ID                string
	RequestID         string
	ProviderPaymentID string
	Amount            int64
	Status            Status
	CapturedAt        time.Time
	AutoReleaseAt     *time.Time
	ReleasedToPayee   bool
	ReleasedBy        *string
	ReleasedAt        *time.Time
	RefundAmount      *int64
	RefundPercentage  *float64
	RefundReason      *string
	DisputeReason     *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PaymentEvent captures an immutable audit entry for a payment.
type PaymentEvent struct {
	ID        int64
	PaymentID string
	Seq       int
	Type      string
	ActorID   *string
	Payload   []byte
	CreatedAt time.Time
}

// WorkState is the unit-of-work progress reported by the external status provider.
type WorkState string

const (
	WorkNotStarted WorkState = "not_started"
	WorkAccepted   WorkState = "accepted"
	WorkInProgress WorkState = "in_progress"
	WorkCompleted  WorkState = "completed"
	WorkCancelled  WorkState = "cancelled"
)

// Assignee is one payee bound to a unit of work by the external matcher.
type Assignee struct {
	PayeeID string
	Role    string
	Active  bool
}

// Assignment bundles the owning group and its payee set for a request.
type Assignment struct {
	GroupID   string
	Assignees []Assignee
}

// ActiveAssignees filters the assignee set down to payees that still participate.
func (a Assignment) ActiveAssignees() []Assignee {
	out := make([]Assignee, 0, len(a.Assignees))
	for _, as := range a.Assignees {
		if as.Active {
			out = append(out, as)
		}
	}
	return out
}

// DisputeResolution enumerates the outcomes of a dispute.
type DisputeResolution string

const (
	ResolutionRelease       DisputeResolution = "release"
	ResolutionRefund        DisputeResolution = "refund"
	ResolutionPartialRefund DisputeResolution = "partial_refund"
)

// ActorDisputeResolution marks releases authorized by a dispute outcome rather
// than by work completion.
const ActorDisputeResolution = "dispute-resolution"

const (
	EventPaymentCaptured = "PAYMENT_CAPTURED"
	EventEscrowHeld      = "ESCROW_HELD"
	EventPaymentReleased = "PAYMENT_RELEASED"
	EventDisputeOpened   = "DISPUTE_OPENED"
	EventDisputeResolved = "DISPUTE_RESOLVED"
	EventPaymentRefunded = "PAYMENT_REFUNDED"
)

const (
	OutboxTopicPaymentCaptured = "payment.captured"
	OutboxTopicPaymentHeld     = "payment.held"
	OutboxTopicPaymentReleased = "payment.released"
	OutboxTopicPaymentDisputed = "payment.disputed"
	OutboxTopicPaymentRefunded = "payment.refunded"
)
