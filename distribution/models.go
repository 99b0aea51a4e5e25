package distribution

import "time"

// PercentageEpsilon is the shared tolerance for every "shares sum to 100%"
// check. All validation call sites use this constant so the rounding policy
// stays consistent.
const PercentageEpsilon = 0.01

// Distribution is the agreed split of one payment's net proceeds.
type Distribution struct {
	ID                  string
	PaymentID           string
	RequestID           string
	GroupID             string
	TotalAmount         int64
	PlatformCommission  int64
	DistributableAmount int64
	BonusPool           int64
	RequiresApproval    bool
	IsApproved          bool
	IsDistributed       bool
	DistributedAt       *time.Time
	CreatedAt           time.Time
	Shares              []Share
}

// Share is one payee's slice of a distribution.
type Share struct {
	ID                string
	DistributionID    string
	PayeeID           string
	Role              string
	Percentage        float64
	BaseAmount        int64
	BonusAmount       int64
	ContributionHours *float64
	Approved          bool
	ApprovedAt        *time.Time
}

// TotalAmount is the full amount a share credits before withholding.
func (s Share) TotalAmount() int64 {
	return s.BaseAmount + s.BonusAmount
}

// TaxRecord is the append-only withholding record persisted per share.
type TaxRecord struct {
	ID             string
	PayeeID        string
	DistributionID string
	ShareID        string
	GrossAmount    int64
	TaxWithheld    int64
	NetAmount      int64
	CertificateRef *string
	CreatedAt      time.Time
}

const (
	OutboxTopicDistributionCreated  = "distribution.created"
	OutboxTopicDistributionApproved = "distribution.approved"
	OutboxTopicDistributionExecuted = "distribution.executed"
)
