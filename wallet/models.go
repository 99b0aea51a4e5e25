package wallet

import "time"

// TxType classifies a ledger entry. The sign of each type is fixed; see
// direction().
type TxType string

const (
	TxReceived            TxType = "received"
	TxDistributed         TxType = "distributed"
	TxCommissionDeducted  TxType = "commission_deducted"
	TxWithdrawalRequested TxType = "withdrawal_requested"
	TxWithdrawalCompleted TxType = "withdrawal_completed"
)

// direction returns the balance effect of a type: +1 credit, -1 debit,
// 0 for the withdrawal reservation marker.
func (t TxType) direction() int {
	switch t {
	case TxReceived, TxDistributed:
		return 1
	case TxCommissionDeducted, TxWithdrawalCompleted:
		return -1
	default:
		return 0
	}
}

// Balance is the single mutable wallet row per payee. Every change to the
// balance scalar pairs with exactly one Transaction entry.
type Balance struct {
	PayeeID        string
	Balance        int64
	TotalEarnings  int64
	TotalWithdrawn int64
	PendingPayouts int64
	UpdatedAt      time.Time
}

// Available is what a payee may still withdraw.
func (b Balance) Available() int64 {
	return b.Balance - b.PendingPayouts
}

// Transaction is one immutable ledger entry.
type Transaction struct {
	ID            string
	PayeeID       string
	Type          TxType
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	TaxWithheld   int64
	NetAmount     int64
	ReferenceType string
	ReferenceID   string
	CreatedAt     time.Time
}

// Meta carries the non-monetary fields of a ledger entry.
type Meta struct {
	Type          TxType
	TaxWithheld   int64
	NetAmount     int64
	ReferenceType string
	ReferenceID   string
}

// PayoutStatus is the withdrawal workflow state.
type PayoutStatus string

const (
	PayoutRequested  PayoutStatus = "requested"
	PayoutApproved   PayoutStatus = "approved"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutRejected   PayoutStatus = "rejected"
)

// PayoutRequest is a withdrawal ask against a wallet balance.
type PayoutRequest struct {
	ID              string
	PayeeID         string
	Amount          int64
	Destination     string
	Status          PayoutStatus
	RequestedAt     time.Time
	ApprovedBy      *string
	ApprovedAt      *time.Time
	ProcessedAt     *time.Time
	RejectionReason *string
}

const (
	OutboxTopicPayoutRequested = "payout.requested"
	OutboxTopicPayoutCompleted = "payout.completed"
	OutboxTopicPayoutRejected  = "payout.rejected"
)
