package escrow

import "math"

// Refund fee policy: 2% of the refunded amount, clamped to [10, 100] minor
// units, waived entirely for a full cancellation before work starts.
const (
	refundFeeRate     = 0.02
	minProcessingFee  = 10
	maxProcessingFee  = 100
	fullRefundPercent = 100.0
)

// RefundInput carries everything the calculator needs. It never reads state.
// PlatformFee is the fee already deducted upstream, if any; the fee policy
// quotes against the refunded amount and leaves it untouched.
type RefundInput struct {
	OriginalAmount int64
	PlatformFee    int64
	State          WorkState
	Percentage     float64
}

// RefundQuote is the computed outcome. The calculator moves no money; the
// state machine applies the quote through the gateway refund call.
type RefundQuote struct {
	RefundAmount      int64
	ProcessingFee     int64
	FinalRefundAmount int64
}

// RecommendedPercentage maps work progress to the default refund percentage.
func RecommendedPercentage(state WorkState) float64 {
	switch state {
	case WorkNotStarted, WorkAccepted, WorkCancelled:
		return 100
	case WorkInProgress:
		return 50
	case WorkCompleted:
		return 0
	default:
		return 0
	}
}

// CalculateRefund computes the refund amount and processing fee for the given
// percentage of the original capture.
func CalculateRefund(in RefundInput) RefundQuote {
	refund := roundedPercent(in.OriginalAmount, in.Percentage)

	var fee int64
	if !(in.State == WorkNotStarted && in.Percentage == fullRefundPercent) {
		fee = int64(math.Round(float64(refund) * refundFeeRate))
		if fee < minProcessingFee {
			fee = minProcessingFee
		}
		if fee > maxProcessingFee {
			fee = maxProcessingFee
		}
	}

	final := refund - fee
	if final < 0 {
		final = 0
	}

	return RefundQuote{
		RefundAmount:      refund,
		ProcessingFee:     fee,
		FinalRefundAmount: final,
	}
}

func roundedPercent(amount int64, pct float64) int64 {
	return int64(math.Round(float64(amount) * pct / 100))
}
