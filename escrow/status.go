package escrow

// Status is the custody state of a captured payment.
type Status string

const (
	StatusCaptured          Status = "captured"
	StatusEscrowHeld        Status = "escrow_held"
	StatusPendingRelease    Status = "pending_release"
	StatusCompleted         Status = "completed"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusDisputeHeld       Status = "dispute_held"
)

// transitions enumerates the allowed state machine edges. Anything not listed
// here is rejected with ErrInvalidTransition.
var transitions = map[Status][]Status{
	StatusCaptured:       {StatusEscrowHeld},
	StatusEscrowHeld:     {StatusPendingRelease, StatusDisputeHeld, StatusRefunded, StatusPartiallyRefunded},
	StatusPendingRelease: {StatusCompleted},
	StatusDisputeHeld:    {StatusPendingRelease, StatusRefunded, StatusPartiallyRefunded},
}

// ValidTransition reports whether from -> to is an allowed edge.
func ValidTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a payment can no longer change custody state.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}
