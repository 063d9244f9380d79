package domain

// JobStatus is the lifecycle state of a ToolJob
type JobStatus string

// Job status constants
const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// transitions lists the legal forward moves of the job state machine.
// PROCESSING -> PENDING is the retry edge.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusPending, JobStatusFailed, JobStatusCancelled},
}

// IsTerminal reports whether the status can no longer change
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsValid reports whether s is one of the known statuses
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransactionType classifies a ledger entry
type TransactionType string

// Credit transaction types
const (
	TransactionGrant      TransactionType = "GRANT"
	TransactionUsage      TransactionType = "USAGE"
	TransactionOverage    TransactionType = "OVERAGE"
	TransactionRefund     TransactionType = "REFUND"
	TransactionPurchase   TransactionType = "PURCHASE"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

// ReservationStatus tracks whether a credit hold has been settled
type ReservationStatus string

// Reservation status constants
const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationFinalized ReservationStatus = "FINALIZED"
	ReservationReleased  ReservationStatus = "RELEASED"
)
