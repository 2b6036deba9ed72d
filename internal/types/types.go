// Package types provides common type definitions for the payment scheduler.
package types

// ScheduleStatus represents the lifecycle state of a scheduled payment
type ScheduleStatus string

const (
	// StatusActive represents a schedule waiting for its next execution
	StatusActive ScheduleStatus = "active"
	// StatusProcessing represents a schedule leased by an executor
	StatusProcessing ScheduleStatus = "processing"
	// StatusCompleted represents a schedule that will not execute again
	StatusCompleted ScheduleStatus = "completed"
	// StatusFailed represents a schedule that exhausted its retries (terminal)
	StatusFailed ScheduleStatus = "failed"
	// StatusCancelled represents a schedule cancelled by its owner
	StatusCancelled ScheduleStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transition may leave this status
func (s ScheduleStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status
func (s ScheduleStatus) Valid() bool {
	switch s {
	case StatusActive, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Frequency represents how often a schedule repeats
type Frequency string

const (
	// FrequencyOnce executes a single time
	FrequencyOnce Frequency = "once"
	// FrequencyDaily repeats every calendar day
	FrequencyDaily Frequency = "daily"
	// FrequencyWeekly repeats every 7 days
	FrequencyWeekly Frequency = "weekly"
	// FrequencyMonthly repeats every calendar month
	FrequencyMonthly Frequency = "monthly"
	// FrequencyYearly repeats every calendar year
	FrequencyYearly Frequency = "yearly"
)

// Valid reports whether f is a known frequency
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

// IsRecurring reports whether the schedule repeats
func (f Frequency) IsRecurring() bool {
	return f.Valid() && f != FrequencyOnce
}

// LeaseKind identifies which soft lock pair of a schedule is being acquired
type LeaseKind string

const (
	// LeaseClaim uses claimedBy/claimedAt
	LeaseClaim LeaseKind = "claim"
	// LeaseProcessing uses processingBy/processingStarted
	LeaseProcessing LeaseKind = "processing"
)

// FailureReason explains why a conditional update did not apply
type FailureReason string

const (
	ReasonWrongStatus       FailureReason = "wrong_status"
	ReasonAlreadyClaimed    FailureReason = "already_claimed"
	ReasonAlreadyProcessing FailureReason = "already_processing"
	ReasonNotDue            FailureReason = "not_due"
	ReasonRecentlyExecuted  FailureReason = "recently_executed"
	ReasonFailed            FailureReason = "failed"
	ReasonCompleted         FailureReason = "completed"
	ReasonCancelled         FailureReason = "cancelled"
	ReasonNotProcessing     FailureReason = "not_processing"
	ReasonConcurrentUpdate  FailureReason = "concurrent_update"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
