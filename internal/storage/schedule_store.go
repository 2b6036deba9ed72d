package storage

import (
	"errors"
	"time"

	"github.com/payment-scheduler/internal/models"
	"github.com/payment-scheduler/internal/types"
)

var (
	// ErrScheduleNotFound is returned when no schedule has the requested id
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrConditionNotMet is returned when a conditional update matched no document
	ErrConditionNotMet = errors.New("schedule update condition not met")
	// ErrExecutionNotFound is returned when the ledger has no row for an execution id
	ErrExecutionNotFound = errors.New("execution record not found")
)

// LeaseRequest describes an atomic lease acquisition: the filter predicate
// and the mutation applied together in one conditional update.
type LeaseRequest struct {
	ScheduleID string
	Kind       types.LeaseKind
	Holder     string
	At         time.Time

	// StaleBefore releases an existing lease of Kind taken before this instant
	StaleBefore time.Time
	// LastExecutedBefore enforces the post-execution debounce; zero disables it
	LastExecutedBefore time.Time
	// TakeoverStaleProcessing also accepts a processing schedule, provided
	// the lease of Kind is stale
	TakeoverStaleProcessing bool
	// TransitionTo sets the status on success; empty leaves it unchanged
	TransitionTo types.ScheduleStatus
}

// Matches evaluates the lease predicate against a stored schedule
func (r LeaseRequest) Matches(p *models.ScheduledPayment) bool {
	switch p.Status {
	case types.StatusActive:
	case types.StatusProcessing:
		if !r.TakeoverStaleProcessing {
			return false
		}
	default:
		return false
	}

	holder, takenAt := r.leaseFields(p)
	if holder != nil && *holder != "" && takenAt != nil && !takenAt.Before(r.StaleBefore) {
		return false
	}

	if p.NextExecutionAt.After(r.At) {
		return false
	}

	if !r.LastExecutedBefore.IsZero() && p.LastExecutionAt != nil && !p.LastExecutionAt.Before(r.LastExecutedBefore) {
		return false
	}

	return true
}

// Apply performs the lease mutation on p
func (r LeaseRequest) Apply(p *models.ScheduledPayment) {
	holder := r.Holder
	at := r.At
	if r.Kind == types.LeaseClaim {
		p.ClaimedBy = &holder
		p.ClaimedAt = &at
	} else {
		p.ProcessingBy = &holder
		p.ProcessingStarted = &at
	}
	if r.TransitionTo != "" {
		p.Status = r.TransitionTo
	}
	p.UpdatedAt = r.At
	p.Version++
}

func (r LeaseRequest) leaseFields(p *models.ScheduledPayment) (*string, *time.Time) {
	if r.Kind == types.LeaseClaim {
		return p.ClaimedBy, p.ClaimedAt
	}
	return p.ProcessingBy, p.ProcessingStarted
}
