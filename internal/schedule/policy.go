// Package schedule holds the lifecycle rules for scheduled payments: the
// frequency step function, lease freshness windows, and the decisions taken
// when an execution completes, fails, or is found stuck.
package schedule

import (
	"time"

	"github.com/payment-scheduler/internal/config"
	"github.com/payment-scheduler/internal/types"
)

// Default lifecycle windows
const (
	DefaultClaimLease        = 60 * time.Second
	DefaultProcessingLease   = 120 * time.Second
	DefaultExecutionDebounce = 60 * time.Second
	DefaultMaxRetries        = 3
	DefaultRetryBackoff      = 5 * time.Minute
	DefaultStuckAfter        = 5 * time.Minute
	DefaultCompletionHorizon = 50 * 365 * 24 * time.Hour
)

// neverYears is how far a once/unknown frequency is pushed out. Anything past
// the completion horizon is completed instead of rescheduled.
const neverYears = 100

// Policy carries the lifecycle windows. The zero value is not usable; start
// from DefaultPolicy.
type Policy struct {
	ClaimLease        time.Duration
	ProcessingLease   time.Duration
	ExecutionDebounce time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	StuckAfter        time.Duration
	CompletionHorizon time.Duration
}

// DefaultPolicy returns the standard lifecycle windows
func DefaultPolicy() Policy {
	return Policy{
		ClaimLease:        DefaultClaimLease,
		ProcessingLease:   DefaultProcessingLease,
		ExecutionDebounce: DefaultExecutionDebounce,
		MaxRetries:        DefaultMaxRetries,
		RetryBackoff:      DefaultRetryBackoff,
		StuckAfter:        DefaultStuckAfter,
		CompletionHorizon: DefaultCompletionHorizon,
	}
}

// PolicyFromConfig overlays the configured lifecycle windows on the defaults.
// Unset (zero) windows keep their default.
func PolicyFromConfig(c config.LifecycleConfig) Policy {
	p := DefaultPolicy()
	overlay := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	overlay(&p.ClaimLease, c.ClaimLease)
	overlay(&p.ProcessingLease, c.ProcessingLease)
	overlay(&p.ExecutionDebounce, c.ExecutionDebounce)
	overlay(&p.RetryBackoff, c.RetryBackoff)
	overlay(&p.StuckAfter, c.StuckAfter)
	overlay(&p.CompletionHorizon, c.CompletionHorizon)
	if c.MaxRetries > 0 {
		p.MaxRetries = c.MaxRetries
	}
	return p
}

// LeaseWindow returns the freshness window of a lease kind
func (p Policy) LeaseWindow(kind types.LeaseKind) time.Duration {
	if kind == types.LeaseClaim {
		return p.ClaimLease
	}
	return p.ProcessingLease
}

// StaleBefore returns the instant before which a lease of this kind is
// considered released.
func (p Policy) StaleBefore(kind types.LeaseKind, now time.Time) time.Time {
	return now.Add(-p.LeaseWindow(kind))
}

// IsLeaseFresh reports whether a lease taken at takenAt is still honored at now
func (p Policy) IsLeaseFresh(kind types.LeaseKind, holder *string, takenAt *time.Time, now time.Time) bool {
	if holder == nil || *holder == "" || takenAt == nil {
		return false
	}
	return !takenAt.Before(p.StaleBefore(kind, now))
}

// CalculateNextExecution steps last forward by one period of frequency.
// Month and year steps use calendar arithmetic (time.AddDate normalization,
// so Jan 31 + 1 month lands in early March). Once and unknown frequencies
// return a sentinel far in the future.
func CalculateNextExecution(last time.Time, frequency types.Frequency) time.Time {
	switch frequency {
	case types.FrequencyDaily:
		return last.AddDate(0, 0, 1)
	case types.FrequencyWeekly:
		return last.AddDate(0, 0, 7)
	case types.FrequencyMonthly:
		return last.AddDate(0, 1, 0)
	case types.FrequencyYearly:
		return last.AddDate(1, 0, 0)
	default:
		return last.AddDate(neverYears, 0, 0)
	}
}
