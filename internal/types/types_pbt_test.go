package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFrequency_RecurringProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("only valid non-once frequencies recur", prop.ForAll(
		func(s string) bool {
			f := Frequency(s)
			if !f.Valid() {
				return !f.IsRecurring()
			}
			return f.IsRecurring() == (f != FrequencyOnce)
		},
		gen.OneConstOf("once", "daily", "weekly", "monthly", "yearly", "hourly", "", "DAILY"),
	))

	properties.TestingRun(t)
}

func TestScheduleStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   ScheduleStatus
		terminal bool
	}{
		{StatusActive, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if !tt.status.Valid() {
				t.Errorf("Valid() = false for %s", tt.status)
			}
		})
	}

	if ScheduleStatus("paused").Valid() {
		t.Error("Valid() = true for unknown status")
	}
}
