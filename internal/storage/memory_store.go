package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/payment-scheduler/internal/models"
	"github.com/payment-scheduler/internal/types"
)

// MemoryScheduleStore is an in-process schedule store. Every operation runs
// under one mutex, which gives the same atomic find-and-update guarantee the
// Postgres store gets from single-statement conditional updates.
type MemoryScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]*models.ScheduledPayment
}

// NewMemoryScheduleStore creates an empty in-memory schedule store
func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{schedules: make(map[string]*models.ScheduledPayment)}
}

// Create inserts a new schedule
func (s *MemoryScheduleStore) Create(ctx context.Context, p *models.ScheduledPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[p.ScheduleID]; exists {
		return ErrConditionNotMet
	}
	if p.Version == 0 {
		p.Version = 1
	}
	s.schedules[p.ScheduleID] = p.Clone()
	return nil
}

// Get retrieves a schedule by id
func (s *MemoryScheduleStore) Get(ctx context.Context, scheduleID string) (*models.ScheduledPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.schedules[scheduleID]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return p.Clone(), nil
}

// AcquireLease applies req if its predicate holds
func (s *MemoryScheduleStore) AcquireLease(ctx context.Context, req LeaseRequest) (*models.ScheduledPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.schedules[req.ScheduleID]
	if !ok || !req.Matches(p) {
		return nil, ErrConditionNotMet
	}
	req.Apply(p)
	return p.Clone(), nil
}

// CompareAndSwap replaces the stored schedule if its version is still expectedVersion
func (s *MemoryScheduleStore) CompareAndSwap(ctx context.Context, next *models.ScheduledPayment, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.schedules[next.ScheduleID]
	if !ok {
		return ErrScheduleNotFound
	}
	if current.Version != expectedVersion {
		return ErrConditionNotMet
	}
	next.Version = expectedVersion + 1
	s.schedules[next.ScheduleID] = next.Clone()
	return nil
}

// Replace overwrites the stored schedule unconditionally
func (s *MemoryScheduleStore) Replace(ctx context.Context, next *models.ScheduledPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.schedules[next.ScheduleID]
	if !ok {
		return ErrScheduleNotFound
	}
	next.Version = current.Version + 1
	s.schedules[next.ScheduleID] = next.Clone()
	return nil
}

// ListByOwner returns all schedules of an owner, newest first
func (s *MemoryScheduleStore) ListByOwner(ctx context.Context, username string) ([]*models.ScheduledPayment, error) {
	out := s.filter(func(p *models.ScheduledPayment) bool { return p.Username == username })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListDue returns active schedules due at now, oldest first
func (s *MemoryScheduleStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledPayment, error) {
	out := s.filter(func(p *models.ScheduledPayment) bool {
		return p.Status == types.StatusActive && !p.NextExecutionAt.After(now)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NextExecutionAt.Before(out[j].NextExecutionAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStuck returns an owner's processing schedules started before startedBefore
func (s *MemoryScheduleStore) ListStuck(ctx context.Context, username string, startedBefore time.Time) ([]*models.ScheduledPayment, error) {
	return s.filter(func(p *models.ScheduledPayment) bool {
		return p.Username == username && isStuck(p, startedBefore)
	}), nil
}

// ListStuckOwners returns owners that have at least one stuck schedule
func (s *MemoryScheduleStore) ListStuckOwners(ctx context.Context, startedBefore time.Time, limit int) ([]string, error) {
	seen := make(map[string]struct{})
	for _, p := range s.filter(func(p *models.ScheduledPayment) bool { return isStuck(p, startedBefore) }) {
		seen[p.Username] = struct{}{}
	}

	owners := make([]string, 0, len(seen))
	for owner := range seen {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	if limit > 0 && len(owners) > limit {
		owners = owners[:limit]
	}
	return owners, nil
}

func (s *MemoryScheduleStore) filter(keep func(*models.ScheduledPayment) bool) []*models.ScheduledPayment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ScheduledPayment
	for _, p := range s.schedules {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	return out
}

func isStuck(p *models.ScheduledPayment, startedBefore time.Time) bool {
	return p.Status == types.StatusProcessing && p.ProcessingStarted != nil && p.ProcessingStarted.Before(startedBefore)
}

// MemoryExecutionLedger is an in-process execution ledger
type MemoryExecutionLedger struct {
	mu      sync.RWMutex
	records map[string]*models.ExecutionRecord
	order   []string
}

// NewMemoryExecutionLedger creates an empty in-memory ledger
func NewMemoryExecutionLedger() *MemoryExecutionLedger {
	return &MemoryExecutionLedger{records: make(map[string]*models.ExecutionRecord)}
}

// Append inserts rec unless a row with the same execution id exists
func (l *MemoryExecutionLedger) Append(ctx context.Context, rec *models.ExecutionRecord) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[rec.ExecutionID]; exists {
		return false, nil
	}
	cp := *rec
	l.records[rec.ExecutionID] = &cp
	l.order = append(l.order, rec.ExecutionID)
	return true, nil
}

// Get retrieves a ledger row by execution id
func (l *MemoryExecutionLedger) Get(ctx context.Context, executionID string) (*models.ExecutionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListBySchedule returns a schedule's ledger rows in insertion order
func (l *MemoryExecutionLedger) ListBySchedule(ctx context.Context, scheduleID string) ([]*models.ExecutionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*models.ExecutionRecord
	for _, id := range l.order {
		if rec := l.records[id]; rec.ScheduleID == scheduleID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
