// Package worker runs the background stuck-payment sweep.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/payment-scheduler/internal/logging"
	"github.com/payment-scheduler/internal/metrics"
	"github.com/payment-scheduler/internal/service"
	"github.com/payment-scheduler/internal/storage"
	"golang.org/x/sync/errgroup"
)

// StuckSweeper is the part of the schedule service the sweeper drives
type StuckSweeper interface {
	StuckOwners(ctx context.Context, limit int) ([]string, error)
	SweepStuck(ctx context.Context, username string) (*service.SweepResult, error)
}

// OwnerLocker serializes sweeps of one owner across replicas
type OwnerLocker interface {
	Acquire(ctx context.Context, owner string) (*storage.SweepLock, error)
}

// SweepStats summarizes one sweeper tick
type SweepStats struct {
	Owners   int
	Repaired int64
	Skipped  int64
	Failed   int64
	LockHeld int64
}

// Sweeper periodically repairs stuck schedules for every affected owner
type Sweeper struct {
	schedules   StuckSweeper
	locker      OwnerLocker
	interval    time.Duration
	parallelism int
	ownerBatch  int
	logger      *logging.Logger

	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SweeperConfig holds configuration for a sweeper
type SweeperConfig struct {
	Schedules   StuckSweeper
	Locker      OwnerLocker // optional; nil sweeps without cross-replica locking
	Interval    time.Duration
	Parallelism int
	OwnerBatch  int
	Logger      *logging.Logger
}

// NewSweeper creates a new sweeper
func NewSweeper(cfg *SweeperConfig) (*Sweeper, error) {
	if cfg.Schedules == nil {
		return nil, fmt.Errorf("schedule service cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	batch := cfg.OwnerBatch
	if batch <= 0 {
		batch = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Sweeper{
		schedules:   cfg.Schedules,
		locker:      cfg.Locker,
		interval:    interval,
		parallelism: parallelism,
		ownerBatch:  batch,
		logger:      logger.WithField("component", "sweeper"),
	}, nil
}

// Start runs the sweep loop until Stop is called or ctx is done
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	s.logger.WithFields(map[string]interface{}{
		"interval":    s.interval.String(),
		"parallelism": s.parallelism,
	}).Info("Starting sweeper")

	go s.loop(ctx)
	return nil
}

// Stop signals the loop and waits for the current tick to finish
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is not running")
	}
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	select {
	case <-doneCh:
		s.logger.Info("Sweeper stopped gracefully")
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Error("Sweep tick failed")
		}

		select {
		case <-ticker.C:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce sweeps every owner that currently has stuck schedules, at most
// parallelism owners at a time.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepStats, error) {
	start := time.Now()
	defer func() { metrics.SweepLatency.Observe(time.Since(start).Seconds()) }()

	owners, err := s.schedules.StuckOwners(ctx, s.ownerBatch)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return nil, err
	}

	stats := &SweepStats{Owners: len(owners)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, owner := range owners {
		g.Go(func() error {
			s.sweepOwner(gctx, owner, stats)
			return nil
		})
	}
	_ = g.Wait() // nolint:errcheck // per-owner failures are counted, not returned

	metrics.SweepRuns.WithLabelValues("ok").Inc()
	if len(owners) > 0 {
		s.logger.WithFields(map[string]interface{}{
			"owners":   stats.Owners,
			"repaired": atomic.LoadInt64(&stats.Repaired),
			"skipped":  atomic.LoadInt64(&stats.Skipped),
			"failed":   atomic.LoadInt64(&stats.Failed),
			"lockHeld": atomic.LoadInt64(&stats.LockHeld),
			"duration": time.Since(start).String(),
		}).Info("Sweep tick finished")
	}
	return stats, nil
}

func (s *Sweeper) sweepOwner(ctx context.Context, owner string, stats *SweepStats) {
	logger := s.logger.WithField("username", owner)

	if s.locker != nil {
		lock, err := s.locker.Acquire(ctx, owner)
		if errors.Is(err, storage.ErrLockHeld) {
			atomic.AddInt64(&stats.LockHeld, 1)
			logger.Debug("Owner is being swept by another replica")
			return
		}
		if err != nil {
			atomic.AddInt64(&stats.Failed, 1)
			logger.WithError(err).Warn("Could not take sweep lock")
			return
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				logger.WithError(err).Warn("Could not release sweep lock")
			}
		}()
	}

	res, err := s.schedules.SweepStuck(ctx, owner)
	if err != nil {
		atomic.AddInt64(&stats.Failed, 1)
		logger.WithError(err).Error("Sweep failed")
		return
	}

	for _, rep := range res.Repairs {
		switch rep.Outcome {
		case service.RepairApplied:
			atomic.AddInt64(&stats.Repaired, 1)
		case service.RepairSkipped:
			atomic.AddInt64(&stats.Skipped, 1)
		default:
			atomic.AddInt64(&stats.Failed, 1)
		}
	}
}
