// Package scheduler runs the batch claim job on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrRunInProgress is returned by Trigger when a run is already executing.
	ErrRunInProgress = errors.New("scheduler: run already in progress")

	errMissingRunner   = errors.New("scheduler: runner is required")
	errInvalidInterval = errors.New("scheduler: interval must be positive")
)

// RunFunc performs one scheduled run.
type RunFunc func(ctx context.Context)

// Config describes a Scheduler.
type Config struct {
	Interval time.Duration
	Run      RunFunc
	Logger   *zap.Logger
}

// Scheduler runs Run immediately, then once per Interval. Runs never overlap.
type Scheduler struct {
	interval time.Duration
	run      RunFunc
	logger   *zap.Logger
	running  sync.Mutex
}

// New constructs a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Run == nil {
		return nil, errMissingRunner
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{interval: cfg.Interval, run: cfg.Run, logger: logger}, nil
}

// Start blocks until ctx is cancelled. A tick that arrives while a run is still
// executing is dropped.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Trigger runs immediately unless a run is in progress.
func (s *Scheduler) Trigger(ctx context.Context) error {
	if !s.running.TryLock() {
		return ErrRunInProgress
	}
	defer s.running.Unlock()
	s.execute(ctx)
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.Trigger(ctx); err != nil {
		s.logger.Warn("scheduled run skipped", zap.Error(err))
	}
}

func (s *Scheduler) execute(ctx context.Context) {
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("scheduled run panicked", zap.Any("panic", recovered))
		}
	}()
	s.run(ctx)
	s.logger.Info("scheduled run finished", zap.Duration("elapsed", time.Since(started)))
}
