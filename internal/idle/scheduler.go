// Package idle runs the periodic sweep that removes idle sessions.
package idle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper removes expired sessions and returns their ids.
type Sweeper interface {
	Sweep(ctx context.Context) ([]string, error)
}

// Status describes the most recent sweep.
type Status struct {
	LastSweep   time.Time `json:"last_sweep"`
	LastRemoved int       `json:"last_removed"`
	Sweeps      int       `json:"sweeps"`
	LastError   string    `json:"last_error,omitempty"`
}

// Scheduler calls Sweep every interval until its context ends.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	status Status
}

// NewScheduler creates a scheduler. A non-positive interval defaults to
// five minutes.
func NewScheduler(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{sweeper: sweeper, interval: interval, logger: logger}
}

// Run sweeps on every tick and returns nil once ctx is done. A failed sweep
// is logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Session cleanup scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Session cleanup scheduler stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one sweep immediately and records its outcome.
func (s *Scheduler) SweepOnce(ctx context.Context) {
	removed, err := s.sweeper.Sweep(ctx)

	s.mu.Lock()
	s.status.LastSweep = time.Now().UTC()
	s.status.LastRemoved = len(removed)
	s.status.Sweeps++
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Session sweep failed", "error", err)
		return
	}
	if len(removed) > 0 {
		s.logger.Debug("Session sweep removed sessions", "sessionIDs", removed)
	}
}

// Status returns the outcome of the most recent sweep.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
