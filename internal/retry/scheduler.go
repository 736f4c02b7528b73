// Package retry schedules re-attempts for artifacts that failed with a
// recoverable error.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgarvault/harvester/internal/harvest"
)

// Config holds the exponential backoff parameters.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Scheduler decides when retryable failures become eligible again and
// moves the eligible ones back to pending.
type Scheduler struct {
	cfg    Config
	ledger harvest.Ledger
	logger *zap.Logger
}

// New validates the backoff parameters and applies the defaults:
// three attempts, one minute base delay, doubling, capped at four
// times the base.
func New(cfg Config, ledger harvest.Ledger, logger *zap.Logger) (*Scheduler, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Minute
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 4 * cfg.BaseDelay
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseDelay < 0 || cfg.MaxDelay < 0 {
		return nil, fmt.Errorf("delays must not be negative")
	}
	if cfg.Multiplier < 1 {
		return nil, fmt.Errorf("multiplier must be at least 1, got %v", cfg.Multiplier)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, ledger: ledger, logger: logger}, nil
}

// Delay returns the backoff delay applied after the given attempt
// number (1-based): base * multiplier^(attempt-1), capped at MaxDelay.
func (s *Scheduler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := s.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * s.cfg.Multiplier)
		if delay >= s.cfg.MaxDelay {
			return s.cfg.MaxDelay
		}
	}
	if delay > s.cfg.MaxDelay {
		return s.cfg.MaxDelay
	}
	return delay
}

// NextEligible returns the earliest instant the artifact may be
// retried. An artifact with no recorded attempt is eligible
// immediately.
func (s *Scheduler) NextEligible(a harvest.Artifact) time.Time {
	if a.LastAttemptAt == nil {
		return time.Time{}
	}
	return a.LastAttemptAt.Add(s.Delay(a.AttemptCount))
}

// DueForRetry lists the failed_retryable artifacts whose backoff has
// elapsed at the given instant and that still have attempt budget.
func (s *Scheduler) DueForRetry(ctx context.Context, now time.Time) ([]harvest.Artifact, error) {
	candidates, err := s.ledger.ListByStatus(ctx, harvest.StatusFailedRetryable)
	if err != nil {
		return nil, fmt.Errorf("list retryable artifacts: %w", err)
	}
	var due []harvest.Artifact
	for _, a := range candidates {
		if a.AttemptCount >= a.MaxAttempts {
			continue
		}
		if s.NextEligible(a).After(now) {
			continue
		}
		due = append(due, a)
	}
	return due, nil
}

// Requeue moves every due artifact back to pending and returns how
// many were moved. A failed transition on one artifact does not stop
// the rest; the first error is returned after the pass completes.
func (s *Scheduler) Requeue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.DueForRetry(ctx, now)
	if err != nil {
		return 0, err
	}
	var (
		moved    int
		firstErr error
	)
	for _, a := range due {
		if err := s.ledger.Requeue(ctx, a.ID); err != nil {
			s.logger.Warn("requeue failed",
				zap.Int64("artifact_id", a.ID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("requeue artifact %d: %w", a.ID, err)
			}
			continue
		}
		moved++
	}
	return moved, firstErr
}
