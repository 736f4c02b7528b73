// Package ratelimit enforces the global request-rate ceiling shared by
// every fetch worker.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgarvault/harvester/internal/telemetry"
)

// Config holds governor configuration.
type Config struct {
	// CeilingPerSec is the maximum sustained request rate imposed by the
	// remote source. Must be positive.
	CeilingPerSec float64
}

// Governor spaces requests so the long-run rate across all callers
// never exceeds the ceiling. One instance is constructed per process
// and handed to every worker; the reservation state is guarded by the
// limiter's own exclusive section, held only for the wait computation.
type Governor struct {
	limiter *rate.Limiter
}

// New builds a Governor. A non-positive ceiling is a configuration
// error and aborts before any work starts.
func New(cfg Config) (*Governor, error) {
	if cfg.CeilingPerSec <= 0 {
		return nil, fmt.Errorf("rate ceiling must be > 0, got %v", cfg.CeilingPerSec)
	}
	// Burst of one keeps successive grants at least 1/N apart, so M
	// concurrent callers can never compute the same safe slot.
	return &Governor{
		limiter: rate.NewLimiter(rate.Limit(cfg.CeilingPerSec), 1),
	}, nil
}

// Acquire blocks until issuing one more request keeps the global rate
// at or below the ceiling, or until the context is canceled.
func (g *Governor) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate governor wait: %w", err)
	}
	if delay := time.Since(start); delay > time.Millisecond {
		telemetry.ObserveGovernorDelay(delay)
	}
	return nil
}
