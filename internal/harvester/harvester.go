// Package harvester ties the ledger, retry scheduler, and worker pool
// into the run loop callers drive.
package harvester

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/edgarvault/harvester/internal/harvest"
	"github.com/edgarvault/harvester/internal/retry"
)

// Runner executes one batch of pending artifacts.
type Runner interface {
	Run(ctx context.Context, items []harvest.Artifact) harvest.Summary
}

// Deps wires the harvester's collaborators.
type Deps struct {
	Ledger    harvest.Ledger
	Pool      Runner
	Scheduler *retry.Scheduler
	Clock     harvest.Clock
	Logger    *zap.Logger
}

// Harvester is the acquisition pipeline facade: submit work, run
// batches, inspect state.
type Harvester struct {
	deps Deps
}

// New validates the wiring.
func New(deps Deps) (*Harvester, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("retry scheduler is required")
	}
	if deps.Clock == nil {
		deps.Clock = harvest.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Harvester{deps: deps}, nil
}

// Submit registers a work item, returning the existing artifact
// unchanged when (parent, source URL) was already submitted.
func (h *Harvester) Submit(ctx context.Context, item harvest.WorkItem) (harvest.Artifact, error) {
	return h.deps.Ledger.Register(ctx, item)
}

// Run executes one harvest pass: recover stranded rows, requeue due
// retries, drain the pending backlog, and record the run.
func (h *Harvester) Run(ctx context.Context) (harvest.Summary, error) {
	swept, err := h.deps.Ledger.SweepInFlight(ctx)
	if err != nil {
		return harvest.Summary{}, fmt.Errorf("sweep in-flight artifacts: %w", err)
	}
	if swept > 0 {
		h.deps.Logger.Info("recovered stranded artifacts", zap.Int("count", swept))
	}

	requeued, err := h.deps.Scheduler.Requeue(ctx, h.deps.Clock.Now())
	if err != nil {
		return harvest.Summary{}, fmt.Errorf("requeue due retries: %w", err)
	}
	if requeued > 0 {
		h.deps.Logger.Info("requeued retryable artifacts", zap.Int("count", requeued))
	}

	pending, err := h.deps.Ledger.ListByStatus(ctx, harvest.StatusPending)
	if err != nil {
		return harvest.Summary{}, fmt.Errorf("list pending artifacts: %w", err)
	}

	summary := h.deps.Pool.Run(ctx, pending)
	summary.SweptInFlight = swept

	rec := harvest.RunRecord{
		ID:         summary.RunID,
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
		Attempted:  summary.Submitted,
		Succeeded:  summary.Downloaded,
		Failed:     summary.FailedTerminal + summary.PendingRetry,
	}
	if summary.FailedTerminal > 0 {
		rec.ErrorSummary = fmt.Sprintf("%d artifacts failed terminally", summary.FailedTerminal)
	}
	if err := h.deps.Ledger.RecordRun(ctx, rec); err != nil {
		// The batch itself settled; a lost audit row is reported but does
		// not fail the run.
		h.deps.Logger.Error("record run failed", zap.String("run_id", rec.ID), zap.Error(err))
	}
	return summary, nil
}

// Get returns one artifact by id.
func (h *Harvester) Get(ctx context.Context, id int64) (harvest.Artifact, error) {
	return h.deps.Ledger.Get(ctx, id)
}

// ListByStatus returns all artifacts in the given status.
func (h *Harvester) ListByStatus(ctx context.Context, status harvest.Status) ([]harvest.Artifact, error) {
	return h.deps.Ledger.ListByStatus(ctx, status)
}

// Counts reports how many artifacts sit in each status.
func (h *Harvester) Counts(ctx context.Context) (map[harvest.Status]int, error) {
	return h.deps.Ledger.Counts(ctx)
}

// ResetTerminal returns a terminally failed artifact to pending with a
// fresh attempt budget.
func (h *Harvester) ResetTerminal(ctx context.Context, id int64) error {
	return h.deps.Ledger.ResetTerminal(ctx, id)
}
