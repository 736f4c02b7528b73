// Package worker runs the bounded-concurrency fetch pipeline: each
// worker acquires the rate governor, fetches, digests, stores, and
// settles the artifact's ledger row.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgarvault/harvester/internal/extract"
	"github.com/edgarvault/harvester/internal/harvest"
	"github.com/edgarvault/harvester/internal/logging"
	"github.com/edgarvault/harvester/internal/telemetry"
)

// Config controls pool behavior.
type Config struct {
	Concurrency int
}

// Extractor scans document markup for sub-resource references and
// rewrites them to local names.
type Extractor interface {
	Discover(docURL, docLocalPath string, content []byte) (extract.Result, error)
	Rewrite(docURL string, content []byte, names map[string]string) ([]byte, error)
}

// Deps are the collaborators a pool drives. All are required except
// Extractor (documents pass through unscanned without one), Clock, and
// Logger.
type Deps struct {
	Governor  harvest.Governor
	Fetcher   harvest.Fetcher
	Store     harvest.ContentStore
	Ledger    harvest.Ledger
	Hasher    harvest.Hasher
	Extractor Extractor
	Clock     harvest.Clock
	Logger    *zap.Logger
}

// Pool fans a batch of artifacts out over a fixed number of workers.
type Pool struct {
	cfg  Config
	deps Deps
}

// New validates the wiring and returns a ready pool.
func New(cfg Config, deps Deps) (*Pool, error) {
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	if deps.Governor == nil {
		return nil, fmt.Errorf("governor is required")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("content store is required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if deps.Hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if deps.Clock == nil {
		deps.Clock = harvest.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pool{cfg: cfg, deps: deps}, nil
}

// tally accumulates the run summary across workers.
type tally struct {
	mu sync.Mutex
	s  harvest.Summary
}

func (t *tally) add(fn func(s *harvest.Summary)) {
	t.mu.Lock()
	fn(&t.s)
	t.mu.Unlock()
}

// Run processes the batch and returns the run summary. Workers drain a
// shared channel; context cancellation stops feeding new items but
// lets in-flight ones settle their ledger rows.
func (p *Pool) Run(ctx context.Context, items []harvest.Artifact) harvest.Summary {
	runID := uuid.NewString()
	logger := logging.ForRun(p.deps.Logger, runID)

	t := &tally{s: harvest.Summary{
		RunID:     runID,
		Submitted: len(items),
		StartedAt: p.deps.Clock.Now(),
	}}

	feed := make(chan harvest.Artifact)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			telemetry.WorkerStarted()
			defer telemetry.WorkerFinished()
			for artifact := range feed {
				p.process(ctx, logger, artifact, t)
			}
		}()
	}

feeding:
	for _, artifact := range items {
		select {
		case feed <- artifact:
		case <-ctx.Done():
			break feeding
		}
	}
	close(feed)
	wg.Wait()

	t.s.FinishedAt = p.deps.Clock.Now()
	logger.Info("run finished",
		zap.Int("submitted", t.s.Submitted),
		zap.Int("downloaded", t.s.Downloaded),
		zap.Int("deduplicated", t.s.Deduplicated),
		zap.Int("failed_terminal", t.s.FailedTerminal),
		zap.Int("pending_retry", t.s.PendingRetry),
		zap.Int("discovered", t.s.Discovered),
	)
	return t.s
}

func (p *Pool) process(ctx context.Context, logger *zap.Logger, a harvest.Artifact, t *tally) {
	log := logger.With(
		zap.Int64("artifact_id", a.ID),
		zap.String("url", a.SourceURL),
		zap.String("category", string(a.Category)),
	)

	if err := p.deps.Ledger.MarkInFlight(ctx, a.ID); err != nil {
		// Another worker or a prior run already moved this row on.
		log.Warn("skipping artifact", zap.Error(err))
		return
	}

	if err := p.deps.Governor.Acquire(ctx); err != nil {
		p.fail(ctx, log, a, t, fmt.Errorf("rate governor: %w", err))
		return
	}

	resp, err := p.deps.Fetcher.Fetch(ctx, harvest.FetchRequest{URL: a.SourceURL})
	if err != nil {
		telemetry.ObserveFetchDuration("error", resp.Duration)
		p.fail(ctx, log, a, t, err)
		return
	}
	telemetry.ObserveFetchDuration("success", resp.Duration)
	telemetry.AddFetchedBytes(len(resp.Body))

	if a.LocalName == "" {
		p.fail(ctx, log, a, t, &harvest.ValidationError{Reason: "artifact has no local name"})
		return
	}

	content := resp.Body
	if a.Category == harvest.CategoryDocument && p.deps.Extractor != nil {
		content, err = p.extractChildren(ctx, log, a, t, resp.Body)
		if err != nil {
			p.fail(ctx, log, a, t, err)
			return
		}
	}

	digest, err := p.deps.Hasher.Hash(content)
	if err != nil {
		p.fail(ctx, log, a, t, fmt.Errorf("digest content: %w", err))
		return
	}

	// Identical bytes already stored under another artifact are reused
	// instead of written again. Documents are exempt: their reference
	// rewriting makes byte-level sharing meaningless.
	if a.Category != harvest.CategoryDocument {
		if existing, ok, err := p.deps.Ledger.FindByDigest(ctx, digest); err != nil {
			log.Warn("digest lookup failed", zap.Error(err))
		} else if ok && existing.ID != a.ID {
			if err := p.deps.Ledger.MarkDownloaded(ctx, a.ID, existing.LocalPath, int64(len(content)), digest); err != nil {
				log.Error("mark deduplicated failed", zap.Error(err))
				return
			}
			telemetry.IncArtifact(string(harvest.StatusDownloaded), string(a.Category))
			t.add(func(s *harvest.Summary) { s.Downloaded++; s.Deduplicated++ })
			log.Debug("reused stored content", zap.String("path", existing.LocalPath))
			return
		}
	}

	if err := p.deps.Store.Write(ctx, a.LocalName, content); err != nil {
		var serr *harvest.StorageError
		if !errors.As(err, &serr) {
			err = &harvest.StorageError{Op: "write", Path: a.LocalName, Err: err}
		}
		p.fail(ctx, log, a, t, err)
		return
	}

	if err := p.deps.Ledger.MarkDownloaded(ctx, a.ID, a.LocalName, int64(len(content)), digest); err != nil {
		log.Error("mark downloaded failed", zap.Error(err))
		return
	}
	telemetry.IncArtifact(string(harvest.StatusDownloaded), string(a.Category))
	t.add(func(s *harvest.Summary) { s.Downloaded++ })
	log.Debug("stored artifact",
		zap.String("path", a.LocalName),
		zap.Int("bytes", len(content)),
	)
}

// extractChildren registers the document's sub-resources under the
// document's own parent, then rewrites the markup using the names the
// ledger returned. The ledger is authoritative per resolved URL: a
// reference registered on an earlier attempt keeps its original name
// even when its position in the document has changed, so the persisted
// references always match the fetch work that exists for them. A
// registration failure fails the whole document attempt (retryable)
// rather than persisting a document with unmatched references.
func (p *Pool) extractChildren(ctx context.Context, log *zap.Logger, a harvest.Artifact, t *tally, body []byte) ([]byte, error) {
	result, err := p.deps.Extractor.Discover(a.SourceURL, a.LocalName, body)
	if err != nil {
		return nil, err
	}
	if len(result.SubResources) == 0 {
		return body, nil
	}
	telemetry.AddSubResourcesDiscovered(len(result.SubResources))

	names := make(map[string]string, len(result.SubResources))
	for _, item := range result.WorkItems(a.ParentID) {
		child, err := p.deps.Ledger.Register(ctx, item)
		if err != nil {
			return nil, &harvest.StorageError{Op: "register", Path: item.LocalName, Err: err}
		}
		names[item.SourceURL] = child.LocalName
		if child.Status == harvest.StatusPending && child.AttemptCount == 0 {
			t.add(func(s *harvest.Summary) { s.Discovered++ })
		}
	}
	return p.deps.Extractor.Rewrite(a.SourceURL, body, names)
}

// fail classifies the error and settles the ledger row.
func (p *Pool) fail(ctx context.Context, log *zap.Logger, a harvest.Artifact, t *tally, cause error) {
	kind, retryable := harvest.Classify(cause)
	if err := p.deps.Ledger.MarkFailed(ctx, a.ID, kind, retryable, cause.Error()); err != nil {
		log.Error("mark failed did not settle", zap.Error(err))
		return
	}

	terminal := !retryable || a.AttemptCount+1 >= a.MaxAttempts
	status := harvest.StatusFailedRetryable
	if terminal {
		status = harvest.StatusFailedTerminal
	}
	telemetry.IncArtifact(string(status), string(a.Category))
	t.add(func(s *harvest.Summary) {
		if terminal {
			s.FailedTerminal++
		} else {
			s.PendingRetry++
		}
	})
	log.Warn("fetch attempt failed",
		zap.String("error_kind", string(kind)),
		zap.Bool("retryable", retryable),
		zap.Int("attempt", a.AttemptCount+1),
		zap.Error(cause),
	)
}
