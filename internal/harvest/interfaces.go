package harvest

import (
	"context"
	"net/http"
	"time"
)

// Ledger is the durable, idempotent record of every fetch target.
type Ledger interface {
	// Register creates a pending artifact for the work item, or returns
	// the existing artifact unchanged when one already exists for
	// (ParentID, SourceURL).
	Register(ctx context.Context, item WorkItem) (Artifact, error)

	Get(ctx context.Context, id int64) (Artifact, error)
	ListByStatus(ctx context.Context, status Status) ([]Artifact, error)
	Counts(ctx context.Context) (map[Status]int, error)

	// MarkInFlight transitions pending -> in_flight and stamps the
	// attempt time. Terminal artifacts return ErrTerminalState.
	MarkInFlight(ctx context.Context, id int64) error

	// MarkDownloaded transitions in_flight -> downloaded and records the
	// stored path, size, and digest.
	MarkDownloaded(ctx context.Context, id int64, localPath string, size int64, digest string) error

	// MarkFailed increments the attempt count and transitions in_flight
	// to failed_retryable, or to failed_terminal when the failure is
	// permanent or the attempt budget is exhausted.
	MarkFailed(ctx context.Context, id int64, kind ErrorKind, retryable bool, errText string) error

	// Requeue transitions failed_retryable -> pending once the backoff
	// window has passed. Invoked by the retry scheduler only.
	Requeue(ctx context.Context, id int64) error

	// FindByDigest returns a downloaded artifact carrying the digest, if
	// any. Used to reuse stored bytes across artifacts.
	FindByDigest(ctx context.Context, digest string) (Artifact, bool, error)

	// SweepInFlight resets artifacts stranded in in_flight (for example
	// after a crash) back to pending, returning how many were reset.
	SweepInFlight(ctx context.Context) (int, error)

	// ResetTerminal is the explicit external reset that returns a
	// failed_terminal artifact to pending with a fresh attempt budget.
	ResetTerminal(ctx context.Context, id int64) error

	// RecordRun appends a run audit record.
	RecordRun(ctx context.Context, rec RunRecord) error
}

// ContentStore persists artifact bytes. Write is atomic: no reader ever
// observes a partially written object.
type ContentStore interface {
	Write(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	EnsureContainer(ctx context.Context, path string) error
}

// Governor enforces the global request-rate ceiling across all workers.
type Governor interface {
	// Acquire blocks until issuing one more request keeps the long-run
	// rate at or below the configured ceiling.
	Acquire(ctx context.Context) error
}

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result of a successful fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs the network fetch. Non-2xx statuses surface as a
// *FetchError so the ledger boundary can classify them.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}
