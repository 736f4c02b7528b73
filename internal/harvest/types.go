// Package harvest defines the core types and ports shared across the
// artifact acquisition pipeline.
package harvest

import "time"

// Category classifies what kind of content a work item points at.
type Category string

// Category values persisted on artifacts.
const (
	CategoryDocument    Category = "document"
	CategorySubResource Category = "subresource"
	CategoryStructured  Category = "structured"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryDocument, CategorySubResource, CategoryStructured:
		return true
	}
	return false
}

// Status represents the lifecycle state of an artifact.
type Status string

// Status values persisted in the ledger.
const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusDownloaded      Status = "downloaded"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedTerminal  Status = "failed_terminal"
)

// Terminal reports whether the status admits no further automatic
// transition.
func (s Status) Terminal() bool {
	return s == StatusDownloaded || s == StatusFailedTerminal
}

// WorkItem is an immutable request to fetch one unit of remote content.
type WorkItem struct {
	ParentID  int64
	SourceURL string
	Category  Category
	// LocalName is the suggested path, relative to the store root, where
	// the fetched bytes should land. Unique per parent.
	LocalName string
}

// Artifact is the durable record of a WorkItem's fetch outcome.
// At most one Artifact exists per (ParentID, SourceURL).
type Artifact struct {
	ID           int64
	ParentID     int64
	SourceURL    string
	Category     Category
	LocalName    string
	LocalPath    string
	Status       Status
	AttemptCount int
	MaxAttempts  int
	// Digest is the hex SHA-256 of the stored bytes. It is a lookup
	// index, not an identity: identical bytes may back many artifacts.
	Digest        string
	ByteLength    int64
	ErrorKind     ErrorKind
	LastAttemptAt *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

// Summary aggregates the outcome of one pool run. It is computed only
// after every submitted item has settled for this run; retryable
// failures stay eligible for a future run.
type Summary struct {
	RunID          string
	Submitted      int
	Downloaded     int
	Deduplicated   int
	FailedTerminal int
	PendingRetry   int
	Discovered     int
	SweptInFlight  int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// RunRecord is the audit row persisted for each pool run.
type RunRecord struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	Attempted    int
	Succeeded    int
	Failed       int
	ErrorSummary string
}
