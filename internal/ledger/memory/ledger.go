// Package memory implements the artifact ledger in process memory. It
// backs tests and single-process runs that do not need durability; the
// postgres package provides the durable implementation with identical
// transition semantics.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgarvault/harvester/internal/harvest"
)

// Config controls ledger defaults.
type Config struct {
	// MaxAttempts is the attempt budget assigned to new artifacts.
	MaxAttempts int
	Clock       harvest.Clock
}

type pairKey struct {
	parentID  int64
	sourceURL string
}

type nameKey struct {
	parentID  int64
	localName string
}

// ErrorEntry is one recorded failure, kept for inspection.
type ErrorEntry struct {
	ArtifactID int64
	Kind       harvest.ErrorKind
	Text       string
}

// Ledger is a mutex-guarded in-memory artifact ledger.
type Ledger struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*harvest.Artifact
	byPair  map[pairKey]int64
	byName  map[nameKey]int64
	errLog  []ErrorEntry
	runs    []harvest.RunRecord
	maxAtt  int
	clock   harvest.Clock
}

// New creates an empty ledger.
func New(cfg Config) *Ledger {
	maxAtt := cfg.MaxAttempts
	if maxAtt <= 0 {
		maxAtt = 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = harvest.SystemClock{}
	}
	return &Ledger{
		nextID: 1,
		byID:   make(map[int64]*harvest.Artifact),
		byPair: make(map[pairKey]int64),
		byName: make(map[nameKey]int64),
		maxAtt: maxAtt,
		clock:  clock,
	}
}

// Register creates a pending artifact or returns the existing one for
// the same (parent, source URL) pair.
func (l *Ledger) Register(_ context.Context, item harvest.WorkItem) (harvest.Artifact, error) {
	if item.SourceURL == "" {
		return harvest.Artifact{}, fmt.Errorf("source URL is required")
	}
	if !item.Category.Valid() {
		return harvest.Artifact{}, fmt.Errorf("unknown category %q", item.Category)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pair := pairKey{item.ParentID, item.SourceURL}
	if id, ok := l.byPair[pair]; ok {
		return *l.byID[id], nil
	}
	if item.LocalName != "" {
		if _, taken := l.byName[nameKey{item.ParentID, item.LocalName}]; taken {
			return harvest.Artifact{}, fmt.Errorf("%w: %s", harvest.ErrLocalNameTaken, item.LocalName)
		}
	}

	a := &harvest.Artifact{
		ID:          l.nextID,
		ParentID:    item.ParentID,
		SourceURL:   item.SourceURL,
		Category:    item.Category,
		LocalName:   item.LocalName,
		Status:      harvest.StatusPending,
		MaxAttempts: l.maxAtt,
		CreatedAt:   l.clock.Now(),
	}
	l.nextID++
	l.byID[a.ID] = a
	l.byPair[pair] = a.ID
	if item.LocalName != "" {
		l.byName[nameKey{item.ParentID, item.LocalName}] = a.ID
	}
	return *a, nil
}

// Get returns the artifact with the given id.
func (l *Ledger) Get(_ context.Context, id int64) (harvest.Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.byID[id]
	if !ok {
		return harvest.Artifact{}, harvest.ErrNotFound
	}
	return *a, nil
}

// ListByStatus returns all artifacts currently in the given status.
func (l *Ledger) ListByStatus(_ context.Context, status harvest.Status) ([]harvest.Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []harvest.Artifact
	for id := int64(1); id < l.nextID; id++ {
		if a, ok := l.byID[id]; ok && a.Status == status {
			out = append(out, *a)
		}
	}
	return out, nil
}

// Counts returns the number of artifacts per status.
func (l *Ledger) Counts(_ context.Context) (map[harvest.Status]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[harvest.Status]int)
	for _, a := range l.byID {
		out[a.Status]++
	}
	return out, nil
}

// MarkInFlight transitions pending -> in_flight.
func (l *Ledger) MarkInFlight(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.locked(id)
	if err != nil {
		return err
	}
	if err := guard(a, harvest.StatusPending); err != nil {
		return err
	}
	now := l.clock.Now()
	a.Status = harvest.StatusInFlight
	a.LastAttemptAt = &now
	return nil
}

// MarkDownloaded transitions in_flight -> downloaded and records the
// stored location, size, and digest.
func (l *Ledger) MarkDownloaded(_ context.Context, id int64, localPath string, size int64, digest string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.locked(id)
	if err != nil {
		return err
	}
	if err := guard(a, harvest.StatusInFlight); err != nil {
		return err
	}
	now := l.clock.Now()
	a.Status = harvest.StatusDownloaded
	a.LocalPath = localPath
	a.ByteLength = size
	a.Digest = digest
	a.ErrorKind = harvest.ErrKindNone
	a.CompletedAt = &now
	return nil
}

// MarkFailed increments the attempt count and settles the failure as
// retryable or terminal. A permanent error or an exhausted attempt
// budget is terminal regardless of retryable.
func (l *Ledger) MarkFailed(_ context.Context, id int64, kind harvest.ErrorKind, retryable bool, errText string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.locked(id)
	if err != nil {
		return err
	}
	if err := guard(a, harvest.StatusInFlight); err != nil {
		return err
	}
	now := l.clock.Now()
	a.AttemptCount++
	a.ErrorKind = kind
	a.LastAttemptAt = &now
	if retryable && a.AttemptCount < a.MaxAttempts {
		a.Status = harvest.StatusFailedRetryable
	} else {
		a.Status = harvest.StatusFailedTerminal
	}
	l.errLog = append(l.errLog, ErrorEntry{ArtifactID: id, Kind: kind, Text: errText})
	return nil
}

// Requeue transitions failed_retryable -> pending.
func (l *Ledger) Requeue(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.locked(id)
	if err != nil {
		return err
	}
	if err := guard(a, harvest.StatusFailedRetryable); err != nil {
		return err
	}
	a.Status = harvest.StatusPending
	return nil
}

// FindByDigest returns a downloaded artifact with the given digest.
func (l *Ledger) FindByDigest(_ context.Context, digest string) (harvest.Artifact, bool, error) {
	if digest == "" {
		return harvest.Artifact{}, false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := int64(1); id < l.nextID; id++ {
		a, ok := l.byID[id]
		if ok && a.Status == harvest.StatusDownloaded && a.Digest == digest {
			return *a, true, nil
		}
	}
	return harvest.Artifact{}, false, nil
}

// SweepInFlight resets stranded in_flight artifacts back to pending.
func (l *Ledger) SweepInFlight(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	swept := 0
	for _, a := range l.byID {
		if a.Status == harvest.StatusInFlight {
			a.Status = harvest.StatusPending
			swept++
		}
	}
	return swept, nil
}

// ResetTerminal returns a failed_terminal artifact to pending with a
// fresh attempt budget. Explicit external reset only.
func (l *Ledger) ResetTerminal(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.locked(id)
	if err != nil {
		return err
	}
	if a.Status != harvest.StatusFailedTerminal {
		return fmt.Errorf("cannot reset from %s", a.Status)
	}
	a.Status = harvest.StatusPending
	a.AttemptCount = 0
	a.ErrorKind = harvest.ErrKindNone
	return nil
}

// RecordRun appends a run audit record.
func (l *Ledger) RecordRun(_ context.Context, rec harvest.RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, rec)
	return nil
}

// Runs returns recorded run audits. Test helper.
func (l *Ledger) Runs() []harvest.RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]harvest.RunRecord(nil), l.runs...)
}

// Errors returns the recorded failure log. Test helper.
func (l *Ledger) Errors() []ErrorEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ErrorEntry(nil), l.errLog...)
}

// locked fetches an artifact while l.mu is held.
func (l *Ledger) locked(id int64) (*harvest.Artifact, error) {
	a, ok := l.byID[id]
	if !ok {
		return nil, harvest.ErrNotFound
	}
	return a, nil
}

// guard rejects transitions away from a state other than want.
// Terminal states surface as ErrTerminalState so callers can tell
// "already settled" apart from a sequencing bug.
func guard(a *harvest.Artifact, want harvest.Status) error {
	if a.Status == want {
		return nil
	}
	if a.Status.Terminal() {
		return fmt.Errorf("%w: artifact %d is %s", harvest.ErrTerminalState, a.ID, a.Status)
	}
	return fmt.Errorf("artifact %d is %s, want %s", a.ID, a.Status, want)
}
