// Package postgres provides the Postgres-backed artifact ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgarvault/harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// uniqueViolation is the Postgres error code surfaced when an insert
// hits the (parent_id, local_name) constraint.
const uniqueViolation = "23505"

// Config controls the Postgres connection pool used for artifact rows.
type Config struct {
	DSN             string
	Table           string
	ErrorTable      string
	RunTable        string
	MaxAttempts     int
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Ledger persists artifacts in Postgres.
type Ledger struct {
	pool        dbConn
	table       string
	errorTable  string
	runTable    string
	maxAttempts int
	clock       harvest.Clock
}

const artifactColumns = `id, parent_id, source_url, category, local_name, local_path,
	status, attempt_count, max_attempts, digest, byte_length, error_kind,
	last_attempt_at, completed_at, created_at`

// New creates a Postgres-backed Ledger using the provided config.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, cfg)
}

// NewWithPool constructs a Ledger from an existing pool (primarily for
// testing with pgxmock).
func NewWithPool(pool dbConn, cfg Config) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = "artifacts"
	}
	errorTable := cfg.ErrorTable
	if errorTable == "" {
		errorTable = "artifact_errors"
	}
	runTable := cfg.RunTable
	if runTable == "" {
		runTable = "harvest_runs"
	}
	for _, name := range []string{table, errorTable, runTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Ledger{
		pool:        pool,
		table:       table,
		errorTable:  errorTable,
		runTable:    runTable,
		maxAttempts: maxAttempts,
		clock:       harvest.SystemClock{},
	}, nil
}

// WithClock swaps the clock used for attempt timestamps. Test seam.
func (l *Ledger) WithClock(clock harvest.Clock) *Ledger {
	l.clock = clock
	return l
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Register inserts a pending artifact, or returns the existing row for
// (parent_id, source_url) untouched. The insert and the fallback select
// race safely: the unique constraint guarantees at most one row.
func (l *Ledger) Register(ctx context.Context, item harvest.WorkItem) (harvest.Artifact, error) {
	if item.SourceURL == "" {
		return harvest.Artifact{}, fmt.Errorf("source URL is required")
	}
	if !item.Category.Valid() {
		return harvest.Artifact{}, fmt.Errorf("unknown category %q", item.Category)
	}

	insert := fmt.Sprintf(`
INSERT INTO %s (parent_id, source_url, category, local_name, status, attempt_count, max_attempts, created_at)
VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6)
ON CONFLICT (parent_id, source_url) DO NOTHING
RETURNING `+artifactColumns, l.table)

	row := l.pool.QueryRow(ctx, insert,
		item.ParentID, item.SourceURL, string(item.Category), item.LocalName,
		l.maxAttempts, l.clock.Now(),
	)
	artifact, err := scanArtifact(row)
	if err == nil {
		return artifact, nil
	}
	if isUniqueViolation(err) {
		return harvest.Artifact{}, fmt.Errorf("%w: %s", harvest.ErrLocalNameTaken, item.LocalName)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return harvest.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}

	// Conflict on (parent_id, source_url): return the existing record.
	selectExisting := fmt.Sprintf(
		`SELECT `+artifactColumns+` FROM %s WHERE parent_id = $1 AND source_url = $2`, l.table)
	artifact, err = scanArtifact(l.pool.QueryRow(ctx, selectExisting, item.ParentID, item.SourceURL))
	if err != nil {
		return harvest.Artifact{}, fmt.Errorf("select existing artifact: %w", err)
	}
	return artifact, nil
}

// Get returns the artifact with the given id.
func (l *Ledger) Get(ctx context.Context, id int64) (harvest.Artifact, error) {
	query := fmt.Sprintf(`SELECT `+artifactColumns+` FROM %s WHERE id = $1`, l.table)
	artifact, err := scanArtifact(l.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Artifact{}, harvest.ErrNotFound
		}
		return harvest.Artifact{}, fmt.Errorf("select artifact: %w", err)
	}
	return artifact, nil
}

// ListByStatus returns all artifacts in the given status, oldest first.
func (l *Ledger) ListByStatus(ctx context.Context, status harvest.Status) ([]harvest.Artifact, error) {
	query := fmt.Sprintf(
		`SELECT `+artifactColumns+` FROM %s WHERE status = $1 ORDER BY id`, l.table)
	rows, err := l.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []harvest.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

// Counts returns the number of artifacts per status.
func (l *Ledger) Counts(ctx context.Context) (map[harvest.Status]int, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, l.table)
	rows, err := l.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count artifacts: %w", err)
	}
	defer rows.Close()

	out := make(map[harvest.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[harvest.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

// MarkInFlight transitions pending -> in_flight.
func (l *Ledger) MarkInFlight(ctx context.Context, id int64) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status = 'in_flight', last_attempt_at = $2 WHERE id = $1 AND status = 'pending'`,
		l.table)
	tag, err := l.pool.Exec(ctx, query, id, l.clock.Now())
	if err != nil {
		return fmt.Errorf("mark in_flight: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return l.transitionConflict(ctx, id, harvest.StatusPending)
	}
	return nil
}

// MarkDownloaded transitions in_flight -> downloaded.
func (l *Ledger) MarkDownloaded(ctx context.Context, id int64, localPath string, size int64, digest string) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'downloaded', local_path = $2, byte_length = $3, digest = $4,
	error_kind = '', completed_at = $5
WHERE id = $1 AND status = 'in_flight'`, l.table)
	tag, err := l.pool.Exec(ctx, query, id, localPath, size, digest, l.clock.Now())
	if err != nil {
		return fmt.Errorf("mark downloaded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return l.transitionConflict(ctx, id, harvest.StatusInFlight)
	}
	return nil
}

// MarkFailed increments the attempt count and settles the failure.
// Permanent errors and exhausted budgets land in failed_terminal; the
// CASE sees the pre-update attempt count, matching the in-memory
// semantics.
func (l *Ledger) MarkFailed(ctx context.Context, id int64, kind harvest.ErrorKind, retryable bool, errText string) error {
	query := fmt.Sprintf(`
UPDATE %s SET attempt_count = attempt_count + 1, error_kind = $2, last_attempt_at = $3,
	status = CASE WHEN $4::bool AND attempt_count + 1 < max_attempts
		THEN 'failed_retryable' ELSE 'failed_terminal' END
WHERE id = $1 AND status = 'in_flight'`, l.table)
	tag, err := l.pool.Exec(ctx, query, id, string(kind), l.clock.Now(), retryable)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return l.transitionConflict(ctx, id, harvest.StatusInFlight)
	}

	// The error log is an audit trail; a failed append never blocks the
	// lifecycle transition that already happened, so callers see the
	// transition as settled either way.
	logInsert := fmt.Sprintf(
		`INSERT INTO %s (artifact_id, error_kind, error_text, occurred_at) VALUES ($1, $2, $3, $4)`,
		l.errorTable)
	_, _ = l.pool.Exec(ctx, logInsert, id, string(kind), errText, l.clock.Now())
	return nil
}

// Requeue transitions failed_retryable -> pending.
func (l *Ledger) Requeue(ctx context.Context, id int64) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status = 'pending' WHERE id = $1 AND status = 'failed_retryable'`, l.table)
	tag, err := l.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return l.transitionConflict(ctx, id, harvest.StatusFailedRetryable)
	}
	return nil
}

// FindByDigest returns a downloaded artifact carrying the digest.
// Digest is an index, not an identity: the oldest match wins.
func (l *Ledger) FindByDigest(ctx context.Context, digest string) (harvest.Artifact, bool, error) {
	if digest == "" {
		return harvest.Artifact{}, false, nil
	}
	query := fmt.Sprintf(
		`SELECT `+artifactColumns+` FROM %s WHERE digest = $1 AND status = 'downloaded' ORDER BY id LIMIT 1`,
		l.table)
	artifact, err := scanArtifact(l.pool.QueryRow(ctx, query, digest))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Artifact{}, false, nil
		}
		return harvest.Artifact{}, false, fmt.Errorf("find by digest: %w", err)
	}
	return artifact, true, nil
}

// SweepInFlight resets artifacts stranded in in_flight back to pending.
// Run once at startup before pulling new work.
func (l *Ledger) SweepInFlight(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = 'pending' WHERE status = 'in_flight'`, l.table)
	tag, err := l.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("sweep in_flight: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ResetTerminal returns a failed_terminal artifact to pending with a
// fresh attempt budget.
func (l *Ledger) ResetTerminal(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'pending', attempt_count = 0, error_kind = ''
WHERE id = $1 AND status = 'failed_terminal'`, l.table)
	tag, err := l.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("reset terminal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return l.transitionConflict(ctx, id, harvest.StatusFailedTerminal)
	}
	return nil
}

// RecordRun appends a run audit record.
func (l *Ledger) RecordRun(ctx context.Context, rec harvest.RunRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, started_at, finished_at, attempted, succeeded, failed, error_summary)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, l.runTable)
	if _, err := l.pool.Exec(ctx, query,
		rec.ID, rec.StartedAt, rec.FinishedAt, rec.Attempted, rec.Succeeded, rec.Failed, rec.ErrorSummary,
	); err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

// ReassignParent rewrites parent_id on every artifact registered under
// oldParent. Migration hook for after-the-fact identity corrections; it
// is not part of the harvest.Ledger contract and must not run while a
// pool is active.
func (l *Ledger) ReassignParent(ctx context.Context, oldParent, newParent int64) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET parent_id = $2 WHERE parent_id = $1`, l.table)
	tag, err := l.pool.Exec(ctx, query, oldParent, newParent)
	if err != nil {
		return 0, fmt.Errorf("reassign parent: %w", err)
	}
	return tag.RowsAffected(), nil
}

// transitionConflict diagnoses a guarded update that matched no rows.
func (l *Ledger) transitionConflict(ctx context.Context, id int64, want harvest.Status) error {
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, l.table)
	var status string
	if err := l.pool.QueryRow(ctx, query, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.ErrNotFound
		}
		return fmt.Errorf("inspect artifact %d: %w", id, err)
	}
	if harvest.Status(status).Terminal() {
		return fmt.Errorf("%w: artifact %d is %s", harvest.ErrTerminalState, id, status)
	}
	return fmt.Errorf("artifact %d is %s, want %s", id, status, want)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (harvest.Artifact, error) {
	var (
		a        harvest.Artifact
		category string
		status   string
		kind     string
	)
	err := row.Scan(
		&a.ID, &a.ParentID, &a.SourceURL, &category, &a.LocalName, &a.LocalPath,
		&status, &a.AttemptCount, &a.MaxAttempts, &a.Digest, &a.ByteLength, &kind,
		&a.LastAttemptAt, &a.CompletedAt, &a.CreatedAt,
	)
	if err != nil {
		return harvest.Artifact{}, err
	}
	a.Category = harvest.Category(category)
	a.Status = harvest.Status(status)
	a.ErrorKind = harvest.ErrorKind(kind)
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
