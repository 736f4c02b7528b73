package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/edgarvault/harvester/internal/harvest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Unix(1700000000, 0).UTC()

func newMockLedger(t *testing.T) (*Ledger, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	ledger, err := NewWithPool(mock, Config{MaxAttempts: 3})
	require.NoError(t, err)
	return ledger.WithClock(fixedClock{now: testNow}), mock
}

func artifactRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "parent_id", "source_url", "category", "local_name", "local_path",
		"status", "attempt_count", "max_attempts", "digest", "byte_length", "error_kind",
		"last_attempt_at", "completed_at", "created_at",
	})
}

func TestNewWithPool_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, Config{})
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, Config{Table: "bad-name;"})
	require.Error(t, err)

	ledger, err := NewWithPool(mock, Config{})
	require.NoError(t, err)
	require.Contains(t, ledger.Schema(), "CREATE TABLE IF NOT EXISTS artifacts")
}

func TestRegister_InsertsPendingRow(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	item := harvest.WorkItem{
		ParentID:  101,
		SourceURL: "https://host/a.bin",
		Category:  harvest.CategoryDocument,
		LocalName: "NYSE/LOW/2025/a.html",
	}

	mock.ExpectQuery("INSERT INTO artifacts").
		WithArgs(item.ParentID, item.SourceURL, "document", item.LocalName, 3, testNow).
		WillReturnRows(artifactRows().AddRow(
			int64(1), item.ParentID, item.SourceURL, "document", item.LocalName, "",
			"pending", 0, 3, "", int64(0), "",
			(*time.Time)(nil), (*time.Time)(nil), testNow,
		))

	got, err := ledger.Register(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.ID)
	require.Equal(t, harvest.StatusPending, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_DuplicateReturnsExisting(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	item := harvest.WorkItem{
		ParentID:  101,
		SourceURL: "https://host/a.bin",
		Category:  harvest.CategoryDocument,
	}

	// ON CONFLICT DO NOTHING yields no row, then the existing row is
	// selected untouched.
	mock.ExpectQuery("INSERT INTO artifacts").
		WithArgs(item.ParentID, item.SourceURL, "document", "", 3, testNow).
		WillReturnRows(artifactRows())

	mock.ExpectQuery("SELECT (.+) FROM artifacts WHERE parent_id").
		WithArgs(item.ParentID, item.SourceURL).
		WillReturnRows(artifactRows().AddRow(
			int64(7), item.ParentID, item.SourceURL, "document", "", "p/a.html",
			"downloaded", 1, 3, "cafe", int64(100), "",
			&testNow, &testNow, testNow,
		))

	got, err := ledger.Register(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, int64(7), got.ID)
	require.Equal(t, harvest.StatusDownloaded, got.Status)
	require.Equal(t, "cafe", got.Digest)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_RejectsInvalidItems(t *testing.T) {
	t.Parallel()

	ledger, _ := newMockLedger(t)
	ctx := context.Background()

	_, err := ledger.Register(ctx, harvest.WorkItem{Category: harvest.CategoryDocument})
	require.Error(t, err)

	_, err = ledger.Register(ctx, harvest.WorkItem{SourceURL: "https://host/a", Category: "bogus"})
	require.Error(t, err)
}

func TestMarkInFlight(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	mock.ExpectExec("UPDATE artifacts SET status = 'in_flight'").
		WithArgs(int64(1), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, ledger.MarkInFlight(context.Background(), 1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkInFlight_TerminalRowSurfacesErrTerminalState(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	mock.ExpectExec("UPDATE artifacts SET status = 'in_flight'").
		WithArgs(int64(1), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM artifacts").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("downloaded"))

	err := ledger.MarkInFlight(context.Background(), 1)
	require.ErrorIs(t, err, harvest.ErrTerminalState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkInFlight_MissingRowSurfacesErrNotFound(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	mock.ExpectExec("UPDATE artifacts SET status = 'in_flight'").
		WithArgs(int64(9), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM artifacts").
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}))

	err := ledger.MarkInFlight(context.Background(), 9)
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDownloaded(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	mock.ExpectExec("UPDATE artifacts SET status = 'downloaded'").
		WithArgs(int64(1), "NYSE/LOW/2025/a.html", int64(2048), "cafe", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, ledger.MarkDownloaded(context.Background(), 1, "NYSE/LOW/2025/a.html", 2048, "cafe"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed_AppendsErrorLog(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	mock.ExpectExec("UPDATE artifacts SET attempt_count").
		WithArgs(int64(1), "transient_network", testNow, true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO artifact_errors").
		WithArgs(int64(1), "transient_network", "status 503", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ledger.MarkFailed(
		context.Background(), 1, harvest.ErrKindTransientNetwork, true, "status 503"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed_LostAuditRowStillSettles(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	mock.ExpectExec("UPDATE artifacts SET attempt_count").
		WithArgs(int64(1), "transient_network", testNow, true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO artifact_errors").
		WithArgs(int64(1), "transient_network", "status 503", testNow).
		WillReturnError(errors.New("audit table unavailable"))

	// The transition already happened; the audit append is best-effort.
	require.NoError(t, ledger.MarkFailed(
		context.Background(), 1, harvest.ErrKindTransientNetwork, true, "status 503"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeue(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	mock.ExpectExec("UPDATE artifacts SET status = 'pending' WHERE id").
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, ledger.Requeue(context.Background(), 4))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByDigest(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM artifacts WHERE digest").
		WithArgs("cafe").
		WillReturnRows(artifactRows().AddRow(
			int64(3), int64(101), "https://host/x.png", "subresource", "", "p/x.png",
			"downloaded", 1, 3, "cafe", int64(10), "",
			&testNow, &testNow, testNow,
		))

	got, ok, err := ledger.FindByDigest(ctx, "cafe")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "p/x.png", got.LocalPath)

	mock.ExpectQuery("SELECT (.+) FROM artifacts WHERE digest").
		WithArgs("absent").
		WillReturnRows(artifactRows())

	_, ok, err = ledger.FindByDigest(ctx, "absent")
	require.NoError(t, err)
	require.False(t, ok)

	// Empty digests never match: they mark not-yet-fetched rows.
	_, ok, err = ledger.FindByDigest(ctx, "")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByStatusAndCounts(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM artifacts WHERE status").
		WithArgs("pending").
		WillReturnRows(artifactRows().
			AddRow(int64(1), int64(101), "https://host/a", "document", "", "",
				"pending", 0, 3, "", int64(0), "", (*time.Time)(nil), (*time.Time)(nil), testNow).
			AddRow(int64(2), int64(101), "https://host/b", "structured", "", "",
				"pending", 0, 3, "", int64(0), "", (*time.Time)(nil), (*time.Time)(nil), testNow))

	got, err := ledger.ListByStatus(ctx, harvest.StatusPending)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, harvest.CategoryStructured, got[1].Category)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 2).
			AddRow("downloaded", 5))

	counts, err := ledger.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[harvest.StatusPending])
	require.Equal(t, 5, counts[harvest.StatusDownloaded])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepInFlight(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	mock.ExpectExec("UPDATE artifacts SET status = 'pending' WHERE status = 'in_flight'").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	swept, err := ledger.SweepInFlight(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, swept)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetTerminal(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	mock.ExpectExec("UPDATE artifacts SET status = 'pending', attempt_count = 0").
		WithArgs(int64(6)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, ledger.ResetTerminal(context.Background(), 6))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRun(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	rec := harvest.RunRecord{
		ID:         "3f2c8a4e-run",
		StartedAt:  testNow,
		FinishedAt: testNow.Add(time.Minute),
		Attempted:  10,
		Succeeded:  8,
		Failed:     2,
	}
	mock.ExpectExec("INSERT INTO harvest_runs").
		WithArgs(rec.ID, rec.StartedAt, rec.FinishedAt, rec.Attempted, rec.Succeeded, rec.Failed, rec.ErrorSummary).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ledger.RecordRun(context.Background(), rec))
	require.Error(t, ledger.RecordRun(context.Background(), harvest.RunRecord{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReassignParent(t *testing.T) {
	t.Parallel()

	ledger, mock := newMockLedger(t)

	mock.ExpectExec("UPDATE artifacts SET parent_id").
		WithArgs(int64(101), int64(202)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 12))

	moved, err := ledger.ReassignParent(context.Background(), 101, 202)
	require.NoError(t, err)
	require.Equal(t, int64(12), moved)
	require.NoError(t, mock.ExpectationsWereMet())
}
