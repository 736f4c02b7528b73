package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgarvault/harvester/internal/harvest"
	ledgermem "github.com/edgarvault/harvester/internal/ledger/memory"
)

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time { return c.now }

var epoch = time.Unix(1700000000, 0).UTC()

func newScheduler(t *testing.T, cfg Config) (*Scheduler, *ledgermem.Ledger, *stubClock) {
	t.Helper()
	clock := &stubClock{now: epoch}
	ledger := ledgermem.New(ledgermem.Config{MaxAttempts: 3, Clock: clock})
	sched, err := New(cfg, ledger, zap.NewNop())
	require.NoError(t, err)
	return sched, ledger, clock
}

// failOnce registers an artifact and walks it through one retryable
// failure, so LastAttemptAt carries the clock's current instant.
func failOnce(t *testing.T, ledger *ledgermem.Ledger, url string) harvest.Artifact {
	t.Helper()
	ctx := context.Background()
	a, err := ledger.Register(ctx, harvest.WorkItem{
		ParentID:  101,
		SourceURL: url,
		Category:  harvest.CategorySubResource,
	})
	require.NoError(t, err)
	require.NoError(t, ledger.MarkInFlight(ctx, a.ID))
	require.NoError(t, ledger.MarkFailed(ctx, a.ID, harvest.ErrKindTransientNetwork, true, "status 503"))
	got, err := ledger.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.StatusFailedRetryable, got.Status)
	return got
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	ledger := ledgermem.New(ledgermem.Config{})

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)

	_, err = New(Config{MaxAttempts: -1}, ledger, nil)
	require.Error(t, err)

	_, err = New(Config{Multiplier: 0.5}, ledger, nil)
	require.Error(t, err)

	sched, err := New(Config{}, ledger, nil)
	require.NoError(t, err)
	require.Equal(t, 3, sched.cfg.MaxAttempts)
	require.Equal(t, time.Minute, sched.cfg.BaseDelay)
	require.Equal(t, float64(2), sched.cfg.Multiplier)
	require.Equal(t, 4*time.Minute, sched.cfg.MaxDelay)
}

func TestDelay_ExponentialWithCap(t *testing.T) {
	t.Parallel()

	sched, _, _ := newScheduler(t, Config{})

	require.Equal(t, time.Minute, sched.Delay(0))
	require.Equal(t, time.Minute, sched.Delay(1))
	require.Equal(t, 2*time.Minute, sched.Delay(2))
	require.Equal(t, 4*time.Minute, sched.Delay(3))
	// Capped from here on.
	require.Equal(t, 4*time.Minute, sched.Delay(4))
	require.Equal(t, 4*time.Minute, sched.Delay(50))
}

func TestNextEligible(t *testing.T) {
	t.Parallel()

	sched, _, _ := newScheduler(t, Config{})

	require.True(t, sched.NextEligible(harvest.Artifact{AttemptCount: 1}).IsZero())

	last := epoch
	a := harvest.Artifact{AttemptCount: 2, LastAttemptAt: &last}
	require.Equal(t, epoch.Add(2*time.Minute), sched.NextEligible(a))
}

func TestDueForRetry_HonorsBackoffWindow(t *testing.T) {
	t.Parallel()

	sched, ledger, _ := newScheduler(t, Config{})
	a := failOnce(t, ledger, "https://host/a.png")

	due, err := sched.DueForRetry(context.Background(), epoch.Add(30*time.Second))
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = sched.DueForRetry(context.Background(), epoch.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, a.ID, due[0].ID)
}

func TestDueForRetry_SkipsExhaustedBudget(t *testing.T) {
	t.Parallel()

	// MaxAttempts 5 in the scheduler, 3 in the ledger: rows the ledger
	// already terminalized never show up as failed_retryable, and rows
	// at the scheduler's own ceiling are filtered out.
	sched, ledger, clock := newScheduler(t, Config{MaxAttempts: 5})
	ctx := context.Background()
	a := failOnce(t, ledger, "https://host/a.png")

	clock.now = epoch.Add(time.Hour)
	require.NoError(t, ledger.Requeue(ctx, a.ID))
	require.NoError(t, ledger.MarkInFlight(ctx, a.ID))
	require.NoError(t, ledger.MarkFailed(ctx, a.ID, harvest.ErrKindTransientNetwork, true, "status 503"))
	clock.now = epoch.Add(2 * time.Hour)
	require.NoError(t, ledger.Requeue(ctx, a.ID))
	require.NoError(t, ledger.MarkInFlight(ctx, a.ID))
	require.NoError(t, ledger.MarkFailed(ctx, a.ID, harvest.ErrKindTransientNetwork, true, "status 503"))

	got, err := ledger.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.StatusFailedTerminal, got.Status)
	require.Equal(t, 3, got.AttemptCount)

	due, err := sched.DueForRetry(ctx, epoch.Add(24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestRequeue_MovesDueArtifactsToPending(t *testing.T) {
	t.Parallel()

	sched, ledger, clock := newScheduler(t, Config{})
	ctx := context.Background()

	early := failOnce(t, ledger, "https://host/a.png")
	clock.now = epoch.Add(10 * time.Minute)
	late := failOnce(t, ledger, "https://host/b.png")

	// Only the early failure's backoff has elapsed.
	moved, err := sched.Requeue(ctx, epoch.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	gotEarly, err := ledger.Get(ctx, early.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.StatusPending, gotEarly.Status)

	gotLate, err := ledger.Get(ctx, late.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.StatusFailedRetryable, gotLate.Status)
}
