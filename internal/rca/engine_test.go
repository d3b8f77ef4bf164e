package rca

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"govline/internal/audit"
	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/migrate"
	"govline/internal/repo"
)

func newTestEngine(t *testing.T) (*Engine, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	e := NewEngine(r, audit.Writer{DB: conn}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return e, r
}

func TestBackToBackEventsDeduplicate(t *testing.T) {
	e, r := newTestEngine(t)
	ctx := context.Background()
	ev := SubTaskEvent{DirectiveID: "SD-1", TaskID: "T-1", Status: "FAILED", Confidence: 85, ErrorMessage: "boom"}

	first, created, err := e.HandleSubTask(ctx, ev)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "OPEN", first.Status)
	require.Equal(t, 0, first.RecurrenceCount)
	require.Equal(t, 60, first.Confidence)

	second, created, err := e.HandleSubTask(ctx, ev)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, second.RecurrenceCount)

	all, err := r.ListIncidents(ctx, "SD-1", "")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestQualitySlideLandsOnOpenIncident(t *testing.T) {
	e, r := newTestEngine(t)
	ctx := context.Background()

	first, created, err := e.HandleQualityScore(ctx, QualityScoreEvent{DirectiveID: "SD-1", Scope: "api", Previous: 72, Current: 68})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, Tier1, first.TriggerTier)

	second, created, err := e.HandleQualityScore(ctx, QualityScoreEvent{DirectiveID: "SD-1", Scope: "api", Previous: 68, Current: 60})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, second.RecurrenceCount)
	// The original crossing keeps its tier.
	require.Equal(t, Tier1, second.TriggerTier)

	open, err := r.ListIncidents(ctx, "SD-1", "OPEN")
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestResolvedIncidentReleasesSignature(t *testing.T) {
	e, r := newTestEngine(t)
	ctx := context.Background()
	ev := SubTaskEvent{DirectiveID: "SD-1", TaskID: "T-1", Status: "FAILED", Confidence: 85}

	first, created, err := e.HandleSubTask(ctx, ev)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, r.SetIncidentStatus(ctx, first.ID, "RESOLVED", "2026-08-30T12:00:00Z"))

	second, created, err := e.HandleSubTask(ctx, ev)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, second.ID)

	all, err := r.ListIncidents(ctx, "SD-1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestInReviewIncidentStillAbsorbsEvents(t *testing.T) {
	e, r := newTestEngine(t)
	ctx := context.Background()
	ev := SubTaskEvent{DirectiveID: "SD-1", TaskID: "T-1", Status: "FAILED", Confidence: 85}

	first, _, err := e.HandleSubTask(ctx, ev)
	require.NoError(t, err)
	require.NoError(t, r.SetIncidentStatus(ctx, first.ID, "IN_REVIEW", "2026-08-30T12:00:00Z"))

	second, created, err := e.HandleSubTask(ctx, ev)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, second.RecurrenceCount)
}

func TestSubThresholdEventsAreIgnored(t *testing.T) {
	e, r := newTestEngine(t)
	ctx := context.Background()

	in, created, err := e.HandleSubTask(ctx, SubTaskEvent{DirectiveID: "SD-1", TaskID: "T-1", Status: "FAILED", Confidence: 50})
	require.NoError(t, err)
	require.False(t, created)
	require.Empty(t, in.ID)

	all, err := r.ListIncidents(ctx, "", "")
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestConcurrentEventsYieldSingleOpenIncident(t *testing.T) {
	e, r := newTestEngine(t)
	ctx := context.Background()
	cand, ok := ClassifySubTask(SubTaskEvent{DirectiveID: "SD-1", TaskID: "T-1", Status: "FAILED", Confidence: 85, ErrorMessage: "boom"})
	require.True(t, ok)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		creates int
	)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := e.RecordIncident(ctx, cand)
			errs[i] = err
			if created {
				mu.Lock()
				creates++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}
	require.Equal(t, 1, creates)

	open, err := r.ListIncidents(ctx, "SD-1", "OPEN")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, n-1, open[0].RecurrenceCount)
}

func TestRecordIncidentWritesAuditTrail(t *testing.T) {
	e, r := newTestEngine(t)
	ctx := context.Background()
	ev := SubTaskEvent{DirectiveID: "SD-1", TaskID: "T-1", Status: "BLOCKED", Confidence: 95, StackTrace: "at x"}

	in, _, err := e.HandleSubTask(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, Tier1, in.TriggerTier)
	require.Equal(t, 70, in.Confidence)

	_, _, err = e.HandleSubTask(ctx, ev)
	require.NoError(t, err)

	entries, err := r.LatestDecisions(ctx, 0, "SD-1", audit.TypeRCATrigger)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestForensicHookFailureDoesNotFailIncident(t *testing.T) {
	e, r := newTestEngine(t)
	ctx := context.Background()
	var calls int
	e.Hook = func(ctx context.Context, in domain.Incident) error {
		calls++
		return errors.New("collector unreachable")
	}

	in, created, err := e.HandleSubTask(ctx, SubTaskEvent{DirectiveID: "SD-1", TaskID: "T-1", Status: "FAILED", Confidence: 85})
	require.NoError(t, err)
	require.True(t, created)
	require.Positive(t, calls)

	got, err := r.GetIncident(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, "OPEN", got.Status)
}

func TestEngineLifecycle(t *testing.T) {
	e, r := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Events are rejected before Run starts.
	err := e.OnSubTask(ctx, SubTaskEvent{DirectiveID: "SD-1", TaskID: "T-1", Status: "FAILED", Confidence: 85})
	require.ErrorIs(t, err, ErrNotRunning)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return e.OnSubTask(ctx, SubTaskEvent{DirectiveID: "SD-1", TaskID: "T-1", Status: "FAILED", Confidence: 85}) == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.OnHandoffRejection(ctx, HandoffRejectionEvent{DirectiveID: "SD-1", HandoffType: "LEAD", RejectionCount: 2}))

	require.Eventually(t, func() bool {
		all, err := r.ListIncidents(context.Background(), "SD-1", "")
		return err == nil && len(all) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	err = e.OnSubTask(context.Background(), SubTaskEvent{DirectiveID: "SD-1", TaskID: "T-2", Status: "FAILED", Confidence: 85})
	require.ErrorIs(t, err, ErrNotRunning)

	require.Error(t, e.Run(context.Background()))
}
