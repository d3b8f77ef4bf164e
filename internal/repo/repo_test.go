package repo

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func testDirective(id string) domain.Directive {
	return domain.Directive{
		ID:        id,
		Title:     "test directive",
		Status:    "approved",
		CreatedAt: "2026-08-30T10:00:00Z",
		UpdatedAt: "2026-08-30T10:00:00Z",
	}
}

func testIncident(id, signature string) domain.Incident {
	return domain.Incident{
		ID:               id,
		FailureSignature: signature,
		ScopeType:        "subtask",
		ScopeID:          "T-1",
		TriggerSource:    "SUBTASK_FAILURE",
		TriggerTier:      2,
		ProblemStatement: "sub-task T-1 reported FAILED",
		Confidence:       50,
		ImpactLevel:      "medium",
		LikelihoodLevel:  "medium",
		Status:           "OPEN",
		CreatedAt:        "2026-08-30T10:00:00Z",
		UpdatedAt:        "2026-08-30T10:00:00Z",
	}
}

func TestDirectiveRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	d := testDirective("SD-1")
	d.Objectives = "ship it"
	require.NoError(t, r.InsertDirective(ctx, d))

	got, err := r.GetDirective(ctx, "SD-1")
	require.NoError(t, err)
	require.Equal(t, d, got)

	_, err = r.GetDirective(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.UpdateDirectiveProgress(ctx, "SD-1", "PLAN", "", "2026-08-30T11:00:00Z"))
	require.NoError(t, r.UpdateDirectiveProgress(ctx, "SD-1", "", "completed", "2026-08-30T12:00:00Z"))
	got, err = r.GetDirective(ctx, "SD-1")
	require.NoError(t, err)
	require.Equal(t, "PLAN", got.CurrentPhase)
	require.Equal(t, "completed", got.Status)
	require.Equal(t, "2026-08-30T12:00:00Z", got.UpdatedAt)

	require.ErrorIs(t, r.UpdateDirectiveProgress(ctx, "missing", "", "completed", "2026-08-30T12:00:00Z"), ErrNotFound)
}

func TestPhaseCompletionAtMostOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertDirective(ctx, testDirective("SD-1")))

	c := domain.PhaseCompletion{DirectiveID: "SD-1", Phase: "LEAD", CompletedAt: "2026-08-30T10:00:00Z", SessionID: "s1"}
	require.NoError(t, r.InsertPhaseCompletion(ctx, c))
	// A concurrent duplicate is a no-op and the first record wins.
	dup := c
	dup.SessionID = "s2"
	require.NoError(t, r.InsertPhaseCompletion(ctx, dup))

	got, err := r.GetPhaseCompletion(ctx, "SD-1", "LEAD")
	require.NoError(t, err)
	require.Equal(t, "s1", got.SessionID)

	all, err := r.ListPhaseCompletions(ctx, "SD-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestCheckpointUpsertAndDelete(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertDirective(ctx, testDirective("SD-1")))

	_, err := r.GetCheckpoint(ctx, "SD-1")
	require.ErrorIs(t, err, ErrNotFound)

	cp := domain.Checkpoint{DirectiveID: "SD-1", SessionID: "s1", Phase: "EXEC", State: "failed", UpdatedAt: "2026-08-30T10:00:00Z"}
	require.NoError(t, r.UpsertCheckpoint(ctx, cp))
	cp.State = "gate_passed"
	cp.UpdatedAt = "2026-08-30T11:00:00Z"
	require.NoError(t, r.UpsertCheckpoint(ctx, cp))

	got, err := r.GetCheckpoint(ctx, "SD-1")
	require.NoError(t, err)
	require.Equal(t, cp, got)

	require.NoError(t, r.DeleteCheckpoint(ctx, "SD-1"))
	_, err = r.GetCheckpoint(ctx, "SD-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenIncidentSignatureIsUnique(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.InsertIncident(ctx, testIncident("I-1", "subtask:T-1:SD-1")))

	err := r.InsertIncident(ctx, testIncident("I-2", "subtask:T-1:SD-1"))
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err))

	// A resolved incident releases the signature.
	require.NoError(t, r.SetIncidentStatus(ctx, "I-1", "RESOLVED", "2026-08-30T11:00:00Z"))
	require.NoError(t, r.InsertIncident(ctx, testIncident("I-2", "subtask:T-1:SD-1")))

	in, err := r.FindOpenIncident(ctx, "subtask:T-1:SD-1")
	require.NoError(t, err)
	require.Equal(t, "I-2", in.ID)
}

func TestIncrementIncidentRecurrenceGuardsStatus(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.InsertIncident(ctx, testIncident("I-1", "subtask:T-1:SD-1")))
	require.NoError(t, r.IncrementIncidentRecurrence(ctx, "I-1", "2026-08-30T11:00:00Z"))
	require.NoError(t, r.IncrementIncidentRecurrence(ctx, "I-1", "2026-08-30T12:00:00Z"))

	in, err := r.GetIncident(ctx, "I-1")
	require.NoError(t, err)
	require.Equal(t, 2, in.RecurrenceCount)
	require.Equal(t, "2026-08-30T12:00:00Z", in.UpdatedAt)

	require.NoError(t, r.SetIncidentStatus(ctx, "I-1", "RESOLVED", "2026-08-30T13:00:00Z"))
	require.ErrorIs(t, r.IncrementIncidentRecurrence(ctx, "I-1", "2026-08-30T14:00:00Z"), ErrNotFound)
}

func TestIsUniqueViolationIgnoresOtherErrors(t *testing.T) {
	require.False(t, IsUniqueViolation(nil))
	require.False(t, IsUniqueViolation(sql.ErrNoRows))
	require.False(t, IsUniqueViolation(ErrNotFound))
}

func TestDecisionLogQueries(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertDirective(ctx, testDirective("SD-1")))

	for i, typ := range []string{"PRIORITY_DEFAULT", "PHASE_SKIP", "PHASE_SKIP"} {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO decision_log(ts,session_id,directive_id,decision_type,phase,action,reason) VALUES (?,?,?,?,?,?,?)`,
			"2026-08-30T10:00:00Z", "s1", "SD-1", typ, "LEAD", "action", "reason")
		require.NoError(t, err, "entry %d", i)
	}

	ok, err := r.HasDecision(ctx, "SD-1", "PRIORITY_DEFAULT")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.HasDecision(ctx, "SD-1", "AUTO_APPROVAL")
	require.NoError(t, err)
	require.False(t, ok)

	entries, err := r.LatestDecisions(ctx, 10, "SD-1", "PHASE_SKIP")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	entries, err = r.LatestDecisions(ctx, 2, "", "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	require.Greater(t, entries[0].ID, entries[1].ID)
}
