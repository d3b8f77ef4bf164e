package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"govline/internal/audit"
	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/gate"
	"govline/internal/migrate"
	"govline/internal/phase"
	"govline/internal/repo"
)

type testEnv struct {
	ws   string
	repo repo.Repo
	cfg  *config.Config
	orch *Orchestrator
	now  time.Time
}

// clock returns a strictly advancing time so ordered records sort.
func (e *testEnv) clock() time.Time {
	e.now = e.now.Add(time.Second)
	return e.now
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	env := &testEnv{
		ws:   ws,
		repo: repo.Repo{DB: conn},
		cfg:  config.Default(),
		now:  time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	env.orch = &Orchestrator{
		Repo:      env.repo,
		Audit:     audit.Writer{DB: conn, Now: env.clock},
		Gate:      gate.Validator{Repo: env.repo, Workspace: ws},
		Config:    env.cfg,
		Workspace: ws,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       env.clock,
	}
	return env
}

func (e *testEnv) createDirective(t *testing.T, d domain.Directive) domain.Directive {
	t.Helper()
	if d.Status == "" {
		d.Status = "approved"
	}
	ts := e.clock().UTC().Format(time.RFC3339)
	d.CreatedAt = ts
	d.UpdatedAt = ts
	require.NoError(t, e.repo.InsertDirective(context.Background(), d))
	return d
}

func (e *testEnv) decisions(t *testing.T, directiveID, decisionType string) []domain.DecisionEntry {
	t.Helper()
	entries, err := e.repo.LatestDecisions(context.Background(), 0, directiveID, decisionType)
	require.NoError(t, err)
	return entries
}

func TestRunRejectsIneligibleDirective(t *testing.T) {
	env := newTestEnv(t)
	env.createDirective(t, domain.Directive{ID: "SD-1", Title: "t", Status: "draft"})

	res, err := env.orch.Run(context.Background(), "SD-1", false)
	var ne *NotEligibleError
	require.ErrorAs(t, err, &ne)
	require.Equal(t, "draft", ne.Status)
	require.Empty(t, res.SessionID)

	// No session or decision was recorded for the rejected run.
	n, err := env.repo.CountActiveSessions(context.Background(), "none")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRunUnknownDirective(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.Run(context.Background(), "missing", false)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRunStopsAtExecWithoutApprovedDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createDirective(t, domain.Directive{ID: "SD-1", Title: "t", Objectives: "ship the feature"})

	res, err := env.orch.Run(ctx, "SD-1", false)
	var ve *gate.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, phase.Exec, ve.Phase)
	require.Equal(t, []string{"requirements_document_approved"}, ve.Failed)
	require.Equal(t, 2, res.PhasesCompleted)
	require.False(t, res.Completed)
	require.Len(t, res.Violations, 1)

	// LEAD and PLAN are durably completed, EXEC is not.
	completions, err := env.repo.ListPhaseCompletions(ctx, "SD-1")
	require.NoError(t, err)
	require.Len(t, completions, 2)
	require.Equal(t, "LEAD", completions[0].Phase)
	require.Equal(t, "PLAN", completions[1].Phase)

	cp, err := env.repo.GetCheckpoint(ctx, "SD-1")
	require.NoError(t, err)
	require.Equal(t, "EXEC", cp.Phase)
	require.Equal(t, "failed", cp.State)

	s, err := env.repo.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	require.Equal(t, "failed", s.Status)
	require.Equal(t, "EXEC", s.FailedPhase)

	// The run drafted a requirements document from the directive.
	doc, err := env.repo.GetRequirementsDocument(ctx, "SD-1")
	require.NoError(t, err)
	require.Equal(t, "draft", doc.Status)
	require.NotEmpty(t, doc.AcceptanceCriteria)
	require.NotEmpty(t, doc.TestPlan)

	rep, err := env.repo.GetComplianceReport(ctx, res.SessionID)
	require.NoError(t, err)
	require.Equal(t, 0, rep.ComplianceScore)
	require.Equal(t, 1, rep.ViolationCount)
}

func TestRunResumesAndCompletesAfterApproval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createDirective(t, domain.Directive{ID: "SD-1", Title: "t", Objectives: "ship the feature"})

	_, err := env.orch.Run(ctx, "SD-1", false)
	require.Error(t, err)

	require.NoError(t, env.repo.SetRequirementsDocumentStatus(ctx, "SD-1", "approved", env.clock().UTC().Format(time.RFC3339)))

	res, err := env.orch.Run(ctx, "SD-1", false)
	require.NoError(t, err)
	require.True(t, res.Completed)
	// Resumed at EXEC, so only the last three phases ran.
	require.Equal(t, 3, res.PhasesCompleted)
	require.Empty(t, res.Violations)

	require.NotEmpty(t, env.decisions(t, "SD-1", audit.TypeResume))

	d, err := env.repo.GetDirective(ctx, "SD-1")
	require.NoError(t, err)
	require.Equal(t, "completed", d.Status)
	require.Equal(t, "APPROVAL", d.CurrentPhase)

	// All five phases durable, in order.
	completions, err := env.repo.ListPhaseCompletions(ctx, "SD-1")
	require.NoError(t, err)
	require.Len(t, completions, 5)
	for i, p := range phase.Sequence {
		require.Equal(t, string(p), completions[i].Phase)
	}

	// Checkpoint cleared on success.
	_, err = env.repo.GetCheckpoint(ctx, "SD-1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	a, err := env.repo.GetApprovalRequest(ctx, "SD-1")
	require.NoError(t, err)
	require.Equal(t, "approved", a.Status)
	require.Equal(t, "auto", a.Decider)
	require.NotEmpty(t, env.decisions(t, "SD-1", audit.TypeAutoApproval))
	require.NotEmpty(t, env.decisions(t, "SD-1", audit.TypeRetrospectiveMissing))

	v, err := env.repo.GetVerification(ctx, "SD-1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, v.Confidence, 0)
	require.LessOrEqual(t, v.Confidence, 100)

	rep, err := env.repo.GetComplianceReport(ctx, res.SessionID)
	require.NoError(t, err)
	require.Equal(t, 100, rep.ComplianceScore)
	require.Equal(t, 0, rep.ViolationCount)
}

func TestCompletedDirectiveIsNotRerun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createDirective(t, domain.Directive{ID: "SD-1", Title: "t", Objectives: "ship"})

	_, err := env.orch.Run(ctx, "SD-1", false)
	require.Error(t, err)
	require.NoError(t, env.repo.SetRequirementsDocumentStatus(ctx, "SD-1", "approved", env.clock().UTC().Format(time.RFC3339)))
	_, err = env.orch.Run(ctx, "SD-1", false)
	require.NoError(t, err)

	// Status completed is outside the eligibility allow-list, so the gates
	// are never re-validated.
	_, err = env.orch.Run(ctx, "SD-1", false)
	var ne *NotEligibleError
	require.ErrorAs(t, err, &ne)
	require.Equal(t, "completed", ne.Status)
}

func TestRunSkipsPhasesCompletedEarlier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createDirective(t, domain.Directive{ID: "SD-1", Title: "t", Objectives: "ship"})

	first, err := env.orch.Run(ctx, "SD-1", false)
	require.Error(t, err)

	// Without the checkpoint the run starts at LEAD again, but the durable
	// completions short-circuit it.
	require.NoError(t, env.repo.DeleteCheckpoint(ctx, "SD-1"))
	res, err := env.orch.Run(ctx, "SD-1", false)
	var ve *gate.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, phase.Exec, ve.Phase)
	require.Equal(t, 2, res.PhasesCompleted)

	skips := env.decisions(t, "SD-1", audit.TypePhaseSkip)
	require.Len(t, skips, 2)

	// The original session's completion records are untouched.
	completions, err := env.repo.ListPhaseCompletions(ctx, "SD-1")
	require.NoError(t, err)
	require.Len(t, completions, 2)
	for _, c := range completions {
		require.Equal(t, first.SessionID, c.SessionID)
	}
}

func TestAssumedRequirementsAreAudited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createDirective(t, domain.Directive{ID: "SD-1", Title: "t", Objectives: "ship"})

	_, err := env.orch.Run(ctx, "SD-1", false)
	require.Error(t, err)

	assumed := env.decisions(t, "SD-1", audit.TypeRequirementAssumed)
	actions := map[string]bool{}
	for _, e := range assumed {
		actions[e.Action] = true
	}
	// PLAN's fail-open requirement defaulted to pass and was logged.
	require.True(t, actions["assumed sub_agents_activated"])

	// The unset priority default was logged during LEAD.
	require.NotEmpty(t, env.decisions(t, "SD-1", audit.TypePriorityDefault))
	require.NotEmpty(t, env.decisions(t, "SD-1", audit.TypePrologueInitialized))
}

func TestResourceLimitBlocksRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.cfg.Protocol.MaxActiveSessions = 1
	env.createDirective(t, domain.Directive{ID: "SD-1", Title: "t", Objectives: "ship"})

	require.NoError(t, env.repo.InsertSession(ctx, domain.Session{
		ID:          "other",
		DirectiveID: "SD-1",
		Status:      "in_progress",
		StartedAt:   env.clock().UTC().Format(time.RFC3339),
	}))

	res, err := env.orch.Run(ctx, "SD-1", false)
	var re *ResourceLimitError
	require.ErrorAs(t, err, &re)
	require.Equal(t, 1, re.Limit)

	s, err := env.repo.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	require.Equal(t, "failed", s.Status)
}

func TestPrologueMarkerWrittenOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createDirective(t, domain.Directive{ID: "SD-1", Title: "t", Objectives: "ship"})

	_, err := env.orch.Run(ctx, "SD-1", false)
	require.Error(t, err)

	marker := gate.PrologueMarker(env.ws)
	info, err := os.Stat(marker)
	require.NoError(t, err)
	mtime := info.ModTime()

	_, err = env.orch.Run(ctx, "SD-1", false)
	require.Error(t, err)
	info, err = os.Stat(marker)
	require.NoError(t, err)
	require.Equal(t, mtime, info.ModTime())
	require.Len(t, env.decisions(t, "SD-1", audit.TypePrologueInitialized), 1)
}

func TestAbortPreservesRootCause(t *testing.T) {
	env := newTestEnv(t)
	cause := errors.New("boom")
	res := Result{SessionID: "s1", DirectiveID: "SD-1"}
	got := env.orch.abort(context.Background(), &res, env.now, "s1", "SD-1", "", cause)
	require.ErrorIs(t, got, cause)
}

func TestFullyCompletedDirectiveRevalidatesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createDirective(t, domain.Directive{ID: "SD-1", Title: "t", Objectives: "ship"})

	_, err := env.orch.Run(ctx, "SD-1", false)
	require.Error(t, err)
	require.NoError(t, env.repo.SetRequirementsDocumentStatus(ctx, "SD-1", "approved", env.clock().UTC().Format(time.RFC3339)))
	_, err = env.orch.Run(ctx, "SD-1", false)
	require.NoError(t, err)

	// Reopen the directive; every phase completion is already durable.
	require.NoError(t, env.repo.UpdateDirectiveProgress(ctx, "SD-1", "", "in_progress", env.clock().UTC().Format(time.RFC3339)))
	assumedBefore := len(env.decisions(t, "SD-1", audit.TypeRequirementAssumed))

	res, err := env.orch.Run(ctx, "SD-1", false)
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Equal(t, 5, res.PhasesCompleted)
	require.Empty(t, res.Violations)

	// Every phase was skipped; no gate ran, so nothing new was assumed.
	require.Len(t, env.decisions(t, "SD-1", audit.TypePhaseSkip), 5)
	require.Len(t, env.decisions(t, "SD-1", audit.TypeRequirementAssumed), assumedBefore)
}
