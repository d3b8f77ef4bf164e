// Package orchestrator drives a directive through the five-phase pipeline.
// All progress lives in the datastore; the orchestrator itself holds no
// state between runs, so a crashed run resumes from its checkpoint.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"govline/internal/audit"
	"govline/internal/config"
	"govline/internal/domain"
	"govline/internal/gate"
	"govline/internal/phase"
	"govline/internal/repo"
)

// NotEligibleError rejects a run before any session state is created.
type NotEligibleError struct {
	DirectiveID string
	Status      string
	Allowed     []string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("directive %s has status %s, not in [%s]", e.DirectiveID, e.Status, strings.Join(e.Allowed, " "))
}

// ResourceLimitError rejects a run when too many sessions are in progress.
type ResourceLimitError struct {
	Active int
	Limit  int
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("%d active sessions, limit is %d", e.Active, e.Limit)
}

// Result summarizes one run, successful or not.
type Result struct {
	SessionID       string             `json:"session_id"`
	DirectiveID     string             `json:"directive_id"`
	Completed       bool               `json:"completed"`
	PhasesCompleted int                `json:"phases_completed"`
	Violations      []domain.Violation `json:"violations,omitempty"`
}

// Orchestrator runs the phase pipeline for one directive at a time.
type Orchestrator struct {
	Repo      repo.Repo
	Audit     audit.Writer
	Gate      gate.Validator
	Config    *config.Config
	Workspace string
	Log       *slog.Logger
	Now       func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) ts() string {
	return o.now().UTC().Format(time.RFC3339)
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default()
}

// Run executes the pipeline for a directive. With force set, phases already
// completed by earlier sessions are re-validated instead of skipped. The
// returned Result is populated even when err is non-nil, so callers can
// report what the failed session did.
func (o *Orchestrator) Run(ctx context.Context, directiveID string, force bool) (Result, error) {
	var res Result
	res.DirectiveID = directiveID

	d, err := o.Repo.GetDirective(ctx, directiveID)
	if err != nil {
		return res, fmt.Errorf("load directive %s: %w", directiveID, err)
	}
	if !o.Config.Eligible(d.Status) {
		return res, &NotEligibleError{DirectiveID: d.ID, Status: d.Status, Allowed: o.Config.Protocol.EligibleStatuses}
	}

	started := o.now()
	session := domain.Session{
		ID:          uuid.NewString(),
		DirectiveID: d.ID,
		Status:      "in_progress",
		StartedAt:   started.UTC().Format(time.RFC3339),
	}
	if err := o.Repo.InsertSession(ctx, session); err != nil {
		return res, fmt.Errorf("create session: %w", err)
	}
	res.SessionID = session.ID
	log := o.log().With("session", session.ID, "directive", d.ID)

	startIdx := 0
	if !force {
		startIdx, err = o.resumePoint(ctx, session.ID, d.ID)
		if err != nil {
			return res, o.abort(ctx, &res, started, session.ID, d.ID, "", err)
		}
	}

	if err := o.ensurePrologue(ctx, session.ID, d.ID); err != nil {
		return res, o.abort(ctx, &res, started, session.ID, d.ID, "", err)
	}

	for i := startIdx; i < len(phase.Sequence); i++ {
		ph := phase.Sequence[i]

		if limit := o.Config.Protocol.MaxActiveSessions; limit > 0 {
			active, err := o.Repo.CountActiveSessions(ctx, session.ID)
			if err != nil {
				return res, o.abort(ctx, &res, started, session.ID, d.ID, ph, fmt.Errorf("count active sessions: %w", err))
			}
			if active >= limit {
				err := &ResourceLimitError{Active: active, Limit: limit}
				return res, o.abort(ctx, &res, started, session.ID, d.ID, ph, err)
			}
		}

		if !force {
			_, err := o.Repo.GetPhaseCompletion(ctx, d.ID, string(ph))
			if err == nil {
				log.Info("phase already completed, skipping", "phase", ph)
				o.decide(ctx, session.ID, d.ID, audit.TypePhaseSkip, ph,
					"skipped phase", "phase completion exists from an earlier session")
				res.PhasesCompleted++
				continue
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return res, o.abort(ctx, &res, started, session.ID, d.ID, ph, err)
			}
		}

		if err := o.runSideEffects(ctx, session.ID, ph, &d); err != nil {
			return res, o.abort(ctx, &res, started, session.ID, d.ID, ph, err)
		}

		gr, err := o.Gate.Evaluate(ctx, ph, d)
		if err != nil {
			return res, o.abort(ctx, &res, started, session.ID, d.ID, ph, fmt.Errorf("evaluate %s gate: %w", ph, err))
		}
		for _, out := range gr.Outcomes {
			if out.Assumed {
				o.decide(ctx, session.ID, d.ID, audit.TypeRequirementAssumed, ph,
					"assumed "+string(out.Requirement), out.Reason)
			}
		}
		if failed := gr.Failed(); len(failed) > 0 {
			log.Warn("gate validation failed", "phase", ph, "failed", failed)
			v := domain.Violation{
				SessionID:          session.ID,
				DirectiveID:        d.ID,
				Phase:              string(ph),
				FailedRequirements: failed,
				TS:                 o.ts(),
			}
			if err := o.Repo.InsertViolation(ctx, v); err != nil {
				return res, o.abort(ctx, &res, started, session.ID, d.ID, ph, err)
			}
			res.Violations = append(res.Violations, v)
			gateErr := &gate.ValidationError{Phase: ph, Failed: failed}
			return res, o.abort(ctx, &res, started, session.ID, d.ID, ph, gateErr)
		}

		if err := o.Repo.UpsertCheckpoint(ctx, domain.Checkpoint{
			DirectiveID: d.ID,
			SessionID:   session.ID,
			Phase:       string(ph),
			State:       "gate_passed",
			UpdatedAt:   o.ts(),
		}); err != nil {
			return res, o.abort(ctx, &res, started, session.ID, d.ID, ph, err)
		}
		if err := o.Repo.InsertPhaseCompletion(ctx, domain.PhaseCompletion{
			DirectiveID: d.ID,
			Phase:       string(ph),
			CompletedAt: o.ts(),
			SessionID:   session.ID,
		}); err != nil {
			return res, o.abort(ctx, &res, started, session.ID, d.ID, ph, err)
		}
		if err := o.Repo.UpdateDirectiveProgress(ctx, d.ID, string(ph), "", o.ts()); err != nil {
			return res, o.abort(ctx, &res, started, session.ID, d.ID, ph, err)
		}
		log.Info("phase gate passed", "phase", ph)
		res.PhasesCompleted++
	}

	hasRetro, err := o.Repo.HasRetrospective(ctx, d.ID)
	if err != nil {
		return res, o.abort(ctx, &res, started, session.ID, d.ID, "", err)
	}
	if !hasRetro {
		o.decide(ctx, session.ID, d.ID, audit.TypeRetrospectiveMissing, "",
			"flagged missing retrospective", "no retrospective recorded for completed directive")
	}

	if err := o.Repo.DeleteCheckpoint(ctx, d.ID); err != nil {
		return res, o.abort(ctx, &res, started, session.ID, d.ID, "", err)
	}
	if err := o.Repo.FinishSession(ctx, session.ID, "completed", "", "", o.ts()); err != nil {
		return res, fmt.Errorf("finish session: %w", err)
	}
	res.Completed = true
	o.writeReport(ctx, res, started)
	log.Info("run completed", "phases", res.PhasesCompleted)
	return res, nil
}

// resumePoint returns the phase index to start from. A checkpoint left by an
// earlier session moves the start forward and the resume is logged.
func (o *Orchestrator) resumePoint(ctx context.Context, sessionID, directiveID string) (int, error) {
	cp, err := o.Repo.GetCheckpoint(ctx, directiveID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	idx := phase.Index(phase.Phase(cp.Phase))
	if idx < 0 {
		return 0, fmt.Errorf("checkpoint references unknown phase %q", cp.Phase)
	}
	start := idx
	if cp.State == "gate_passed" {
		start = idx + 1
	}
	o.decide(ctx, sessionID, directiveID, audit.TypeResume, phase.Phase(cp.Phase),
		fmt.Sprintf("resumed from %s checkpoint", cp.State),
		fmt.Sprintf("checkpoint written by session %s", cp.SessionID))
	return start, nil
}

// ensurePrologue writes the one-time session prologue marker for the
// workspace and records that it ran.
func (o *Orchestrator) ensurePrologue(ctx context.Context, sessionID, directiveID string) error {
	marker := gate.PrologueMarker(o.Workspace)
	if _, err := os.Stat(marker); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		return err
	}
	lines := o.Config.Prologue.Lines
	if err := os.WriteFile(marker, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return err
	}
	o.decide(ctx, sessionID, directiveID, audit.TypePrologueInitialized, phase.Lead,
		"initialized session prologue", "prologue marker was missing from the workspace")
	return nil
}

// abort records the failure and closes the session. The original error is
// returned so callers see the root cause, not the bookkeeping.
func (o *Orchestrator) abort(ctx context.Context, res *Result, started time.Time, sessionID, directiveID string, ph phase.Phase, cause error) error {
	if ph != "" {
		if err := o.Repo.UpsertCheckpoint(ctx, domain.Checkpoint{
			DirectiveID: directiveID,
			SessionID:   sessionID,
			Phase:       string(ph),
			State:       "failed",
			UpdatedAt:   o.ts(),
		}); err != nil {
			o.log().Error("write failure checkpoint", "directive", directiveID, "error", err)
		}
		// Gate failures already carry their own violation; anything else
		// fatal at a known phase still leaves one behind.
		var ve *gate.ValidationError
		if !errors.As(cause, &ve) {
			v := domain.Violation{
				SessionID:          sessionID,
				DirectiveID:        directiveID,
				Phase:              string(ph),
				FailedRequirements: []string{cause.Error()},
				TS:                 o.ts(),
			}
			if err := o.Repo.InsertViolation(ctx, v); err != nil {
				o.log().Error("write violation", "directive", directiveID, "error", err)
			} else {
				res.Violations = append(res.Violations, v)
			}
		}
	}
	if err := o.Repo.FinishSession(ctx, sessionID, "failed", string(ph), cause.Error(), o.ts()); err != nil {
		o.log().Error("finish failed session", "session", sessionID, "error", err)
	}
	o.writeReport(ctx, *res, started)
	return cause
}

func (o *Orchestrator) writeReport(ctx context.Context, res Result, started time.Time) {
	score := 0
	if len(res.Violations) == 0 && res.Completed {
		score = 100
	}
	report := domain.ComplianceReport{
		SessionID:       res.SessionID,
		DirectiveID:     res.DirectiveID,
		PhasesCompleted: res.PhasesCompleted,
		ViolationCount:  len(res.Violations),
		ComplianceScore: score,
		DurationMS:      o.now().Sub(started).Milliseconds(),
		CreatedAt:       o.ts(),
	}
	if err := o.Repo.InsertComplianceReport(ctx, report); err != nil {
		o.log().Error("write compliance report", "session", res.SessionID, "error", err)
	}
}

// decide appends to the decision log. Audit writes never fail a run; a
// write error is logged and the run continues.
func (o *Orchestrator) decide(ctx context.Context, sessionID, directiveID, decisionType string, ph phase.Phase, action, reason string) {
	err := o.Audit.Append(ctx, audit.Entry{
		SessionID:    sessionID,
		DirectiveID:  directiveID,
		DecisionType: decisionType,
		Phase:        string(ph),
		Action:       action,
		Reason:       reason,
	})
	if err != nil {
		o.log().Error("append decision", "type", decisionType, "error", err)
	}
}
