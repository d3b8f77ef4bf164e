// Package gate evaluates phase gate requirements. Every check is
// deterministic against datastore or filesystem state; requirements that
// cannot be computed automatically pass with Assumed set so the caller can
// audit the default.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"govline/internal/audit"
	"govline/internal/domain"
	"govline/internal/phase"
	"govline/internal/repo"
)

// ValidationError blocks phase advancement. It names every failed
// requirement of the phase; there is no partial credit.
type ValidationError struct {
	Phase  phase.Phase
	Failed []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s gate validation failed: %s", e.Phase, strings.Join(e.Failed, ", "))
}

// Outcome is the result of one requirement check.
type Outcome struct {
	Requirement phase.Requirement
	Passed      bool
	Assumed     bool
	Reason      string
}

// Result covers one full phase gate.
type Result struct {
	Phase    phase.Phase
	Outcomes []Outcome
}

// Failed lists the names of requirements that did not pass.
func (r Result) Failed() []string {
	var failed []string
	for _, o := range r.Outcomes {
		if !o.Passed {
			failed = append(failed, string(o.Requirement))
		}
	}
	return failed
}

// Validator checks the fixed requirement list of a phase against external
// state. It holds no mutable state and is safe for concurrent use.
type Validator struct {
	Repo      repo.Repo
	Workspace string
	// ApplicationRoot, when set, must exist for correct_application_verified.
	ApplicationRoot string
}

// PrologueMarker is the filesystem marker recording that the one-time
// session prologue ran for this workspace.
func PrologueMarker(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".govline", "session-prologue")
}

// Evaluate runs every requirement of the phase in order. It returns an error
// only when a check itself cannot be executed (datastore failure); a failing
// requirement is reported through the Result.
func (v Validator) Evaluate(ctx context.Context, ph phase.Phase, d domain.Directive) (Result, error) {
	res := Result{Phase: ph}
	for _, req := range phase.Requirements(ph) {
		out, err := v.check(ctx, req, d)
		if err != nil {
			return res, fmt.Errorf("check %s: %w", req, err)
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	return res, nil
}

func (v Validator) check(ctx context.Context, req phase.Requirement, d domain.Directive) (Outcome, error) {
	if phase.Assumable(req) {
		return Outcome{
			Requirement: req,
			Passed:      true,
			Assumed:     true,
			Reason:      "outcome not automatable; defaulting to pass",
		}, nil
	}

	out := Outcome{Requirement: req}
	switch req {
	case phase.SessionPrologueCompleted:
		_, err := os.Stat(PrologueMarker(v.Workspace))
		if err != nil && !os.IsNotExist(err) {
			return out, err
		}
		out.Passed = err == nil
		if !out.Passed {
			out.Reason = "session prologue marker missing"
		}

	case phase.PriorityJustified:
		if d.Priority != "" {
			out.Passed = true
			break
		}
		// An unset priority is acceptable only when the run already logged
		// the default it took.
		ok, err := v.Repo.HasDecision(ctx, d.ID, audit.TypePriorityDefault)
		if err != nil {
			return out, err
		}
		out.Passed = ok
		if !ok {
			out.Reason = "priority not set and no logged default"
		}

	case phase.StrategicObjectivesDefined:
		out.Passed = d.Objectives != ""
		if !out.Passed {
			out.Reason = "directive has no objectives"
		}

	case phase.HandoffRecorded:
		return v.handoffExists(ctx, req, d.ID, phase.Lead)

	case phase.OverEngineeringCheckRun:
		ok, err := v.Repo.HasDecision(ctx, d.ID, audit.TypeOverEngineeringCheck)
		if err != nil {
			return out, err
		}
		out.Passed = ok
		if !ok {
			out.Reason = "over-engineering check not recorded"
		}

	case phase.RequirementsDocumentCreated:
		_, err := v.Repo.GetRequirementsDocument(ctx, d.ID)
		if errors.Is(err, repo.ErrNotFound) {
			out.Reason = "no requirements document"
			break
		}
		if err != nil {
			return out, err
		}
		out.Passed = true

	case phase.AcceptanceCriteriaDefined:
		doc, err := v.Repo.GetRequirementsDocument(ctx, d.ID)
		if errors.Is(err, repo.ErrNotFound) {
			out.Reason = "no requirements document"
			break
		}
		if err != nil {
			return out, err
		}
		out.Passed = len(doc.AcceptanceCriteria) > 0
		if !out.Passed {
			out.Reason = "requirements document has no acceptance criteria"
		}

	case phase.TestPlanCreated:
		doc, err := v.Repo.GetRequirementsDocument(ctx, d.ID)
		if errors.Is(err, repo.ErrNotFound) {
			out.Reason = "no requirements document"
			break
		}
		if err != nil {
			return out, err
		}
		out.Passed = doc.TestPlan != ""
		if !out.Passed {
			out.Reason = "requirements document has no test plan"
		}

	case phase.HandoffFromLeadReceived:
		return v.handoffExists(ctx, req, d.ID, phase.Lead)

	case phase.RequirementsDocumentApproved:
		doc, err := v.Repo.GetRequirementsDocument(ctx, d.ID)
		if errors.Is(err, repo.ErrNotFound) {
			out.Reason = "no approved requirements document"
			break
		}
		if err != nil {
			return out, err
		}
		out.Passed = doc.Status == "approved"
		if !out.Passed {
			out.Reason = fmt.Sprintf("requirements document status is %s, not approved", doc.Status)
		}

	case phase.CorrectApplicationVerified:
		if v.ApplicationRoot == "" {
			out.Passed = true
			out.Assumed = true
			out.Reason = "no application root configured; defaulting to pass"
			break
		}
		info, err := os.Stat(v.ApplicationRoot)
		if err != nil && !os.IsNotExist(err) {
			return out, err
		}
		out.Passed = err == nil && info.IsDir()
		if !out.Passed {
			out.Reason = fmt.Sprintf("application root %s not present", v.ApplicationRoot)
		}

	case phase.GitCommitCreated:
		return v.gitCommitExists(req)

	case phase.ConfidenceScoreCalculated:
		_, err := v.Repo.GetVerification(ctx, d.ID)
		if errors.Is(err, repo.ErrNotFound) {
			out.Reason = "no verification record with a confidence score"
			break
		}
		if err != nil {
			return out, err
		}
		out.Passed = true

	case phase.ApprovalRequested:
		a, err := v.Repo.GetApprovalRequest(ctx, d.ID)
		if errors.Is(err, repo.ErrNotFound) {
			out.Reason = "no approval request"
			break
		}
		if err != nil {
			return out, err
		}
		out.Passed = a.Status == "pending" || a.Status == "approved"
		if !out.Passed {
			out.Reason = fmt.Sprintf("approval request status is %s", a.Status)
		}

	case phase.OverEngineeringRubric:
		ok, err := v.Repo.HasDecision(ctx, d.ID, audit.TypeOverEngineeringRubric)
		if err != nil {
			return out, err
		}
		out.Passed = ok
		if !ok {
			out.Reason = "over-engineering rubric not recorded"
		}

	case phase.DirectiveStatusUpdated:
		cur, err := v.Repo.GetDirective(ctx, d.ID)
		if err != nil {
			return out, err
		}
		out.Passed = cur.Status == "completed"
		if !out.Passed {
			out.Reason = fmt.Sprintf("directive status is %s, not completed", cur.Status)
		}

	default:
		// Unreachable while the phase requirement lists only reference the
		// constants above.
		return out, fmt.Errorf("no check defined for requirement %s", req)
	}
	return out, nil
}

func (v Validator) handoffExists(ctx context.Context, req phase.Requirement, directiveID string, from phase.Phase) (Outcome, error) {
	out := Outcome{Requirement: req}
	_, err := v.Repo.GetHandoff(ctx, directiveID, string(from))
	if errors.Is(err, repo.ErrNotFound) {
		out.Reason = fmt.Sprintf("no handoff from %s", from)
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Passed = true
	return out, nil
}

func (v Validator) gitCommitExists(req phase.Requirement) (Outcome, error) {
	out := Outcome{Requirement: req}
	repoPath := v.Workspace
	if repoPath == "" {
		repoPath = "."
	}
	g, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		out.Passed = true
		out.Assumed = true
		out.Reason = "workspace is not a git repository; defaulting to pass"
		return out, nil
	}
	if err != nil {
		return out, err
	}
	_, err = g.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		out.Reason = "git repository has no commits"
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Passed = true
	return out, nil
}
