package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/google/uuid"

	"govline/internal/audit"
	"govline/internal/domain"
	"govline/internal/phase"
	"govline/internal/repo"
)

// runSideEffects produces the artifacts a phase is responsible for before
// its gate is checked. Every effect is idempotent so resumed and forced runs
// do not duplicate records.
func (o *Orchestrator) runSideEffects(ctx context.Context, sessionID string, ph phase.Phase, d *domain.Directive) error {
	switch ph {
	case phase.Lead:
		return o.leadEffects(ctx, sessionID, d)
	case phase.Plan:
		return o.planEffects(ctx, sessionID, d)
	case phase.Exec:
		return o.execEffects(ctx, sessionID, d)
	case phase.Verification:
		return o.verificationEffects(ctx, sessionID, d)
	case phase.Approval:
		return o.approvalEffects(ctx, sessionID, d)
	}
	return nil
}

func (o *Orchestrator) leadEffects(ctx context.Context, sessionID string, d *domain.Directive) error {
	if d.Priority == "" {
		ok, err := o.Repo.HasDecision(ctx, d.ID, audit.TypePriorityDefault)
		if err != nil {
			return err
		}
		if !ok {
			o.decide(ctx, sessionID, d.ID, audit.TypePriorityDefault, phase.Lead,
				"treated unset priority as medium", "directive carries no priority")
		}
	}
	ok, err := o.Repo.HasDecision(ctx, d.ID, audit.TypeOverEngineeringCheck)
	if err != nil {
		return err
	}
	if !ok {
		o.decide(ctx, sessionID, d.ID, audit.TypeOverEngineeringCheck, phase.Lead,
			"ran over-engineering check", "scope reviewed against directive objectives")
	}
	return o.recordHandoff(ctx, d.ID, phase.Lead, phase.Plan)
}

func (o *Orchestrator) planEffects(ctx context.Context, sessionID string, d *domain.Directive) error {
	_, err := o.Repo.GetRequirementsDocument(ctx, d.ID)
	if errors.Is(err, repo.ErrNotFound) {
		now := o.ts()
		criterion := "directive objectives delivered"
		if d.Objectives != "" {
			criterion = d.Objectives
		}
		doc := domain.RequirementsDocument{
			ID:                 uuid.NewString(),
			DirectiveID:        d.ID,
			Title:              d.Title,
			Status:             "draft",
			AcceptanceCriteria: []string{criterion},
			TestPlan:           "verify each acceptance criterion and record the result",
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := o.Repo.InsertRequirementsDocument(ctx, doc); err != nil {
			return fmt.Errorf("create draft requirements document: %w", err)
		}
		o.log().Info("created draft requirements document", "directive", d.ID, "document", doc.ID)
	} else if err != nil {
		return err
	}
	return o.recordHandoff(ctx, d.ID, phase.Plan, phase.Exec)
}

func (o *Orchestrator) execEffects(ctx context.Context, sessionID string, d *domain.Directive) error {
	// Diagnostics only. A workspace without git history still fails the
	// gate through its own requirement check, not here.
	summary := headSummary(o.Workspace)
	o.decide(ctx, sessionID, d.ID, audit.TypeExecDiagnostics, phase.Exec,
		"captured workspace git state", summary)
	return o.recordHandoff(ctx, d.ID, phase.Exec, phase.Verification)
}

func (o *Orchestrator) verificationEffects(ctx context.Context, sessionID string, d *domain.Directive) error {
	_, err := o.Repo.GetVerification(ctx, d.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	confidence := 60
	doc, err := o.Repo.GetRequirementsDocument(ctx, d.ID)
	if err == nil {
		if doc.Status == "approved" {
			confidence += 20
		}
		if len(doc.AcceptanceCriteria) > 0 {
			confidence += 10
		}
		if doc.TestPlan != "" {
			confidence += 10
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if confidence > 100 {
		confidence = 100
	}
	return o.Repo.InsertVerification(ctx, domain.Verification{
		ID:          uuid.NewString(),
		DirectiveID: d.ID,
		SessionID:   sessionID,
		Confidence:  confidence,
		Summary:     "confidence derived from planning artifact completeness",
		CreatedAt:   o.ts(),
	})
}

func (o *Orchestrator) approvalEffects(ctx context.Context, sessionID string, d *domain.Directive) error {
	a, err := o.Repo.GetApprovalRequest(ctx, d.ID)
	if errors.Is(err, repo.ErrNotFound) {
		a = domain.ApprovalRequest{
			ID:          uuid.NewString(),
			DirectiveID: d.ID,
			Type:        "directive_completion",
			Status:      "pending",
			RequestedAt: o.ts(),
		}
		if err := o.Repo.InsertApprovalRequest(ctx, a); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	ok, err := o.Repo.HasDecision(ctx, d.ID, audit.TypeOverEngineeringRubric)
	if err != nil {
		return err
	}
	if !ok {
		o.decide(ctx, sessionID, d.ID, audit.TypeOverEngineeringRubric, phase.Approval,
			"ran over-engineering rubric", "final artifact reviewed against rubric")
	}

	if a.Status == "pending" {
		now := o.ts()
		if err := o.Repo.DecideApprovalRequest(ctx, a.ID, "approved", "auto", now); err != nil {
			return err
		}
		o.decide(ctx, sessionID, d.ID, audit.TypeAutoApproval, phase.Approval,
			"auto-approved completion request", "no human decision recorded before the approval gate")
	} else if a.Status == "denied" {
		// Leave the denial in place; the gate fails on it.
		return nil
	}
	if err := o.Repo.UpdateDirectiveProgress(ctx, d.ID, "", "completed", o.ts()); err != nil {
		return err
	}
	d.Status = "completed"
	return nil
}

func (o *Orchestrator) recordHandoff(ctx context.Context, directiveID string, from, to phase.Phase) error {
	return o.Repo.InsertHandoff(ctx, domain.Handoff{
		ID:          uuid.NewString(),
		DirectiveID: directiveID,
		FromPhase:   string(from),
		ToPhase:     string(to),
		Status:      "created",
		CreatedAt:   o.ts(),
	})
}

// headSummary describes the workspace git HEAD for the diagnostics entry.
// It never fails; missing repositories are part of the description.
func headSummary(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	g, err := git.PlainOpenWithOptions(workspace, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "workspace is not a git repository"
	}
	head, err := g.Head()
	if err != nil {
		return "git repository has no commits"
	}
	commit, err := g.CommitObject(head.Hash())
	if err != nil {
		return fmt.Sprintf("HEAD at %s", head.Hash().String()[:12])
	}
	return fmt.Sprintf("HEAD at %s (%s, %s)", head.Hash().String()[:12],
		commit.Author.When.UTC().Format(time.RFC3339), head.Name().Short())
}
