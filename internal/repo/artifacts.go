package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"govline/internal/domain"
)

func (r Repo) InsertRequirementsDocument(ctx context.Context, d domain.RequirementsDocument) error {
	criteria, err := marshalStringSlice(d.AcceptanceCriteria)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO requirements_documents(id,directive_id,title,status,acceptance_criteria,test_plan,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.DirectiveID, d.Title, d.Status, criteria, nullable(d.TestPlan), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetRequirementsDocument(ctx context.Context, directiveID string) (domain.RequirementsDocument, error) {
	var d domain.RequirementsDocument
	var criteria sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,directive_id,title,status,acceptance_criteria,COALESCE(test_plan,''),created_at,updated_at FROM requirements_documents WHERE directive_id=?`, directiveID).
		Scan(&d.ID, &d.DirectiveID, &d.Title, &d.Status, &criteria, &d.TestPlan, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if criteria.Valid && criteria.String != "" {
		if err := json.Unmarshal([]byte(criteria.String), &d.AcceptanceCriteria); err != nil {
			return d, fmt.Errorf("unmarshal acceptance criteria: %w", err)
		}
	}
	return d, nil
}

func (r Repo) SetRequirementsDocumentStatus(ctx context.Context, directiveID, status, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE requirements_documents SET status=?, updated_at=? WHERE directive_id=?`, status, now, directiveID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertHandoff(ctx context.Context, h domain.Handoff) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO handoffs(id,directive_id,from_phase,to_phase,status,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(directive_id,from_phase,to_phase) DO NOTHING`, h.ID, h.DirectiveID, h.FromPhase, h.ToPhase, h.Status, h.CreatedAt)
	return err
}

func (r Repo) GetHandoff(ctx context.Context, directiveID, fromPhase string) (domain.Handoff, error) {
	var h domain.Handoff
	err := r.DB.QueryRowContext(ctx, `SELECT id,directive_id,from_phase,to_phase,status,created_at FROM handoffs WHERE directive_id=? AND from_phase=?`, directiveID, fromPhase).
		Scan(&h.ID, &h.DirectiveID, &h.FromPhase, &h.ToPhase, &h.Status, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	return h, err
}

func (r Repo) InsertApprovalRequest(ctx context.Context, a domain.ApprovalRequest) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO approval_requests(id,directive_id,type,status,requested_at) VALUES (?,?,?,?,?)`,
		a.ID, a.DirectiveID, a.Type, a.Status, a.RequestedAt)
	return err
}

// GetApprovalRequest returns the newest approval request for a directive.
func (r Repo) GetApprovalRequest(ctx context.Context, directiveID string) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	err := r.DB.QueryRowContext(ctx, `SELECT id,directive_id,type,status,requested_at,COALESCE(decided_at,''),COALESCE(decider,'') FROM approval_requests WHERE directive_id=? ORDER BY requested_at DESC, id DESC LIMIT 1`, directiveID).
		Scan(&a.ID, &a.DirectiveID, &a.Type, &a.Status, &a.RequestedAt, &a.DecidedAt, &a.Decider)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) DecideApprovalRequest(ctx context.Context, id, status, decider, decidedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE approval_requests SET status=?, decider=?, decided_at=? WHERE id=?`, status, decider, decidedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRetrospective(ctx context.Context, t domain.Retrospective) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO retrospectives(id,directive_id,session_id,learnings,completed_at) VALUES (?,?,?,?,?)`,
		t.ID, t.DirectiveID, t.SessionID, nullable(t.Learnings), t.CompletedAt)
	return err
}

func (r Repo) HasRetrospective(ctx context.Context, directiveID string) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM retrospectives WHERE directive_id=? LIMIT 1`, directiveID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func (r Repo) InsertVerification(ctx context.Context, v domain.Verification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO verifications(id,directive_id,session_id,confidence,summary,created_at) VALUES (?,?,?,?,?,?)`,
		v.ID, v.DirectiveID, v.SessionID, v.Confidence, nullable(v.Summary), v.CreatedAt)
	return err
}

// GetVerification returns the newest verification record for a directive.
func (r Repo) GetVerification(ctx context.Context, directiveID string) (domain.Verification, error) {
	var v domain.Verification
	err := r.DB.QueryRowContext(ctx, `SELECT id,directive_id,session_id,confidence,COALESCE(summary,''),created_at FROM verifications WHERE directive_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, directiveID).
		Scan(&v.ID, &v.DirectiveID, &v.SessionID, &v.Confidence, &v.Summary, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
