package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"govline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertDirective(ctx context.Context, d domain.Directive) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO directives(id,title,status,priority,description,objectives,current_phase,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Title, d.Status, nullable(d.Priority), nullable(d.Description), nullable(d.Objectives), nullable(d.CurrentPhase), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDirective(ctx context.Context, id string) (domain.Directive, error) {
	var d domain.Directive
	err := r.DB.QueryRowContext(ctx, `SELECT id,title,status,COALESCE(priority,''),COALESCE(description,''),COALESCE(objectives,''),COALESCE(current_phase,''),created_at,updated_at FROM directives WHERE id=?`, id).
		Scan(&d.ID, &d.Title, &d.Status, &d.Priority, &d.Description, &d.Objectives, &d.CurrentPhase, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDirectives(ctx context.Context, status string) ([]domain.Directive, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT id,title,status,COALESCE(priority,''),COALESCE(description,''),COALESCE(objectives,''),COALESCE(current_phase,''),created_at,updated_at FROM directives WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Directive
	for rows.Next() {
		var d domain.Directive
		if err := rows.Scan(&d.ID, &d.Title, &d.Status, &d.Priority, &d.Description, &d.Objectives, &d.CurrentPhase, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpdateDirectiveProgress writes the phase marker and/or status. The
// orchestrator touches nothing else on the directive row.
func (r Repo) UpdateDirectiveProgress(ctx context.Context, id, currentPhase, status, now string) error {
	var (
		fields []string
		args   []any
	)
	if currentPhase != "" {
		fields = append(fields, "current_phase=?")
		args = append(args, currentPhase)
	}
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, now, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE directives SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,directive_id,status,started_at) VALUES (?,?,?,?)`,
		s.ID, s.DirectiveID, s.Status, s.StartedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	err := r.DB.QueryRowContext(ctx, `SELECT id,directive_id,status,started_at,COALESCE(finished_at,''),COALESCE(failed_phase,''),COALESCE(error,'') FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.DirectiveID, &s.Status, &s.StartedAt, &s.FinishedAt, &s.FailedPhase, &s.Error)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) FinishSession(ctx context.Context, id, status, failedPhase, errMsg, finishedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sessions SET status=?, failed_phase=?, error=?, finished_at=? WHERE id=?`,
		status, nullable(failedPhase), nullable(errMsg), finishedAt, id)
	return err
}

// CountActiveSessions counts in-progress sessions other than the given one.
func (r Repo) CountActiveSessions(ctx context.Context, excludeSessionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status='in_progress' AND id != ?`, excludeSessionID).Scan(&n)
	return n, err
}

func (r Repo) GetPhaseCompletion(ctx context.Context, directiveID, phase string) (domain.PhaseCompletion, error) {
	var c domain.PhaseCompletion
	err := r.DB.QueryRowContext(ctx, `SELECT directive_id,phase,completed_at,session_id FROM phase_completions WHERE directive_id=? AND phase=?`, directiveID, phase).
		Scan(&c.DirectiveID, &c.Phase, &c.CompletedAt, &c.SessionID)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// InsertPhaseCompletion writes the unit-of-durability record for a passed
// gate. The (directive, phase) primary key keeps it at-most-once; a
// concurrent duplicate is ignored rather than erroring.
func (r Repo) InsertPhaseCompletion(ctx context.Context, c domain.PhaseCompletion) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO phase_completions(directive_id,phase,completed_at,session_id) VALUES (?,?,?,?)
ON CONFLICT(directive_id,phase) DO NOTHING`, c.DirectiveID, c.Phase, c.CompletedAt, c.SessionID)
	return err
}

func (r Repo) ListPhaseCompletions(ctx context.Context, directiveID string) ([]domain.PhaseCompletion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT directive_id,phase,completed_at,session_id FROM phase_completions WHERE directive_id=? ORDER BY completed_at`, directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseCompletion
	for rows.Next() {
		var c domain.PhaseCompletion
		if err := rows.Scan(&c.DirectiveID, &c.Phase, &c.CompletedAt, &c.SessionID); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) GetCheckpoint(ctx context.Context, directiveID string) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	err := r.DB.QueryRowContext(ctx, `SELECT directive_id,session_id,phase,state,updated_at FROM checkpoints WHERE directive_id=?`, directiveID).
		Scan(&c.DirectiveID, &c.SessionID, &c.Phase, &c.State, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) UpsertCheckpoint(ctx context.Context, c domain.Checkpoint) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO checkpoints(directive_id,session_id,phase,state,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(directive_id) DO UPDATE SET session_id=excluded.session_id, phase=excluded.phase, state=excluded.state, updated_at=excluded.updated_at`,
		c.DirectiveID, c.SessionID, c.Phase, c.State, c.UpdatedAt)
	return err
}

func (r Repo) DeleteCheckpoint(ctx context.Context, directiveID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM checkpoints WHERE directive_id=?`, directiveID)
	return err
}

func (r Repo) InsertViolation(ctx context.Context, v domain.Violation) error {
	failed, err := json.Marshal(v.FailedRequirements)
	if err != nil {
		return fmt.Errorf("marshal failed requirements: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO violations(session_id,directive_id,phase,failed_requirements,ts) VALUES (?,?,?,?,?)`,
		v.SessionID, v.DirectiveID, v.Phase, string(failed), v.TS)
	return err
}

func (r Repo) ListViolations(ctx context.Context, directiveID string) ([]domain.Violation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,directive_id,phase,failed_requirements,ts FROM violations WHERE directive_id=? ORDER BY id`, directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Violation
	for rows.Next() {
		var v domain.Violation
		var failed string
		if err := rows.Scan(&v.ID, &v.SessionID, &v.DirectiveID, &v.Phase, &failed, &v.TS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(failed), &v.FailedRequirements); err != nil {
			return nil, fmt.Errorf("unmarshal failed requirements: %w", err)
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) InsertComplianceReport(ctx context.Context, c domain.ComplianceReport) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO compliance_reports(session_id,directive_id,phases_completed,violation_count,compliance_score,duration_ms,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.SessionID, c.DirectiveID, c.PhasesCompleted, c.ViolationCount, c.ComplianceScore, c.DurationMS, c.CreatedAt)
	return err
}

func (r Repo) GetComplianceReport(ctx context.Context, sessionID string) (domain.ComplianceReport, error) {
	var c domain.ComplianceReport
	err := r.DB.QueryRowContext(ctx, `SELECT session_id,directive_id,phases_completed,violation_count,compliance_score,duration_ms,created_at FROM compliance_reports WHERE session_id=?`, sessionID).
		Scan(&c.SessionID, &c.DirectiveID, &c.PhasesCompleted, &c.ViolationCount, &c.ComplianceScore, &c.DurationMS, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// LatestDecisions returns the newest decision log entries, optionally
// filtered by directive or decision type.
func (r Repo) LatestDecisions(ctx context.Context, limit int, directiveID, decisionType string) ([]domain.DecisionEntry, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if directiveID != "" {
		clauses = append(clauses, "directive_id=?")
		args = append(args, directiveID)
	}
	if decisionType != "" {
		clauses = append(clauses, "decision_type=?")
		args = append(args, decisionType)
	}
	query := `SELECT id,ts,session_id,COALESCE(directive_id,''),decision_type,COALESCE(phase,''),action,reason FROM decision_log WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionEntry
	for rows.Next() {
		var e domain.DecisionEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.SessionID, &e.DirectiveID, &e.DecisionType, &e.Phase, &e.Action, &e.Reason); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// HasDecision reports whether a decision of the given type exists for a
// directive.
func (r Repo) HasDecision(ctx context.Context, directiveID, decisionType string) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM decision_log WHERE directive_id=? AND decision_type=? LIMIT 1`, directiveID, decisionType)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
