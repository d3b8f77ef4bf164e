package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"govline/internal/domain"
)

const incidentColumns = `id,failure_signature,scope_type,scope_id,COALESCE(directive_id,''),trigger_source,trigger_tier,problem_statement,COALESCE(observed,''),COALESCE(expected,''),COALESCE(evidence,''),confidence,impact_level,likelihood_level,status,recurrence_count,created_at,updated_at`

func scanIncident(row *sql.Row) (domain.Incident, error) {
	var in domain.Incident
	err := row.Scan(&in.ID, &in.FailureSignature, &in.ScopeType, &in.ScopeID, &in.DirectiveID,
		&in.TriggerSource, &in.TriggerTier, &in.ProblemStatement, &in.Observed, &in.Expected,
		&in.Evidence, &in.Confidence, &in.ImpactLevel, &in.LikelihoodLevel, &in.Status,
		&in.RecurrenceCount, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) InsertIncident(ctx context.Context, in domain.Incident) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO incidents(id,failure_signature,scope_type,scope_id,directive_id,trigger_source,trigger_tier,problem_statement,observed,expected,evidence,confidence,impact_level,likelihood_level,status,recurrence_count,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.FailureSignature, in.ScopeType, in.ScopeID, nullable(in.DirectiveID),
		in.TriggerSource, in.TriggerTier, in.ProblemStatement, nullable(in.Observed), nullable(in.Expected),
		nullable(in.Evidence), in.Confidence, in.ImpactLevel, in.LikelihoodLevel, in.Status,
		in.RecurrenceCount, in.CreatedAt, in.UpdatedAt)
	return err
}

func (r Repo) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	return scanIncident(r.DB.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id))
}

// FindOpenIncident looks up the single OPEN or IN_REVIEW incident for a
// failure signature.
func (r Repo) FindOpenIncident(ctx context.Context, signature string) (domain.Incident, error) {
	return scanIncident(r.DB.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE failure_signature=? AND status IN ('OPEN','IN_REVIEW')`, signature))
}

// IncrementIncidentRecurrence bumps the recurrence counter and updated_at.
func (r Repo) IncrementIncidentRecurrence(ctx context.Context, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE incidents SET recurrence_count=recurrence_count+1, updated_at=? WHERE id=? AND status IN ('OPEN','IN_REVIEW')`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetIncidentStatus(ctx context.Context, id, status, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE incidents SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListIncidents(ctx context.Context, directiveID, status string) ([]domain.Incident, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if directiveID != "" {
		clauses = append(clauses, "directive_id=?")
		args = append(args, directiveID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE `+strings.Join(clauses, " AND ")+` ORDER BY updated_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Incident
	for rows.Next() {
		var in domain.Incident
		if err := rows.Scan(&in.ID, &in.FailureSignature, &in.ScopeType, &in.ScopeID, &in.DirectiveID,
			&in.TriggerSource, &in.TriggerTier, &in.ProblemStatement, &in.Observed, &in.Expected,
			&in.Evidence, &in.Confidence, &in.ImpactLevel, &in.LikelihoodLevel, &in.Status,
			&in.RecurrenceCount, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// IsUniqueViolation reports whether err is the unique-index failure raised
// when a second OPEN incident is inserted for an existing signature.
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
