// Package audit appends decision entries: the append-only record of every
// default the system took without human input.
package audit

import (
	"context"
	"database/sql"
	"time"
)

// Decision types written by the governance layer.
const (
	TypeResume                = "RESUME"
	TypePhaseSkip             = "PHASE_SKIP"
	TypeRequirementAssumed    = "REQUIREMENT_ASSUMED"
	TypePriorityDefault       = "PRIORITY_DEFAULT"
	TypeAutoApproval          = "AUTO_APPROVAL"
	TypeRetrospectiveMissing  = "RETROSPECTIVE_MISSING"
	TypeOverEngineeringCheck  = "OVER_ENGINEERING_CHECK"
	TypeOverEngineeringRubric = "OVER_ENGINEERING_RUBRIC"
	TypePrologueInitialized   = "PROLOGUE_INITIALIZED"
	TypeExecDiagnostics       = "EXEC_DIAGNOSTICS"
	TypeRCATrigger            = "RCA_TRIGGER"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is one decision to record. TS is filled by Append.
type Entry struct {
	SessionID    string
	DirectiveID  string
	DecisionType string
	Phase        string
	Action       string
	Reason       string
}

func (w Writer) Append(ctx context.Context, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := w.DB.ExecContext(ctx, `INSERT INTO decision_log(ts,session_id,directive_id,decision_type,phase,action,reason) VALUES (?,?,?,?,?,?,?)`,
		ts, e.SessionID, nullable(e.DirectiveID), e.DecisionType, nullable(e.Phase), e.Action, e.Reason)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
