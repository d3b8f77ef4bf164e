package domain

// Directive is a unit of governed work moving through the phase pipeline.
// The orchestrator reads it and writes only CurrentPhase and terminal status.
type Directive struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	Priority     string `json:"priority,omitempty"`
	Description  string `json:"description,omitempty"`
	Objectives   string `json:"objectives,omitempty"`
	CurrentPhase string `json:"current_phase,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Session is one orchestrator invocation for a directive.
type Session struct {
	ID          string `json:"id"`
	DirectiveID string `json:"directive_id"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at" format:"date-time"`
	FinishedAt  string `json:"finished_at,omitempty" format:"date-time"`
	FailedPhase string `json:"failed_phase,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PhaseCompletion marks a phase gate as passed for a directive. At most one
// exists per (directive, phase); its presence makes the phase skippable on a
// resumed run.
type PhaseCompletion struct {
	DirectiveID string `json:"directive_id"`
	Phase       string `json:"phase"`
	CompletedAt string `json:"completed_at" format:"date-time"`
	SessionID   string `json:"session_id"`
}

// Checkpoint records how far a run has progressed so a retry resumes at the
// failed phase instead of re-executing completed work.
type Checkpoint struct {
	DirectiveID string `json:"directive_id"`
	SessionID   string `json:"session_id"`
	Phase       string `json:"phase"`
	State       string `json:"state"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// DecisionEntry is an append-only audit record of a choice the system made
// without human input.
type DecisionEntry struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	SessionID    string `json:"session_id"`
	DirectiveID  string `json:"directive_id,omitempty"`
	DecisionType string `json:"decision_type"`
	Phase        string `json:"phase,omitempty"`
	Action       string `json:"action"`
	Reason       string `json:"reason"`
}

// Violation is created when a gate fails; its existence blocks phase
// advancement.
type Violation struct {
	ID                 int64    `json:"id"`
	SessionID          string   `json:"session_id"`
	DirectiveID        string   `json:"directive_id"`
	Phase              string   `json:"phase"`
	FailedRequirements []string `json:"failed_requirements"`
	TS                 string   `json:"ts" format:"date-time"`
}

// ComplianceReport summarizes a completed run. Score is binary: 100 with
// zero violations, otherwise 0.
type ComplianceReport struct {
	SessionID       string `json:"session_id"`
	DirectiveID     string `json:"directive_id"`
	PhasesCompleted int    `json:"phases_completed"`
	ViolationCount  int    `json:"violation_count"`
	ComplianceScore int    `json:"compliance_score"`
	DurationMS      int64  `json:"duration_ms"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// RequirementsDocument is the planning artifact the EXEC gate requires in
// approved status.
type RequirementsDocument struct {
	ID                 string   `json:"id"`
	DirectiveID        string   `json:"directive_id"`
	Title              string   `json:"title"`
	Status             string   `json:"status"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	TestPlan           string   `json:"test_plan,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

// Handoff records the transfer of a directive between two phases.
type Handoff struct {
	ID          string `json:"id"`
	DirectiveID string `json:"directive_id"`
	FromPhase   string `json:"from_phase"`
	ToPhase     string `json:"to_phase"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// ApprovalRequest is the APPROVAL phase artifact.
type ApprovalRequest struct {
	ID          string `json:"id"`
	DirectiveID string `json:"directive_id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	RequestedAt string `json:"requested_at" format:"date-time"`
	DecidedAt   string `json:"decided_at,omitempty" format:"date-time"`
	Decider     string `json:"decider,omitempty"`
}

// Retrospective is the post-run record; its absence is a recommendation,
// never a failure.
type Retrospective struct {
	ID          string `json:"id"`
	DirectiveID string `json:"directive_id"`
	SessionID   string `json:"session_id"`
	Learnings   string `json:"learnings,omitempty"`
	CompletedAt string `json:"completed_at" format:"date-time"`
}

// Verification stores the confidence score computed during VERIFICATION.
type Verification struct {
	ID          string `json:"id"`
	DirectiveID string `json:"directive_id"`
	SessionID   string `json:"session_id"`
	Confidence  int    `json:"confidence"`
	Summary     string `json:"summary,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Incident is a deduplicated failure record. At most one incident with
// status OPEN or IN_REVIEW exists per failure signature.
type Incident struct {
	ID               string `json:"id"`
	FailureSignature string `json:"failure_signature"`
	ScopeType        string `json:"scope_type"`
	ScopeID          string `json:"scope_id"`
	DirectiveID      string `json:"directive_id,omitempty"`
	TriggerSource    string `json:"trigger_source"`
	TriggerTier      int    `json:"trigger_tier"`
	ProblemStatement string `json:"problem_statement"`
	Observed         string `json:"observed,omitempty"`
	Expected         string `json:"expected,omitempty"`
	Evidence         string `json:"evidence,omitempty"`
	Confidence       int    `json:"confidence"`
	ImpactLevel      string `json:"impact_level"`
	LikelihoodLevel  string `json:"likelihood_level"`
	Status           string `json:"status"`
	RecurrenceCount  int    `json:"recurrence_count"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}
