// Package phase defines the fixed five-phase sequence of the protocol and
// the closed set of gate requirements each phase enforces. Membership is
// fixed at compile time; there is no runtime registration and no wildcard
// fallback for unknown requirement names.
package phase

// Phase is one step of the ordered protocol sequence.
type Phase string

const (
	Lead         Phase = "LEAD"
	Plan         Phase = "PLAN"
	Exec         Phase = "EXEC"
	Verification Phase = "VERIFICATION"
	Approval     Phase = "APPROVAL"
)

// Sequence is the immutable phase order every directive moves through.
var Sequence = []Phase{Lead, Plan, Exec, Verification, Approval}

// Index returns the position of p in the sequence, or -1.
func Index(p Phase) int {
	for i, ph := range Sequence {
		if ph == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a member of the sequence.
func Valid(p Phase) bool {
	return Index(p) >= 0
}

// Requirement is a named boolean gate check scoped to exactly one phase.
type Requirement string

const (
	// LEAD
	SessionPrologueCompleted   Requirement = "session_prologue_completed"
	PriorityJustified          Requirement = "priority_justified"
	StrategicObjectivesDefined Requirement = "strategic_objectives_defined"
	HandoffRecorded            Requirement = "handoff_recorded"
	OverEngineeringCheckRun    Requirement = "over_engineering_check_run"

	// PLAN
	RequirementsDocumentCreated Requirement = "requirements_document_created"
	AcceptanceCriteriaDefined   Requirement = "acceptance_criteria_defined"
	TestPlanCreated             Requirement = "test_plan_created"
	SubAgentsActivated          Requirement = "sub_agents_activated"
	HandoffFromLeadReceived     Requirement = "handoff_from_lead_received"

	// EXEC
	RequirementsDocumentApproved Requirement = "requirements_document_approved"
	CorrectApplicationVerified   Requirement = "correct_application_verified"
	ImplementationCompleted      Requirement = "implementation_completed"
	ScreenshotsTaken             Requirement = "screenshots_taken"
	GitCommitCreated             Requirement = "git_commit_created"
	GitHubPushCompleted          Requirement = "github_push_completed"

	// VERIFICATION
	AllTestsExecuted           Requirement = "all_tests_executed"
	AcceptanceCriteriaVerified Requirement = "acceptance_criteria_verified"
	SubAgentConsensus          Requirement = "sub_agent_consensus"
	SupervisorVerificationDone Requirement = "supervisor_verification_done"
	ConfidenceScoreCalculated  Requirement = "confidence_score_calculated"

	// APPROVAL
	ApprovalRequested      Requirement = "approval_requested"
	OverEngineeringRubric  Requirement = "over_engineering_rubric_run"
	HumanDecisionReceived  Requirement = "human_decision_received"
	DirectiveStatusUpdated Requirement = "directive_status_updated"
)

// requirements maps each phase to its fixed, ordered requirement list.
var requirements = map[Phase][]Requirement{
	Lead: {
		SessionPrologueCompleted,
		PriorityJustified,
		StrategicObjectivesDefined,
		HandoffRecorded,
		OverEngineeringCheckRun,
	},
	Plan: {
		RequirementsDocumentCreated,
		AcceptanceCriteriaDefined,
		TestPlanCreated,
		SubAgentsActivated,
		HandoffFromLeadReceived,
	},
	Exec: {
		RequirementsDocumentApproved,
		CorrectApplicationVerified,
		ImplementationCompleted,
		ScreenshotsTaken,
		GitCommitCreated,
		GitHubPushCompleted,
	},
	Verification: {
		AllTestsExecuted,
		AcceptanceCriteriaVerified,
		SubAgentConsensus,
		SupervisorVerificationDone,
		ConfidenceScoreCalculated,
	},
	Approval: {
		ApprovalRequested,
		OverEngineeringRubric,
		HumanDecisionReceived,
		DirectiveStatusUpdated,
	},
}

// Requirements returns the fixed requirement list for a phase. The returned
// slice must not be mutated.
func Requirements(p Phase) []Requirement {
	return requirements[p]
}

// assumable lists requirements whose outcome cannot be computed from
// datastore or filesystem state. They default to pass and the default is
// recorded in the decision log (fail-open); every other requirement is
// fail-closed.
var assumable = map[Requirement]bool{
	SubAgentsActivated:         true,
	ImplementationCompleted:    true,
	ScreenshotsTaken:           true,
	GitHubPushCompleted:        true,
	AllTestsExecuted:           true,
	AcceptanceCriteriaVerified: true,
	SubAgentConsensus:          true,
	SupervisorVerificationDone: true,
	HumanDecisionReceived:      true,
}

// Assumable reports whether r defaults to pass when it cannot be checked.
func Assumable(r Requirement) bool {
	return assumable[r]
}
