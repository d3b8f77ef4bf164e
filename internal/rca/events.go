// Package rca converts failure events into deduplicated incident records.
// Classification is pure and deterministic; the same event always produces
// the same tier and failure signature.
package rca

import (
	"fmt"
	"time"
)

// Trigger sources, one per inbound event class.
const (
	SourceSubTaskFailure   = "SUBTASK_FAILURE"
	SourceTestFailure      = "TEST_FAILURE"
	SourceQualityGate      = "QUALITY_GATE"
	SourceHandoffRejection = "HANDOFF_REJECTION"
)

// Trigger tiers. Lower is more severe.
const (
	Tier1 = 1
	Tier2 = 2
	Tier3 = 3
)

// SubTaskEvent reports a sub-task that stopped making progress.
type SubTaskEvent struct {
	DirectiveID  string `json:"directive_id"`
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	Confidence   int    `json:"confidence"`
	ErrorMessage string `json:"error_message,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`
}

// TestFailureEvent reports a failing test, with the time it last passed.
type TestFailureEvent struct {
	DirectiveID  string    `json:"directive_id"`
	TestName     string    `json:"test_name"`
	LastPassedAt time.Time `json:"last_passed_at"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StackTrace   string    `json:"stack_trace,omitempty"`
}

// QualityScoreEvent reports a quality score movement for a scope.
type QualityScoreEvent struct {
	DirectiveID string `json:"directive_id"`
	Scope       string `json:"scope"`
	Previous    int    `json:"previous"`
	Current     int    `json:"current"`
}

// HandoffRejectionEvent reports a rejected phase handoff.
type HandoffRejectionEvent struct {
	DirectiveID    string `json:"directive_id"`
	HandoffType    string `json:"handoff_type"`
	RejectionCount int    `json:"rejection_count"`
	Reason         string `json:"reason,omitempty"`
}

// Candidate is a classified event ready to become an incident. Events that
// do not meet a trigger threshold never produce one.
type Candidate struct {
	Signature        string
	Source           string
	Tier             int
	ScopeType        string
	ScopeID          string
	DirectiveID      string
	ProblemStatement string
	Observed         string
	Expected         string
	Evidence         Evidence
}

// Evidence feeds the confidence score and is stored with the incident.
type Evidence struct {
	ErrorMessage string
	StackTrace   string
}

func (e Evidence) String() string {
	switch {
	case e.StackTrace != "":
		return e.StackTrace
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		return ""
	}
}

// Score computes incident confidence from available evidence: base 40, 20
// for a stack trace or 10 for an error message, plus a flat 10 for evidence
// strength. The result is always within [0, 100].
func Score(e Evidence) int {
	score := 40
	if e.StackTrace != "" {
		score += 20
	} else if e.ErrorMessage != "" {
		score += 10
	}
	score += 10
	if score > 100 {
		score = 100
	}
	return score
}

// SubTaskSignature is stable for a (task, directive) pair so repeats of the
// same failure deduplicate onto one incident.
func SubTaskSignature(taskID, directiveID string) string {
	return fmt.Sprintf("subtask:%s:%s", taskID, directiveID)
}

func TestRegressionSignature(testName, directiveID string) string {
	return fmt.Sprintf("test_regression:%s:%s", testName, directiveID)
}

func QualityGateSignature(scope, directiveID string) string {
	return fmt.Sprintf("quality_gate:%s:%s", scope, directiveID)
}

func HandoffRejectionSignature(handoffType, directiveID string) string {
	return fmt.Sprintf("handoff_rejection:%s:%s", handoffType, directiveID)
}

// ClassifySubTask triggers tier 1 for a blocked sub-task reported with
// confidence 90 or higher, tier 2 for a failed one at 80 or higher.
func ClassifySubTask(ev SubTaskEvent) (Candidate, bool) {
	var tier int
	switch {
	case ev.Status == "BLOCKED" && ev.Confidence >= 90:
		tier = Tier1
	case ev.Status == "FAILED" && ev.Confidence >= 80:
		tier = Tier2
	default:
		return Candidate{}, false
	}
	return Candidate{
		Signature:        SubTaskSignature(ev.TaskID, ev.DirectiveID),
		Source:           SourceSubTaskFailure,
		Tier:             tier,
		ScopeType:        "subtask",
		ScopeID:          ev.TaskID,
		DirectiveID:      ev.DirectiveID,
		ProblemStatement: fmt.Sprintf("sub-task %s reported %s", ev.TaskID, ev.Status),
		Observed:         ev.ErrorMessage,
		Expected:         "sub-task completes without intervention",
		Evidence: Evidence{
			ErrorMessage: ev.ErrorMessage,
			StackTrace:   ev.StackTrace,
		},
	}, true
}

// ClassifyTestFailure triggers tier 2 only for regressions: tests that
// passed within the last 24 hours relative to now. A long-broken test is
// noise, not a trigger.
func ClassifyTestFailure(ev TestFailureEvent, now time.Time) (Candidate, bool) {
	if ev.LastPassedAt.IsZero() || now.Sub(ev.LastPassedAt) > 24*time.Hour {
		return Candidate{}, false
	}
	return Candidate{
		Signature:        TestRegressionSignature(ev.TestName, ev.DirectiveID),
		Source:           SourceTestFailure,
		Tier:             Tier2,
		ScopeType:        "test",
		ScopeID:          ev.TestName,
		DirectiveID:      ev.DirectiveID,
		ProblemStatement: fmt.Sprintf("test %s regressed", ev.TestName),
		Observed:         ev.ErrorMessage,
		Expected:         fmt.Sprintf("test passing as of %s", ev.LastPassedAt.UTC().Format(time.RFC3339)),
		Evidence: Evidence{
			ErrorMessage: ev.ErrorMessage,
			StackTrace:   ev.StackTrace,
		},
	}, true
}

// ClassifyQualityScore triggers tier 1 when a score falls below 70 from at
// or above it, and tier 3 for a continued slide below 70 or any drop of 15
// or more points. Further slides share the crossing event's signature, so
// they land as recurrences on the incident it opened.
func ClassifyQualityScore(ev QualityScoreEvent) (Candidate, bool) {
	var tier int
	switch {
	case ev.Current < 70 && ev.Previous >= 70:
		tier = Tier1
	case ev.Current < 70 && ev.Current < ev.Previous:
		tier = Tier3
	case ev.Previous-ev.Current >= 15:
		tier = Tier3
	default:
		return Candidate{}, false
	}
	return Candidate{
		Signature:        QualityGateSignature(ev.Scope, ev.DirectiveID),
		Source:           SourceQualityGate,
		Tier:             tier,
		ScopeType:        "quality",
		ScopeID:          ev.Scope,
		DirectiveID:      ev.DirectiveID,
		ProblemStatement: fmt.Sprintf("quality score for %s dropped from %d to %d", ev.Scope, ev.Previous, ev.Current),
		Observed:         fmt.Sprintf("score %d", ev.Current),
		Expected:         fmt.Sprintf("score at or above %d", ev.Previous),
		Evidence: Evidence{
			ErrorMessage: fmt.Sprintf("quality drop of %d points", ev.Previous-ev.Current),
		},
	}, true
}

// ClassifyHandoffRejection triggers tier 2 after two or more rejections of
// the same handoff type.
func ClassifyHandoffRejection(ev HandoffRejectionEvent) (Candidate, bool) {
	if ev.RejectionCount < 2 {
		return Candidate{}, false
	}
	return Candidate{
		Signature:        HandoffRejectionSignature(ev.HandoffType, ev.DirectiveID),
		Source:           SourceHandoffRejection,
		Tier:             Tier2,
		ScopeType:        "handoff",
		ScopeID:          ev.HandoffType,
		DirectiveID:      ev.DirectiveID,
		ProblemStatement: fmt.Sprintf("handoff %s rejected %d times", ev.HandoffType, ev.RejectionCount),
		Observed:         ev.Reason,
		Expected:         "handoff accepted",
		Evidence: Evidence{
			ErrorMessage: ev.Reason,
		},
	}, true
}

// impactLevel and likelihoodLevel derive rating levels from the tier.
func impactLevel(tier int) string {
	switch tier {
	case Tier1:
		return "high"
	case Tier2:
		return "medium"
	default:
		return "low"
	}
}

func likelihoodLevel(tier int) string {
	if tier == Tier1 {
		return "high"
	}
	return "medium"
}
