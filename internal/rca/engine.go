package rca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"govline/internal/audit"
	"govline/internal/domain"
	"govline/internal/repo"
)

// DuplicateCheckError means the open-incident lookup itself failed. The
// caller must surface it; creating a new incident on a failed lookup would
// break deduplication.
type DuplicateCheckError struct {
	Signature string
	Err       error
}

func (e *DuplicateCheckError) Error() string {
	return fmt.Sprintf("duplicate check for %s: %v", e.Signature, e.Err)
}

func (e *DuplicateCheckError) Unwrap() error { return e.Err }

// ErrNotRunning is returned when events are submitted outside Run.
var ErrNotRunning = errors.New("rca engine is not running")

// ForensicHook receives each newly created incident, best effort.
type ForensicHook func(ctx context.Context, in domain.Incident) error

type state int

const (
	stateNotStarted state = iota
	stateRunning
	stateStopped
)

// Engine turns failure events into incidents. Events arrive on typed
// channels consumed by Run, or synchronously through the Handle methods.
type Engine struct {
	Repo  repo.Repo
	Audit audit.Writer
	Log   *slog.Logger
	Now   func() time.Time
	// Hook runs after an incident is created. Failures are retried with
	// backoff, then logged; they never fail the incident write.
	Hook ForensicHook

	subtasks   chan SubTaskEvent
	tests      chan TestFailureEvent
	quality    chan QualityScoreEvent
	rejections chan HandoffRejectionEvent

	mu sync.Mutex
	st state
}

// NewEngine returns an engine with buffered event channels.
func NewEngine(r repo.Repo, aw audit.Writer, log *slog.Logger) *Engine {
	return &Engine{
		Repo:       r,
		Audit:      aw,
		Log:        log,
		subtasks:   make(chan SubTaskEvent, 64),
		tests:      make(chan TestFailureEvent, 64),
		quality:    make(chan QualityScoreEvent, 64),
		rejections: make(chan HandoffRejectionEvent, 64),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// Run consumes events until ctx is cancelled. It may be started once.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.st != stateNotStarted {
		e.mu.Unlock()
		return errors.New("rca engine already started")
	}
	e.st = stateRunning
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.st = stateStopped
		e.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.subtasks:
			e.handle(ctx, func() (domain.Incident, bool, error) { return e.HandleSubTask(ctx, ev) })
		case ev := <-e.tests:
			e.handle(ctx, func() (domain.Incident, bool, error) { return e.HandleTestFailure(ctx, ev) })
		case ev := <-e.quality:
			e.handle(ctx, func() (domain.Incident, bool, error) { return e.HandleQualityScore(ctx, ev) })
		case ev := <-e.rejections:
			e.handle(ctx, func() (domain.Incident, bool, error) { return e.HandleHandoffRejection(ctx, ev) })
		}
	}
}

func (e *Engine) handle(ctx context.Context, fn func() (domain.Incident, bool, error)) {
	if _, _, err := fn(); err != nil {
		e.log().Error("process failure event", "error", err)
	}
}

func (e *Engine) running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st == stateRunning
}

func (e *Engine) OnSubTask(ctx context.Context, ev SubTaskEvent) error {
	if !e.running() {
		return ErrNotRunning
	}
	select {
	case e.subtasks <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) OnTestFailure(ctx context.Context, ev TestFailureEvent) error {
	if !e.running() {
		return ErrNotRunning
	}
	select {
	case e.tests <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) OnQualityScore(ctx context.Context, ev QualityScoreEvent) error {
	if !e.running() {
		return ErrNotRunning
	}
	select {
	case e.quality <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) OnHandoffRejection(ctx context.Context, ev HandoffRejectionEvent) error {
	if !e.running() {
		return ErrNotRunning
	}
	select {
	case e.rejections <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleSubTask classifies and records a sub-task event. The bool reports
// whether a new incident was created (as opposed to a recurrence bump or no
// trigger at all).
func (e *Engine) HandleSubTask(ctx context.Context, ev SubTaskEvent) (domain.Incident, bool, error) {
	cand, ok := ClassifySubTask(ev)
	if !ok {
		return domain.Incident{}, false, nil
	}
	return e.RecordIncident(ctx, cand)
}

func (e *Engine) HandleTestFailure(ctx context.Context, ev TestFailureEvent) (domain.Incident, bool, error) {
	cand, ok := ClassifyTestFailure(ev, e.now())
	if !ok {
		return domain.Incident{}, false, nil
	}
	return e.RecordIncident(ctx, cand)
}

func (e *Engine) HandleQualityScore(ctx context.Context, ev QualityScoreEvent) (domain.Incident, bool, error) {
	cand, ok := ClassifyQualityScore(ev)
	if !ok {
		return domain.Incident{}, false, nil
	}
	return e.RecordIncident(ctx, cand)
}

func (e *Engine) HandleHandoffRejection(ctx context.Context, ev HandoffRejectionEvent) (domain.Incident, bool, error) {
	cand, ok := ClassifyHandoffRejection(ev)
	if !ok {
		return domain.Incident{}, false, nil
	}
	return e.RecordIncident(ctx, cand)
}

// RecordIncident writes a candidate to the datastore, deduplicating on the
// failure signature. An existing OPEN or IN_REVIEW incident absorbs the
// event as a recurrence; otherwise a new incident is created. Two writers
// racing on the same signature are resolved by the unique index: the loser
// falls back to the recurrence path.
func (e *Engine) RecordIncident(ctx context.Context, cand Candidate) (domain.Incident, bool, error) {
	existing, err := e.Repo.FindOpenIncident(ctx, cand.Signature)
	if err == nil {
		return e.bumpRecurrence(ctx, existing, cand)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Incident{}, false, &DuplicateCheckError{Signature: cand.Signature, Err: err}
	}

	now := e.now().UTC().Format(time.RFC3339)
	in := domain.Incident{
		ID:               uuid.NewString(),
		FailureSignature: cand.Signature,
		ScopeType:        cand.ScopeType,
		ScopeID:          cand.ScopeID,
		DirectiveID:      cand.DirectiveID,
		TriggerSource:    cand.Source,
		TriggerTier:      cand.Tier,
		ProblemStatement: cand.ProblemStatement,
		Observed:         cand.Observed,
		Expected:         cand.Expected,
		Evidence:         cand.Evidence.String(),
		Confidence:       Score(cand.Evidence),
		ImpactLevel:      impactLevel(cand.Tier),
		LikelihoodLevel:  likelihoodLevel(cand.Tier),
		Status:           "OPEN",
		RecurrenceCount:  0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = e.Repo.InsertIncident(ctx, in)
	if repo.IsUniqueViolation(err) {
		// Lost the race; the other writer's incident takes the recurrence.
		existing, lerr := e.Repo.FindOpenIncident(ctx, cand.Signature)
		if lerr != nil {
			return domain.Incident{}, false, &DuplicateCheckError{Signature: cand.Signature, Err: lerr}
		}
		return e.bumpRecurrence(ctx, existing, cand)
	}
	if err != nil {
		return domain.Incident{}, false, fmt.Errorf("insert incident: %w", err)
	}

	e.decide(ctx, in, fmt.Sprintf("opened tier %d incident", in.TriggerTier), cand.ProblemStatement)
	e.runHook(ctx, in)
	e.log().Info("incident opened", "incident", in.ID, "signature", in.FailureSignature, "tier", in.TriggerTier)
	return in, true, nil
}

func (e *Engine) bumpRecurrence(ctx context.Context, existing domain.Incident, cand Candidate) (domain.Incident, bool, error) {
	now := e.now().UTC().Format(time.RFC3339)
	err := e.Repo.IncrementIncidentRecurrence(ctx, existing.ID, now)
	if errors.Is(err, repo.ErrNotFound) {
		// Resolved between lookup and update; record the event fresh.
		return e.RecordIncident(ctx, cand)
	}
	if err != nil {
		return domain.Incident{}, false, fmt.Errorf("increment recurrence: %w", err)
	}
	in, err := e.Repo.GetIncident(ctx, existing.ID)
	if err != nil {
		return domain.Incident{}, false, err
	}
	e.decide(ctx, in, fmt.Sprintf("recorded recurrence %d", in.RecurrenceCount), cand.ProblemStatement)
	e.log().Info("incident recurrence", "incident", in.ID, "signature", in.FailureSignature, "count", in.RecurrenceCount)
	return in, false, nil
}

func (e *Engine) decide(ctx context.Context, in domain.Incident, action, reason string) {
	err := e.Audit.Append(ctx, audit.Entry{
		SessionID:    "rca",
		DirectiveID:  in.DirectiveID,
		DecisionType: audit.TypeRCATrigger,
		Action:       action,
		Reason:       reason,
	})
	if err != nil {
		e.log().Error("append rca decision", "incident", in.ID, "error", err)
	}
}

// runHook delivers the incident to the forensic hook with bounded retries.
// Hook failure never propagates; the incident row is already durable.
func (e *Engine) runHook(ctx context.Context, in domain.Incident) {
	if e.Hook == nil {
		return
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)
	err := backoff.Retry(func() error {
		return e.Hook(ctx, in)
	}, policy)
	if err != nil {
		e.log().Warn("forensic hook failed", "incident", in.ID, "error", err)
	}
}
