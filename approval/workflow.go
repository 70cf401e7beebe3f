/*
workflow.go - The single mutation entry point

PURPOSE:
  Orchestrates one approval attempt end to end:

  ┌───────────┐   ┌───────────┐   ┌──────────┐   ┌──────────┐   ┌─────────┐
  │ read      │──▶│ hierarchy │──▶│ evaluate │──▶│ plan     │──▶│ commit  │──▶ publish
  │ snapshot  │   │ (fresh)   │   │ (pure)   │   │ ledger   │   │ (CAS)   │
  └───────────┘   └───────────┘   └──────────┘   └──────────┘   └─────────┘

STALE VERSIONS:
  AttemptTransition retries exactly once on ErrStaleVersion, after a fresh
  read and a full re-evaluation. The newer version may be a higher
  authority's decision, so a stale attempt is never replayed blindly.
  TransitionFrom never retries.

ATTEMPT IDS:
  A caller that timed out cannot know whether its commit landed. Passing
  the same AttemptID on retry returns the recorded event instead of
  committing a second, logically duplicate decision.

EVENTS:
  DecisionMade is published after commit. Publish errors are logged and
  swallowed; the committed transition stands.
*/
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Attempt is one caller request to move an entity.
type Attempt struct {
	EntityID  EntityID
	Principal Principal
	Decision  Decision
	AttemptID string // optional idempotency key
}

// TransitionResult is a committed (or replayed) transition.
type TransitionResult struct {
	Entity   *Entity
	Event    TimelineEvent
	Entries  []LedgerEntry // ledger entries written by this transition
	Replayed bool          // AttemptID matched an already committed event
}

// TransitionRecorder receives one outcome per attempt. Optional.
type TransitionRecorder interface {
	RecordTransition(kind, action, outcome string)
}

// Workflow holds all dependencies for approval attempts.
type Workflow struct {
	Store        Store
	Hierarchy    HierarchySource
	OverrideRole Role
	Ledger       LedgerEngine
	Publisher    Publisher
	Recorder     TransitionRecorder
	Logger       *zap.Logger
	Now          func() time.Time
}

// NewWorkflow creates a workflow with default collaborators.
func NewWorkflow(store Store, hierarchy HierarchySource, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		Store:        store,
		Hierarchy:    hierarchy,
		OverrideRole: DefaultOverrideRole,
		Ledger:       LedgerEngine{NewID: uuid.NewString},
		Publisher:    NopPublisher{},
		Logger:       logger,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// AttemptTransition reads the entity, evaluates and commits the attempt.
// On a version race it re-reads and re-evaluates once.
func (w *Workflow) AttemptTransition(ctx context.Context, a Attempt) (*TransitionResult, error) {
	snapshot, err := w.Store.GetEntity(ctx, a.EntityID)
	if err != nil {
		return nil, persistenceError("load entity", err)
	}

	result, err := w.TransitionFrom(ctx, snapshot, a)
	if !errors.Is(err, ErrStaleVersion) {
		return result, err
	}

	w.logger().Debug("stale version, re-evaluating",
		zap.String("entity_id", string(a.EntityID)),
		zap.Int64("read_version", snapshot.Version),
		zap.String("actor_id", string(a.Principal.ID)),
	)

	fresh, err := w.Store.GetEntity(ctx, a.EntityID)
	if err != nil {
		return nil, persistenceError("reload entity", err)
	}
	result, err = w.TransitionFrom(ctx, fresh, a)
	if err != nil && !errors.Is(err, ErrStaleVersion) {
		return nil, errors.Join(ErrStaleVersion, err)
	}
	return result, err
}

// TransitionFrom evaluates and commits a against a caller-held snapshot.
// It never retries: a concurrent winner leaves the caller with ErrStaleVersion.
func (w *Workflow) TransitionFrom(ctx context.Context, snapshot *Entity, a Attempt) (*TransitionResult, error) {
	result, err := w.transition(ctx, snapshot, a)

	action := "unknown"
	if a.Decision != nil {
		action = string(a.Decision.Action())
	}
	if w.Recorder != nil {
		w.Recorder.RecordTransition(string(snapshot.Kind), action, ErrorCode(err))
	}
	return result, err
}

func (w *Workflow) transition(ctx context.Context, snapshot *Entity, a Attempt) (*TransitionResult, error) {
	if ev, ok := snapshot.FindAttempt(a.AttemptID); ok {
		return &TransitionResult{Entity: snapshot, Event: ev, Replayed: true}, nil
	}

	hierarchy, err := LoadHierarchy(ctx, w.Hierarchy, snapshot.Kind, w.OverrideRole)
	if err != nil {
		return nil, err
	}

	t, err := Evaluate(snapshot, a.Principal, a.Decision, hierarchy, w.now())
	if err != nil {
		return nil, err
	}

	entries, err := w.Store.LedgerByEntity(ctx, snapshot.ID)
	if err != nil {
		return nil, persistenceError("load entity ledger", err)
	}
	prior, err := w.Store.LedgerBalance(ctx, snapshot.OwnerID)
	if err != nil {
		return nil, persistenceError("load balance", err)
	}

	postings, err := w.Ledger.Plan(snapshot, t, entries, prior)
	if err != nil {
		w.logLedgerError(snapshot, err)
		return nil, err
	}

	event := t.Event(len(snapshot.Timeline), a.AttemptID)
	updated, written, err := w.Store.Commit(ctx, Commit{
		EntityID:        snapshot.ID,
		ExpectedVersion: snapshot.Version,
		To:              t.To,
		PointsValue:     t.Points,
		Event:           event,
		Postings:        postings,
	})
	if err != nil {
		w.logLedgerError(snapshot, err)
		return nil, persistenceError("commit transition", err)
	}

	w.logger().Info("transition committed",
		zap.String("entity_id", string(updated.ID)),
		zap.String("kind", string(updated.Kind)),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("actor_id", string(t.Actor.ID)),
		zap.String("actor_role", string(t.Actor.Role)),
		zap.Int64("version", updated.Version),
		zap.Int("ledger_entries", len(written)),
	)

	w.publish(ctx, updated, t, written)

	return &TransitionResult{Entity: updated, Event: event, Entries: written}, nil
}

func (w *Workflow) publish(ctx context.Context, e *Entity, t Transition, written []LedgerEntry) {
	if w.Publisher == nil || !emitsEvent(t.Action) {
		return
	}

	event := DecisionMade{
		EntityID: e.ID,
		Kind:     e.Kind,
		Action:   t.Action,
		From:     t.From,
		To:       t.To,
		UserID:   e.OwnerID,
		ActorID:  t.Actor.ID,
		Reason:   t.Reason,
		At:       t.At,
	}
	if len(written) > 0 {
		delta := SumDeltas(written)
		event.Delta = &delta
	}

	if err := w.Publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		w.logger().Warn("decision event not delivered",
			zap.String("entity_id", string(e.ID)),
			zap.String("action", string(t.Action)),
			zap.Error(err),
		)
	}
}

func (w *Workflow) logLedgerError(e *Entity, err error) {
	if errors.Is(err, ErrDuplicateLedgerEntry) {
		w.logger().Error("ledger idempotency violation",
			zap.String("entity_id", string(e.ID)),
			zap.String("user_id", string(e.OwnerID)),
			zap.Error(err),
		)
	}
}

func (w *Workflow) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

func (w *Workflow) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}
