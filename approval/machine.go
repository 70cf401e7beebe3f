/*
machine.go - Approval state machine

PURPOSE:
  Decides whether one actor may move one entity to a new status. Pure:
  no I/O, no clock, no mutation. The workflow commits the result.

STATES:
  pending ──▶ under_review ──▶ approved ──▶ completed (withdrawals)
     │              │             ▲  │
     │              └──────────▶ rejected
     │                            │  │
     └── override / sole rung ────┘  └──▶ under_review (override revert)

ELIGIBILITY (non-override actors):
  idx = position of actor.Role in the hierarchy
  eligible iff idx >= 0 AND no approve/reject event has ActorRank > idx

  A higher rank may flip a lower rank's terminal decision (approved <->
  rejected). The same or a lower rank may not.

OVERRIDE:
  The override role bypasses the position check. It may move any
  non-terminal entity anywhere, and is the only role that may revert
  approved/rejected back to under_review. Revert always needs a reason.

CHECK ORDER:
  MissingReason -> InvalidTransition -> NotEligible

SEE ALSO:
  - decision.go: Decision variants
  - workflow.go: Commits the Transition
*/
package approval

import (
	"fmt"
	"time"
)

// Transition is an evaluated, not yet committed, status change.
type Transition struct {
	EntityID EntityID
	Kind     Kind
	From     Status
	To       Status
	Action   Action
	Actor    Principal
	Rank     int
	Reason   string
	Points   int64 // points value after this transition
	At       time.Time
}

// Event builds the timeline event recorded for this transition.
func (t Transition) Event(seq int, attemptID string) TimelineEvent {
	return TimelineEvent{
		Seq:       seq,
		Action:    t.Action,
		From:      t.From,
		To:        t.To,
		ActorID:   t.Actor.ID,
		ActorRole: t.Actor.Role,
		ActorRank: t.Rank,
		Reason:    t.Reason,
		AttemptID: attemptID,
		At:        t.At,
	}
}

// Evaluate checks decision d by actor against entity e under hierarchy h.
func Evaluate(e *Entity, actor Principal, d Decision, h Hierarchy, at time.Time) (Transition, error) {
	if d == nil {
		return Transition{}, fmt.Errorf("%w: decision is required", ErrInvalidInput)
	}

	switch d.(type) {
	case RejectDecision, RevertDecision:
		if d.reason() == "" {
			return Transition{}, fmt.Errorf("%s: %w", d.Action(), ErrMissingReason)
		}
	}

	if !reachable(e.Kind, e.Status, d) {
		return Transition{}, &InvalidTransitionError{Kind: e.Kind, From: e.Status, To: d.Target()}
	}

	if err := checkEligible(e, actor, d, h); err != nil {
		return Transition{}, err
	}

	points := e.PointsValue
	if a, ok := d.(ApproveDecision); ok && e.Kind == KindComplaint && a.Points > 0 {
		points = a.Points
	}

	return Transition{
		EntityID: e.ID,
		Kind:     e.Kind,
		From:     e.Status,
		To:       d.Target(),
		Action:   d.Action(),
		Actor:    actor,
		Rank:     h.RankOf(actor.Role),
		Reason:   d.reason(),
		Points:   points,
		At:       at,
	}, nil
}

// reachable reports whether any rule allows d from status from.
func reachable(kind Kind, from Status, d Decision) bool {
	switch d.(type) {
	case ReviewDecision:
		return from == StatusPending
	case ApproveDecision:
		return from == StatusPending || from == StatusUnderReview || from == StatusRejected
	case RejectDecision:
		return from == StatusPending || from == StatusUnderReview || from == StatusApproved
	case RevertDecision:
		return from == StatusApproved || from == StatusRejected
	case CompleteDecision:
		return kind == KindWithdrawal && from == StatusApproved
	}
	return false
}

func checkEligible(e *Entity, actor Principal, d Decision, h Hierarchy) error {
	if h.IsOverride(actor.Role) {
		return nil
	}

	if _, ok := d.(RevertDecision); ok {
		return &NotEligibleError{Actor: actor, Reason: fmt.Sprintf("only %s may revert a decision", h.Override)}
	}

	idx := h.IndexOf(actor.Role)
	if idx < 0 {
		return &NotEligibleError{Actor: actor, Reason: fmt.Sprintf("role is not in the %s approval hierarchy", e.Kind)}
	}

	for _, ev := range e.Timeline {
		if ev.Action.IsDecision() && ev.ActorRank > idx {
			return &NotEligibleError{Actor: actor, Reason: "higher authority already decided"}
		}
	}

	switch e.Status {
	case StatusPending:
		if d.Target() != StatusUnderReview && !h.SoleRung() {
			return &NotEligibleError{Actor: actor, Reason: "entity must be placed under review first"}
		}
	case StatusApproved, StatusRejected:
		if _, ok := d.(CompleteDecision); ok {
			return nil
		}
		if last, ok := e.LastDecision(); ok && last.ActorRank >= idx {
			return &NotEligibleError{Actor: actor, Reason: "a decision was already made at this level"}
		}
	}
	return nil
}
