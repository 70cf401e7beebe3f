/*
Package approval provides the points ledger and hierarchical approval engine.

PURPOSE:
  Complaints and withdrawal requests move through a role-ordered approval
  chain. Terminal decisions change a citizen's point balance exactly once,
  and every step is recorded in an append-only timeline so any balance can
  be reconstructed from history.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entity: A complaint or withdrawal under review (the approvable unit)
  - TimelineEvent: Immutable record of one accepted transition
  - LedgerEntry: Immutable balance change tied to one entity
  - Principal: The authenticated actor supplied by Identity/Auth

DESIGN PRINCIPLES:
  1. Immutability: Timeline and ledger rows are never modified, only appended
  2. Single writer per version: Every accepted transition bumps Version
  3. Type Safety: UserID and Role are distinct types, never compared
  4. Ledger is truth: The cached points field is always recomputable

USAGE:
  entity, _ := intake.SubmitComplaint(ctx, "citizen-1", 20, "bus skipped stop", nil)
  result, err := workflow.AttemptTransition(ctx, approval.Attempt{
      EntityID:  entity.ID,
      Principal: approval.Principal{ID: "admin-7", Role: "admin"},
      Decision:  approval.ApproveDecision{},
  })

SEE ALSO:
  - machine.go: Transition rules and eligibility
  - ledger.go: Balance effects of terminal transitions
  - store.go: Persistence contract and atomic commit
*/
package approval

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string
type UserID string
type EntryID string

// Role is an administrative role name from the approval hierarchy.
// It is never compared against a UserID.
type Role string

// Principal is the authenticated caller. The engine trusts it as given.
type Principal struct {
	ID   UserID
	Role Role
}

// =============================================================================
// ENTITY KINDS AND STATUSES
// =============================================================================

type Kind string

const (
	KindComplaint  Kind = "complaint"
	KindWithdrawal Kind = "withdrawal"
)

func (k Kind) Valid() bool {
	return k == KindComplaint || k == KindWithdrawal
}

type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusCompleted   Status = "completed" // withdrawals only: payout done
)

// IsTerminal reports whether a status is a decision outcome.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCompleted
}

// =============================================================================
// TIMELINE
// =============================================================================

type Action string

const (
	ActionCreated  Action = "created"
	ActionReview   Action = "review"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionRevert   Action = "revert"
	ActionComplete Action = "complete"
)

// IsDecision reports whether the action is a terminal decision that locks
// out lower ranks.
func (a Action) IsDecision() bool {
	return a == ActionApprove || a == ActionReject
}

const (
	// RankNone marks events not made by a ranked actor (creation).
	RankNone = -1
	// RankOverride is recorded for the override role; it outranks any
	// hierarchy position, including ones added later.
	RankOverride = 1 << 30
)

// TimelineEvent is one accepted transition. Never mutated or deleted.
type TimelineEvent struct {
	Seq       int
	Action    Action
	From      Status // empty for the creation event
	To        Status
	ActorID   UserID
	ActorRole Role
	ActorRank int // hierarchy index at decision time
	Reason    string
	AttemptID string // caller idempotency key, optional
	At        time.Time
}

// =============================================================================
// ENTITY
// =============================================================================

// Entity is a complaint or withdrawal. Created pending, mutated only through
// the state machine, never deleted.
//
// INVARIANTS:
//   - len(Timeline) >= 1
//   - Timeline[len-1].To == Status
//   - Version increments on every accepted transition
type Entity struct {
	ID           EntityID
	Kind         Kind
	OwnerID      UserID
	Status       Status
	Version      int64
	PointsValue  int64 // complaint: awarded on approval; withdrawal: amount to debit
	Description  string
	EvidenceRefs []string // opaque media references
	Timeline     []TimelineEvent
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LastEvent returns the most recent timeline event.
func (e *Entity) LastEvent() (TimelineEvent, bool) {
	if len(e.Timeline) == 0 {
		return TimelineEvent{}, false
	}
	return e.Timeline[len(e.Timeline)-1], true
}

// LastDecision returns the most recent approve/reject event.
func (e *Entity) LastDecision() (TimelineEvent, bool) {
	for i := len(e.Timeline) - 1; i >= 0; i-- {
		if e.Timeline[i].Action.IsDecision() {
			return e.Timeline[i], true
		}
	}
	return TimelineEvent{}, false
}

// FindAttempt returns the event recorded for a caller attempt ID.
func (e *Entity) FindAttempt(attemptID string) (TimelineEvent, bool) {
	if attemptID == "" {
		return TimelineEvent{}, false
	}
	for _, ev := range e.Timeline {
		if ev.AttemptID == attemptID {
			return ev, true
		}
	}
	return TimelineEvent{}, false
}

// Clone returns a deep copy safe to mutate.
func (e *Entity) Clone() *Entity {
	c := *e
	c.EvidenceRefs = append([]string(nil), e.EvidenceRefs...)
	c.Timeline = append([]TimelineEvent(nil), e.Timeline...)
	return &c
}

// =============================================================================
// LEDGER ENTRY - Immutable balance change
// =============================================================================

type EntryType string

const (
	EntryCredit   EntryType = "credit"   // complaint approved
	EntryDebit    EntryType = "debit"    // withdrawal approved/completed
	EntryReversal EntryType = "reversal" // compensates a credit/debit when a decision is undone
)

// LedgerEntry is written once and never modified. A user's balance is the
// sum of their entries' Delta.
type LedgerEntry struct {
	ID             EntryID
	Seq            int64 // global insertion order, breaks CreatedAt ties
	UserID         UserID
	EntityID       EntityID
	EntityKind     Kind
	Type           EntryType
	Delta          int64
	BalanceAfter   int64
	Reason         string
	IdempotencyKey string
	CreatedBy      UserID
	CreatedAt      time.Time
}

// ActivePostings returns credits/debits minus reversals for one entity's
// entries. Valid ledgers only ever hold 0 or 1.
func ActivePostings(entries []LedgerEntry) int {
	n := 0
	for _, e := range entries {
		switch e.Type {
		case EntryCredit, EntryDebit:
			n++
		case EntryReversal:
			n--
		}
	}
	return n
}

// SumDeltas returns the sum of entry deltas.
func SumDeltas(entries []LedgerEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Delta
	}
	return total
}
