/*
ledger.go - Balance effects of terminal transitions

PURPOSE:
  Turns an evaluated Transition into the ledger postings it requires.
  The ledger is the source of truth; a user's balance is the sum of
  their entries and nothing else.

POSTING RULES:
  complaint  -> approved             credit  +points
  withdrawal -> approved | completed debit   -points (once; approved -> completed is a no-op)
  approved   -> rejected | under_review      reversal of the active posting

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Entries are never updated or deleted
  2. ONE ACTIVE POSTING: credits/debits minus reversals per entity is 0 or 1
  3. NO OVERDRAFT: a debit needs prior balance >= points, checked here and
     again inside the atomic commit
  4. PRIOR BALANCE = LEDGER SUM: never the cached points field

REVERT-THEN-REAPPROVE:
  Leaving approved posts a compensating reversal, so the entity returns to
  zero active postings and a later re-approval credits exactly once more.

EXAMPLE FLOW:
  1. sub_admin approves complaint (20):   credit   +20  balance 20
  2. admin rejects (higher authority):    reversal -20  balance 0
  3. super_admin reverts, admin approves: credit   +20  balance 20

SEE ALSO:
  - store.go: Commit re-checks cover and idempotency atomically
  - projection.go: Reads the ledger
*/
package approval

import (
	"fmt"
	"time"
)

// Posting is a ledger entry the commit must write. BalanceAfter is
// assigned by the store from the ledger sum inside the atomic unit.
type Posting struct {
	ID             EntryID
	UserID         UserID
	EntityID       EntityID
	EntityKind     Kind
	Type           EntryType
	Delta          int64
	RequireCover   bool // fail with InsufficientBalance if the sum would go negative
	Reason         string
	IdempotencyKey string
	CreatedBy      UserID
	CreatedAt      time.Time
}

// LedgerEngine plans balance effects. NewID generates entry IDs.
type LedgerEngine struct {
	NewID func() string
}

// PointsBearing reports whether entering status posts a balance effect.
func PointsBearing(kind Kind, status Status) bool {
	switch kind {
	case KindComplaint:
		return status == StatusApproved
	case KindWithdrawal:
		return status == StatusApproved || status == StatusCompleted
	}
	return false
}

// Plan returns the postings for transition t on entity e.
// entries are all ledger entries for e; prior is the owner's ledger sum.
func (l LedgerEngine) Plan(e *Entity, t Transition, entries []LedgerEntry, prior int64) ([]Posting, error) {
	active := ActivePostings(entries)
	if active < 0 || active > 1 {
		return nil, &DuplicateLedgerEntryError{EntityID: e.ID, Active: active}
	}

	wasBearing := PointsBearing(e.Kind, t.From)
	isBearing := PointsBearing(e.Kind, t.To)

	switch {
	case wasBearing && !isBearing:
		if active == 0 {
			return nil, nil
		}
		last, ok := lastPosting(entries)
		if !ok {
			return nil, nil
		}
		return []Posting{l.posting(e, t, EntryReversal, -last.Delta, false,
			fmt.Sprintf("reversal of %s on %s: %s", last.ID, t.Action, t.Reason))}, nil

	case isBearing:
		if active == 1 {
			if wasBearing {
				// approved -> completed keeps the existing debit
				return nil, nil
			}
			return nil, &DuplicateLedgerEntryError{EntityID: e.ID, Active: active}
		}
		switch e.Kind {
		case KindComplaint:
			if t.Points == 0 {
				return nil, nil
			}
			return []Posting{l.posting(e, t, EntryCredit, t.Points, false, "complaint approved")}, nil
		case KindWithdrawal:
			if t.Points == 0 {
				return nil, nil
			}
			if prior < t.Points {
				return nil, &InsufficientBalanceError{UserID: e.OwnerID, Available: prior, Requested: t.Points}
			}
			return []Posting{l.posting(e, t, EntryDebit, -t.Points, true, "withdrawal "+string(t.To))}, nil
		}
	}
	return nil, nil
}

func (l LedgerEngine) posting(e *Entity, t Transition, typ EntryType, delta int64, cover bool, reason string) Posting {
	id := ""
	if l.NewID != nil {
		id = l.NewID()
	}
	return Posting{
		ID:             EntryID(id),
		UserID:         e.OwnerID,
		EntityID:       e.ID,
		EntityKind:     e.Kind,
		Type:           typ,
		Delta:          delta,
		RequireCover:   cover,
		Reason:         reason,
		IdempotencyKey: fmt.Sprintf("%s:%s:v%d", e.ID, typ, e.Version+1),
		CreatedBy:      t.Actor.ID,
		CreatedAt:      t.At,
	}
}

// lastPosting returns the most recent credit or debit.
func lastPosting(entries []LedgerEntry) (LedgerEntry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == EntryCredit || entries[i].Type == EntryDebit {
			return entries[i], true
		}
	}
	return LedgerEntry{}, false
}

// BalanceAt replays entries up to and including at.
func BalanceAt(entries []LedgerEntry, at time.Time) int64 {
	var total int64
	for _, e := range entries {
		if e.CreatedAt.After(at) {
			continue
		}
		total += e.Delta
	}
	return total
}

// CheckPostings validates postings against the entity's committed entries
// and the owner's committed balance. Stores call it inside the atomic commit.
func CheckPostings(postings []Posting, entityEntries []LedgerEntry, balance int64) error {
	active := ActivePostings(entityEntries)
	for _, p := range postings {
		switch p.Type {
		case EntryCredit, EntryDebit:
			if active != 0 {
				return &DuplicateLedgerEntryError{EntityID: p.EntityID, Active: active + 1}
			}
			active++
		case EntryReversal:
			if active != 1 {
				return &DuplicateLedgerEntryError{EntityID: p.EntityID, Active: active - 1}
			}
			active--
		}
		if p.RequireCover && balance+p.Delta < 0 {
			return &InsufficientBalanceError{UserID: p.UserID, Available: balance, Requested: -p.Delta}
		}
		balance += p.Delta
	}
	return nil
}
