/*
store.go - Persistence contract for entities, timeline and ledger

PURPOSE:
  Defines the boundary between the engine and the database. The store
  holds the single authoritative copy of every entity, its timeline,
  the ledger, and the cached user balance.

ATOMIC COMMIT:
  Commit() is the only way an existing entity changes. In one unit it
  must:
    1. compare-and-set: apply iff stored version == ExpectedVersion
    2. set status/points, bump version, append the timeline event
    3. re-check ledger postings (CheckPostings) against committed rows
    4. append ledger entries, assigning BalanceAfter from the ledger sum
    5. set the user's cached points to the new ledger sum
  Either everything is visible to readers or nothing is. A loser of a
  version race gets ErrStaleVersion with no partial effect.

APPEND-ONLY CONTRACT:
  There is no method that updates or deletes a ledger entry or a
  timeline event.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, one database/sql transaction per commit
  - approval/store/memory.go: In-memory, one mutex section per commit

SEE ALSO:
  - ledger.go: CheckPostings
  - workflow.go: Caller of Commit
*/
package approval

import "context"

// Commit is one transition's complete write set.
type Commit struct {
	EntityID        EntityID
	ExpectedVersion int64
	To              Status
	PointsValue     int64
	Event           TimelineEvent
	Postings        []Posting
}

// Store persists entities, timeline events and ledger entries.
type Store interface {
	// CreateEntity inserts a new entity with its creation event.
	CreateEntity(ctx context.Context, e Entity) error

	// GetEntity returns the entity with its full timeline, or ErrEntityNotFound.
	GetEntity(ctx context.Context, id EntityID) (*Entity, error)

	// ListEntities returns entities matching filter, oldest first.
	ListEntities(ctx context.Context, f EntityFilter) ([]Entity, error)

	// Commit applies one transition atomically. See package docs above.
	Commit(ctx context.Context, c Commit) (*Entity, []LedgerEntry, error)

	// LedgerByEntity returns the entity's entries in insertion order.
	LedgerByEntity(ctx context.Context, id EntityID) ([]LedgerEntry, error)

	// LedgerByUser returns the user's entries in insertion order.
	LedgerByUser(ctx context.Context, userID UserID) ([]LedgerEntry, error)

	// LedgerBalance returns the sum of the user's entries.
	LedgerBalance(ctx context.Context, userID UserID) (int64, error)

	// EnsureUser creates the user's cache row at zero if missing.
	EnsureUser(ctx context.Context, userID UserID) error

	// CachedBalance returns the cached points field; ok is false when the
	// user has no record.
	CachedBalance(ctx context.Context, userID UserID) (points int64, ok bool, err error)

	// SetCachedBalance overwrites the cached points field.
	SetCachedBalance(ctx context.Context, userID UserID, points int64) error

	// CountUsersAbove counts users whose ledger sum is strictly greater than points.
	CountUsersAbove(ctx context.Context, points int64) (int, error)
}

// EntityFilter narrows ListEntities. Zero fields match everything.
type EntityFilter struct {
	Kind    Kind
	Status  Status
	OwnerID UserID
	Limit   int
}

// Matches reports whether e passes the filter.
func (f EntityFilter) Matches(e *Entity) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.OwnerID != "" && e.OwnerID != f.OwnerID {
		return false
	}
	return true
}
