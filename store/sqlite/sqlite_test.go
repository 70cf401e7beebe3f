package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/civic-points/approval"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var testNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func newTestEntity(id approval.EntityID, kind approval.Kind, owner approval.UserID, points int64) approval.Entity {
	return approval.Entity{
		ID:           id,
		Kind:         kind,
		OwnerID:      owner,
		Status:       approval.StatusPending,
		Version:      1,
		PointsValue:  points,
		Description:  "route 12 bus skipped stop",
		EvidenceRefs: []string{"media/a.jpg", "media/b.jpg"},
		Timeline: []approval.TimelineEvent{{
			Seq: 0, Action: approval.ActionCreated, To: approval.StatusPending,
			ActorID: owner, ActorRank: approval.RankNone, At: testNow,
		}},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}

func approveCommit(e approval.Entity, version int64, delta int64, entryID string) approval.Commit {
	typ := approval.EntryCredit
	if delta < 0 {
		typ = approval.EntryDebit
	}
	return approval.Commit{
		EntityID:        e.ID,
		ExpectedVersion: version,
		To:              approval.StatusApproved,
		PointsValue:     e.PointsValue,
		Event: approval.TimelineEvent{
			Seq: int(version), Action: approval.ActionApprove, From: approval.StatusPending,
			To: approval.StatusApproved, ActorID: "admin-1", ActorRole: "admin", ActorRank: 1,
			At: testNow.Add(time.Minute),
		},
		Postings: []approval.Posting{{
			ID: approval.EntryID(entryID), UserID: e.OwnerID, EntityID: e.ID, EntityKind: e.Kind,
			Type: typ, Delta: delta, RequireCover: delta < 0,
			IdempotencyKey: fmt.Sprintf("%s:%s:v%d", e.ID, typ, version+1),
			CreatedBy: "admin-1", CreatedAt: testNow.Add(time.Minute),
		}},
	}
}

func TestStore_CreateAndGetEntity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e := newTestEntity("c-1", approval.KindComplaint, "citizen-1", 50)
	require.NoError(t, store.CreateEntity(ctx, e))

	got, err := store.GetEntity(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, e.Kind, got.Kind)
	assert.Equal(t, e.EvidenceRefs, got.EvidenceRefs)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.Timeline, 1)
	assert.Equal(t, approval.RankNone, got.Timeline[0].ActorRank)

	_, err = store.GetEntity(ctx, "missing")
	assert.ErrorIs(t, err, approval.ErrEntityNotFound)

	err = store.CreateEntity(ctx, e)
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
}

func TestStore_CommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// GIVEN
	e := newTestEntity("c-1", approval.KindComplaint, "citizen-1", 50)
	require.NoError(t, store.CreateEntity(ctx, e))
	require.NoError(t, store.EnsureUser(ctx, "citizen-1"))

	// WHEN
	updated, written, err := store.Commit(ctx, approveCommit(e, 1, 50, "entry-1"))

	// THEN: status, version, timeline, ledger and cache move together
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, updated.Status)
	assert.EqualValues(t, 2, updated.Version)
	assert.Len(t, updated.Timeline, 2)
	require.Len(t, written, 1)
	assert.EqualValues(t, 50, written[0].BalanceAfter)
	assert.NotZero(t, written[0].Seq)

	stored, err := store.LedgerByEntity(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, stored[0].Seq, written[0].Seq)

	cached, ok, err := store.CachedBalance(ctx, "citizen-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 50, cached)
}

func TestStore_CommitStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e := newTestEntity("c-1", approval.KindComplaint, "citizen-1", 50)
	require.NoError(t, store.CreateEntity(ctx, e))
	_, _, err := store.Commit(ctx, approveCommit(e, 1, 50, "entry-1"))
	require.NoError(t, err)

	// WHEN: a second commit with the old version arrives
	_, _, err = store.Commit(ctx, approveCommit(e, 1, 50, "entry-2"))

	// THEN: nothing is applied
	assert.ErrorIs(t, err, approval.ErrStaleVersion)
	entries, err := store.LedgerByEntity(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, _, err = store.Commit(ctx, approveCommit(newTestEntity("nope", approval.KindComplaint, "x", 1), 1, 1, "entry-3"))
	assert.ErrorIs(t, err, approval.ErrEntityNotFound)
}

func TestStore_CommitRollsBackOnInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// GIVEN: a withdrawal larger than the balance
	w := newTestEntity("w-1", approval.KindWithdrawal, "citizen-1", 80)
	require.NoError(t, store.CreateEntity(ctx, w))

	// WHEN
	_, _, err := store.Commit(ctx, approveCommit(w, 1, -80, "entry-1"))

	// THEN: the entity is unchanged
	assert.ErrorIs(t, err, approval.ErrInsufficientBalance)
	got, err := store.GetEntity(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, got.Status)
	assert.EqualValues(t, 1, got.Version)
	assert.Len(t, got.Timeline, 1)
}

func TestStore_ConcurrentCommitsOneWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e := newTestEntity("c-1", approval.KindComplaint, "citizen-1", 10)
	require.NoError(t, store.CreateEntity(ctx, e))

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = store.Commit(ctx, approveCommit(e, 1, 10, fmt.Sprintf("entry-%d", i)))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, approval.ErrStaleVersion)
	}
	assert.Equal(t, 1, ok)

	bal, err := store.LedgerBalance(ctx, "citizen-1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, bal)
}

func TestStore_LedgerIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e := newTestEntity("c-1", approval.KindComplaint, "citizen-1", 50)
	require.NoError(t, store.CreateEntity(ctx, e))
	_, _, err := store.Commit(ctx, approveCommit(e, 1, 50, "entry-1"))
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx, `UPDATE ledger_entries SET delta = 500`)
	assert.Error(t, err)
	_, err = store.db.ExecContext(ctx, `DELETE FROM ledger_entries`)
	assert.Error(t, err)
	_, err = store.db.ExecContext(ctx, `DELETE FROM timeline_events`)
	assert.Error(t, err)

	bal, err := store.LedgerBalance(ctx, "citizen-1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, bal)
}

func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a := newTestEntity("c-1", approval.KindComplaint, "citizen-1", 50)
	b := newTestEntity("c-2", approval.KindComplaint, "citizen-1", 50)
	require.NoError(t, store.CreateEntity(ctx, a))
	require.NoError(t, store.CreateEntity(ctx, b))
	_, _, err := store.Commit(ctx, approveCommit(a, 1, 50, "entry-1"))
	require.NoError(t, err)

	c := approveCommit(b, 1, 50, "entry-2")
	c.Postings[0].IdempotencyKey = "c-1:credit:v2"
	_, _, err = store.Commit(ctx, c)

	assert.True(t, errors.Is(err, approval.ErrDuplicateLedgerEntry))
	got, err := store.GetEntity(ctx, "c-2")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, got.Status)
}

func TestStore_ListEntities(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i, kind := range []approval.Kind{approval.KindComplaint, approval.KindWithdrawal, approval.KindComplaint} {
		e := newTestEntity(approval.EntityID(fmt.Sprintf("e-%d", i)), kind, "citizen-1", 10)
		e.CreatedAt = testNow.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateEntity(ctx, e))
	}

	complaints, err := store.ListEntities(ctx, approval.EntityFilter{Kind: approval.KindComplaint})
	require.NoError(t, err)
	require.Len(t, complaints, 2)
	assert.Equal(t, approval.EntityID("e-0"), complaints[0].ID)
	assert.Equal(t, approval.EntityID("e-2"), complaints[1].ID)

	limited, err := store.ListEntities(ctx, approval.EntityFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_UsersAndRank(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.EnsureUser(ctx, "idle"))
	_, ok, err := store.CachedBalance(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	for i, pts := range []int64{30, 60} {
		owner := approval.UserID(fmt.Sprintf("citizen-%d", i))
		e := newTestEntity(approval.EntityID(fmt.Sprintf("c-%d", i)), approval.KindComplaint, owner, pts)
		require.NoError(t, store.CreateEntity(ctx, e))
		_, _, err := store.Commit(ctx, approveCommit(e, 1, pts, fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
	}

	above, err := store.CountUsersAbove(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, above)
	above, err = store.CountUsersAbove(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, above)

	require.NoError(t, store.SetCachedBalance(ctx, "citizen-0", 7))
	cached, _, err := store.CachedBalance(ctx, "citizen-0")
	require.NoError(t, err)
	assert.EqualValues(t, 7, cached)
}

func TestStore_ApprovalHierarchy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	roles, err := store.ApprovalHierarchy(ctx, approval.KindComplaint)
	require.NoError(t, err)
	assert.Empty(t, roles)

	// Seed only fills an empty row
	require.NoError(t, store.SeedApprovalHierarchy(ctx, approval.KindComplaint, []approval.Role{"sub_admin", "admin"}))
	require.NoError(t, store.SeedApprovalHierarchy(ctx, approval.KindComplaint, []approval.Role{"other"}))
	roles, err = store.ApprovalHierarchy(ctx, approval.KindComplaint)
	require.NoError(t, err)
	assert.Equal(t, []approval.Role{"sub_admin", "admin"}, roles)

	// Set replaces
	require.NoError(t, store.SetApprovalHierarchy(ctx, approval.KindComplaint, []approval.Role{"admin"}))
	h, err := approval.LoadHierarchy(ctx, store, approval.KindComplaint, "")
	require.NoError(t, err)
	assert.True(t, h.SoleRung())
	assert.Equal(t, approval.DefaultOverrideRole, h.Override)
}
