package approval_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/civic-points/approval"
	"github.com/warp/civic-points/approval/store"
)

var (
	subAdmin   = approval.Principal{ID: "u-sub", Role: "sub_admin"}
	admin      = approval.Principal{ID: "u-admin", Role: "admin"}
	superAdmin = approval.Principal{ID: "u-root", Role: approval.DefaultOverrideRole}
)

type testEnv struct {
	store     *store.Memory
	workflow  *approval.Workflow
	intake    *approval.Intake
	proj      *approval.Projection
	published *recordingPublisher
	logs      *observer.ObservedLogs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	mem := store.NewMemory()
	hier := approval.StaticHierarchy{
		approval.KindComplaint:  {"sub_admin", "admin"},
		approval.KindWithdrawal: {"sub_admin", "admin"},
	}
	pub := &recordingPublisher{}

	w := approval.NewWorkflow(mem, hier, logger)
	w.Publisher = pub

	return &testEnv{
		store:     mem,
		workflow:  w,
		intake:    approval.NewIntake(mem, logger),
		proj:      approval.NewProjection(mem, logger),
		published: pub,
		logs:      logs,
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []approval.DecisionMade
	fail   error
}

func (p *recordingPublisher) Publish(_ context.Context, e approval.DecisionMade) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.events = append(p.events, e)
	return nil
}

func (env *testEnv) decide(t *testing.T, id approval.EntityID, p approval.Principal, d approval.Decision) *approval.TransitionResult {
	t.Helper()
	res, err := env.workflow.AttemptTransition(context.Background(), approval.Attempt{EntityID: id, Principal: p, Decision: d})
	require.NoError(t, err)
	return res
}

// approvedComplaint gives owner points through a reviewed, approved complaint.
func (env *testEnv) approvedComplaint(t *testing.T, owner approval.UserID, points int64) *approval.Entity {
	t.Helper()
	c, err := env.intake.SubmitComplaint(context.Background(), owner, points, "bus skipped stop", nil)
	require.NoError(t, err)
	env.decide(t, c.ID, subAdmin, approval.ReviewDecision{})
	return env.decide(t, c.ID, admin, approval.ApproveDecision{}).Entity
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestWorkflow_AdminRejectsAfterSubAdminApproved(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// GIVEN: a complaint approved by sub_admin
	c, err := env.intake.SubmitComplaint(ctx, "citizen-1", 50, "driver was rude", []string{"media/1.jpg"})
	require.NoError(t, err)
	env.decide(t, c.ID, subAdmin, approval.ReviewDecision{})
	approved := env.decide(t, c.ID, subAdmin, approval.ApproveDecision{})
	require.Len(t, approved.Entries, 1)
	assert.EqualValues(t, 50, approved.Entries[0].BalanceAfter)

	// WHEN: admin rejects
	rejected := env.decide(t, c.ID, admin, approval.RejectDecision{Reason: "no evidence of rudeness"})

	// THEN: the credit is reversed and the net effect is zero
	assert.Equal(t, approval.StatusRejected, rejected.Entity.Status)
	require.Len(t, rejected.Entries, 1)
	assert.Equal(t, approval.EntryReversal, rejected.Entries[0].Type)

	entries, err := env.store.LedgerByEntity(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, approval.SumDeltas(entries))
	assert.Equal(t, 0, approval.ActivePostings(entries))

	bal, err := env.proj.CurrentBalance(ctx, "citizen-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, bal)

	// AND: sub_admin is now locked out
	_, err = env.workflow.AttemptTransition(ctx, approval.Attempt{
		EntityID: c.ID, Principal: subAdmin, Decision: approval.ApproveDecision{},
	})
	assert.ErrorIs(t, err, approval.ErrNotEligible)

	// AND: the timeline tells the whole story
	e, err := env.store.GetEntity(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, e.Timeline, 4)
	last, _ := e.LastEvent()
	assert.Equal(t, e.Status, last.To)
	assert.Equal(t, admin.ID, last.ActorID)
	assert.Equal(t, admin.Role, last.ActorRole)
	assert.EqualValues(t, 4, e.Version)
}

func TestWorkflow_ConcurrentWithdrawalsCannotOverdraw(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// GIVEN: balance 100 and two pending 80-point withdrawals
	env.approvedComplaint(t, "citizen-1", 100)
	w1, err := env.intake.RequestWithdrawal(ctx, "citizen-1", 80)
	require.NoError(t, err)
	w2, err := env.intake.RequestWithdrawal(ctx, "citizen-1", 80)
	require.NoError(t, err)

	// WHEN: both are approved concurrently
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []approval.EntityID{w1.ID, w2.ID} {
		wg.Add(1)
		go func(i int, id approval.EntityID) {
			defer wg.Done()
			_, errs[i] = env.workflow.AttemptTransition(ctx, approval.Attempt{
				EntityID: id, Principal: superAdmin, Decision: approval.ApproveDecision{},
			})
		}(i, id)
	}
	wg.Wait()

	// THEN: exactly one succeeds
	succeeded, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, approval.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)

	bal, err := env.store.LedgerBalance(ctx, "citizen-1")
	require.NoError(t, err)
	assert.EqualValues(t, 20, bal)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestWorkflow_SameSnapshotExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// GIVEN: N admins holding the same snapshot
	c, err := env.intake.SubmitComplaint(ctx, "citizen-1", 10, "late bus", nil)
	require.NoError(t, err)
	snapshot, err := env.store.GetEntity(ctx, c.ID)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.workflow.TransitionFrom(ctx, snapshot.Clone(), approval.Attempt{
				EntityID: c.ID, Principal: subAdmin, Decision: approval.ReviewDecision{},
			})
		}(i)
	}
	wg.Wait()

	// THEN: one commit, N-1 stale
	ok, stale := 0, 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if errors.Is(err, approval.ErrStaleVersion) {
			stale++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, stale)

	e, err := env.store.GetEntity(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, e.Version)
	assert.Len(t, e.Timeline, 2)
}

// racingStore lets a competing decision land just before the first commit.
type racingStore struct {
	*store.Memory
	once   sync.Once
	before func()
}

func (s *racingStore) Commit(ctx context.Context, c approval.Commit) (*approval.Entity, []approval.LedgerEntry, error) {
	s.once.Do(s.before)
	return s.Memory.Commit(ctx, c)
}

func TestWorkflow_StaleRetryReevaluates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// GIVEN: admin rejects between sub_admin's read and commit
	c, err := env.intake.SubmitComplaint(ctx, "citizen-1", 10, "dirty seats", nil)
	require.NoError(t, err)
	env.decide(t, c.ID, subAdmin, approval.ReviewDecision{})

	racing := &racingStore{Memory: env.store, before: func() {
		env.decide(t, c.ID, admin, approval.RejectDecision{Reason: "not our route"})
	}}
	racer := *env.workflow
	racer.Store = racing

	// WHEN: sub_admin approves
	_, err = racer.AttemptTransition(ctx, approval.Attempt{
		EntityID: c.ID, Principal: subAdmin, Decision: approval.ApproveDecision{},
	})

	// THEN: the first commit loses, and the re-evaluation sees admin's decision
	assert.ErrorIs(t, err, approval.ErrStaleVersion)
	assert.ErrorIs(t, err, approval.ErrNotEligible)
	assert.Equal(t, 1, env.logs.FilterMessage("stale version, re-evaluating").Len())

	e, err := env.store.GetEntity(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, e.Status)
	assert.Len(t, e.Timeline, 2)
	bal, _ := env.store.LedgerBalance(ctx, "citizen-1")
	assert.EqualValues(t, 0, bal)
}

func TestWorkflow_LateSnapshotIsStale(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// GIVEN: sub_admin holds a snapshot from before admin rejected
	c, err := env.intake.SubmitComplaint(ctx, "citizen-1", 10, "dirty seats", nil)
	require.NoError(t, err)
	env.decide(t, c.ID, subAdmin, approval.ReviewDecision{})
	snapshot, err := env.store.GetEntity(ctx, c.ID)
	require.NoError(t, err)
	env.decide(t, c.ID, admin, approval.RejectDecision{Reason: "not our route"})

	// WHEN: sub_admin's approval lands late
	_, err = env.workflow.TransitionFrom(ctx, snapshot, approval.Attempt{
		EntityID: c.ID, Principal: subAdmin, Decision: approval.ApproveDecision{},
	})
	require.ErrorIs(t, err, approval.ErrStaleVersion)

	_, err = env.workflow.AttemptTransition(ctx, approval.Attempt{
		EntityID: c.ID, Principal: subAdmin, Decision: approval.ApproveDecision{},
	})

	// THEN: the fresh evaluation sees the higher decision
	assert.ErrorIs(t, err, approval.ErrNotEligible)
	bal, _ := env.store.LedgerBalance(ctx, "citizen-1")
	assert.EqualValues(t, 0, bal)
}

// =============================================================================
// LEDGER INVARIANTS
// =============================================================================

func TestWorkflow_RevertAndReapproveKeepsOneActivePosting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	c := env.approvedComplaint(t, "citizen-1", 30)

	env.decide(t, c.ID, superAdmin, approval.RevertDecision{Reason: "audit"})
	env.decide(t, c.ID, superAdmin, approval.ApproveDecision{Points: 40})

	entries, err := env.store.LedgerByEntity(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, approval.ActivePostings(entries))
	assert.Len(t, entries, 3)

	bal, err := env.proj.Reconcile(ctx, "citizen-1")
	require.NoError(t, err)
	assert.EqualValues(t, 40, bal)

	cached, err := env.proj.CurrentBalance(ctx, "citizen-1")
	require.NoError(t, err)
	assert.Equal(t, bal, cached)
}

func TestWorkflow_WithdrawalCompletion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.approvedComplaint(t, "citizen-1", 100)
	w, err := env.intake.RequestWithdrawal(ctx, "citizen-1", 60)
	require.NoError(t, err)

	env.decide(t, w.ID, subAdmin, approval.ReviewDecision{})
	approved := env.decide(t, w.ID, admin, approval.ApproveDecision{})
	require.Len(t, approved.Entries, 1)
	assert.EqualValues(t, 40, approved.Entries[0].BalanceAfter)

	completed := env.decide(t, w.ID, admin, approval.CompleteDecision{})
	assert.Equal(t, approval.StatusCompleted, completed.Entity.Status)
	assert.Empty(t, completed.Entries)

	_, err = env.workflow.AttemptTransition(ctx, approval.Attempt{
		EntityID: w.ID, Principal: superAdmin, Decision: approval.RejectDecision{Reason: "too late"},
	})
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)

	bal, _ := env.store.LedgerBalance(ctx, "citizen-1")
	assert.EqualValues(t, 40, bal)
}

func TestWorkflow_RejectedWithdrawalRefunds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.approvedComplaint(t, "citizen-1", 100)
	w, err := env.intake.RequestWithdrawal(ctx, "citizen-1", 70)
	require.NoError(t, err)
	env.decide(t, w.ID, subAdmin, approval.ReviewDecision{})
	env.decide(t, w.ID, subAdmin, approval.ApproveDecision{})

	res := env.decide(t, w.ID, admin, approval.RejectDecision{Reason: "voucher stock exhausted"})

	require.Len(t, res.Entries, 1)
	assert.EqualValues(t, 70, res.Entries[0].Delta)
	bal, _ := env.store.LedgerBalance(ctx, "citizen-1")
	assert.EqualValues(t, 100, bal)
}

// =============================================================================
// IDEMPOTENCY AND EVENTS
// =============================================================================

func TestWorkflow_AttemptIDReplay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	c, err := env.intake.SubmitComplaint(ctx, "citizen-1", 25, "broken AC", nil)
	require.NoError(t, err)
	env.decide(t, c.ID, subAdmin, approval.ReviewDecision{})

	attempt := approval.Attempt{
		EntityID: c.ID, Principal: admin, Decision: approval.ApproveDecision{}, AttemptID: "try-1",
	}
	first, err := env.workflow.AttemptTransition(ctx, attempt)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// WHEN: the caller retries after a timeout
	second, err := env.workflow.AttemptTransition(ctx, attempt)

	// THEN: the recorded event is returned and nothing is posted twice
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Event.Seq, second.Event.Seq)
	assert.Equal(t, "try-1", second.Event.AttemptID)

	bal, _ := env.store.LedgerBalance(ctx, "citizen-1")
	assert.EqualValues(t, 25, bal)
	assert.Len(t, env.published.events, 1)
}

func TestWorkflow_PublishesDecisions(t *testing.T) {
	env := newTestEnv(t)

	c := env.approvedComplaint(t, "citizen-1", 15)

	// review is not announced, approve is
	require.Len(t, env.published.events, 1)
	ev := env.published.events[0]
	assert.Equal(t, c.ID, ev.EntityID)
	assert.Equal(t, approval.ActionApprove, ev.Action)
	assert.Equal(t, approval.StatusUnderReview, ev.From)
	assert.Equal(t, approval.StatusApproved, ev.To)
	assert.Equal(t, approval.UserID("citizen-1"), ev.UserID)
	assert.Equal(t, admin.ID, ev.ActorID)
	require.NotNil(t, ev.Delta)
	assert.EqualValues(t, 15, *ev.Delta)
}

func TestWorkflow_PublishFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.published.fail = errors.New("redis down")

	c := env.approvedComplaint(t, "citizen-1", 20)

	assert.Equal(t, approval.StatusApproved, c.Status)
	bal, _ := env.store.LedgerBalance(ctx, "citizen-1")
	assert.EqualValues(t, 20, bal)
	assert.Equal(t, 1, env.logs.FilterMessage("decision event not delivered").Len())
}

func TestWorkflow_FailedAttemptLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	c, err := env.intake.SubmitComplaint(ctx, "citizen-1", 25, "no ramp", nil)
	require.NoError(t, err)

	_, err = env.workflow.AttemptTransition(ctx, approval.Attempt{
		EntityID: c.ID, Principal: admin, Decision: approval.RejectDecision{},
	})
	assert.ErrorIs(t, err, approval.ErrMissingReason)

	e, err := env.store.GetEntity(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, e.Version)
	assert.Len(t, e.Timeline, 1)
	assert.Equal(t, approval.StatusPending, e.Status)
}

func TestWorkflow_UnknownEntity(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.workflow.AttemptTransition(context.Background(), approval.Attempt{
		EntityID: "missing", Principal: admin, Decision: approval.ReviewDecision{},
	})

	assert.ErrorIs(t, err, approval.ErrEntityNotFound)
	assert.True(t, approval.IsNotFound(err))
}

// =============================================================================
// INTAKE
// =============================================================================

func TestIntake_WithdrawalValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.intake.MinWithdrawal = 10

	_, err := env.intake.RequestWithdrawal(ctx, "citizen-1", 5)
	assert.ErrorIs(t, err, approval.ErrInvalidInput)

	_, err = env.intake.RequestWithdrawal(ctx, "citizen-1", 10)
	assert.ErrorIs(t, err, approval.ErrInsufficientBalance)

	_, err = env.intake.SubmitComplaint(ctx, "", 10, "x", nil)
	assert.ErrorIs(t, err, approval.ErrInvalidInput)

	_, err = env.intake.SubmitComplaint(ctx, "citizen-1", -1, "x", nil)
	assert.ErrorIs(t, err, approval.ErrInvalidInput)
}
