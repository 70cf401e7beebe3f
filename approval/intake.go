package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMinWithdrawal is the smallest withdrawal accepted at request time.
const DefaultMinWithdrawal int64 = 1

// Intake creates approvable entities in the pending state.
type Intake struct {
	Store         Store
	MinWithdrawal int64
	Logger        *zap.Logger
	Now           func() time.Time
	NewID         func() string
}

// NewIntake creates an intake with default collaborators.
func NewIntake(store Store, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{
		Store:         store,
		MinWithdrawal: DefaultMinWithdrawal,
		Logger:        logger,
		Now:           func() time.Time { return time.Now().UTC() },
		NewID:         uuid.NewString,
	}
}

// SubmitComplaint records a citizen complaint. points is the value awarded
// on approval unless the approver sets another.
func (in *Intake) SubmitComplaint(ctx context.Context, owner UserID, points int64, description string, evidence []string) (*Entity, error) {
	if strings.TrimSpace(string(owner)) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if points < 0 {
		return nil, fmt.Errorf("%w: points must not be negative", ErrInvalidInput)
	}
	return in.create(ctx, KindComplaint, owner, points, description, evidence)
}

// RequestWithdrawal records a request to redeem amount points. The balance
// check here is advisory; the commit-time check decides.
func (in *Intake) RequestWithdrawal(ctx context.Context, owner UserID, amount int64) (*Entity, error) {
	if strings.TrimSpace(string(owner)) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	minimum := in.MinWithdrawal
	if minimum < 1 {
		minimum = DefaultMinWithdrawal
	}
	if amount < minimum {
		return nil, fmt.Errorf("%w: withdrawal must be at least %d points", ErrInvalidInput, minimum)
	}

	balance, err := in.Store.LedgerBalance(ctx, owner)
	if err != nil {
		return nil, persistenceError("read ledger balance", err)
	}
	if balance < amount {
		return nil, &InsufficientBalanceError{UserID: owner, Available: balance, Requested: amount}
	}

	return in.create(ctx, KindWithdrawal, owner, amount, "", nil)
}

func (in *Intake) create(ctx context.Context, kind Kind, owner UserID, points int64, description string, evidence []string) (*Entity, error) {
	if err := in.Store.EnsureUser(ctx, owner); err != nil {
		return nil, persistenceError("ensure user", err)
	}

	now := in.Now()
	e := Entity{
		ID:           EntityID(in.NewID()),
		Kind:         kind,
		OwnerID:      owner,
		Status:       StatusPending,
		Version:      1,
		PointsValue:  points,
		Description:  description,
		EvidenceRefs: append([]string(nil), evidence...),
		Timeline: []TimelineEvent{{
			Seq:       0,
			Action:    ActionCreated,
			To:        StatusPending,
			ActorID:   owner,
			ActorRank: RankNone,
			At:        now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := in.Store.CreateEntity(ctx, e); err != nil {
		return nil, persistenceError("create entity", err)
	}

	in.Logger.Info("entity submitted",
		zap.String("entity_id", string(e.ID)),
		zap.String("kind", string(kind)),
		zap.String("owner_id", string(owner)),
		zap.Int64("points", points),
	)
	return &e, nil
}
