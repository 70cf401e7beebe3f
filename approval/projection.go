/*
projection.go - Read paths over the ledger

PURPOSE:
  Answers "how many points does this citizen have, how did they get
  there, and where do they rank?" Everything here is derived at read
  time; nothing in this file writes authoritative state. Reconcile only
  rewrites the cached points field from the ledger.

RUNNING BALANCE:
  History walks entries newest first, starting from the ledger sum:

    balanceAfter(0)  = sum(ledger)
    balanceBefore(i) = balanceAfter(i) - delta(i)
    balanceAfter(i+1) = balanceBefore(i)

  The walk must follow decision time descending exactly; any other order
  breaks the arithmetic. Paging slices the walked list, never the input.
  Page numbers past the end yield an empty page.

SEE ALSO:
  - ledger.go: BalanceAt for point-in-time replay
*/
package approval

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Page selects a slice of history. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// HistoryEntry is one ledger entry with its running balance.
type HistoryEntry struct {
	EntryID       EntryID
	EntityID      EntityID
	Kind          Kind
	Type          EntryType
	Delta         int64
	BalanceBefore int64
	BalanceAfter  int64
	Reason        string
	At            time.Time
}

// HistoryPage is a page of running-balance history.
type HistoryPage struct {
	UserID  UserID
	Balance int64
	Page    int
	Size    int
	Total   int
	Entries []HistoryEntry
}

// LeaderboardPosition is a user's rank computed at query time.
type LeaderboardPosition struct {
	UserID     UserID
	Balance    int64
	UsersAhead int // users with strictly greater balance
	Rank       int // UsersAhead + 1
}

// Projection serves balance queries.
type Projection struct {
	Store  Store
	Logger *zap.Logger
}

// NewProjection creates a projection over store.
func NewProjection(store Store, logger *zap.Logger) *Projection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projection{Store: store, Logger: logger}
}

// CurrentBalance returns the cached points field. Users without a record
// fall back to the ledger sum.
func (p *Projection) CurrentBalance(ctx context.Context, userID UserID) (int64, error) {
	points, ok, err := p.Store.CachedBalance(ctx, userID)
	if err != nil {
		return 0, persistenceError("read cached balance", err)
	}
	if ok {
		return points, nil
	}
	sum, err := p.Store.LedgerBalance(ctx, userID)
	return sum, persistenceError("read ledger balance", err)
}

// Reconcile recomputes the balance strictly from the ledger and corrects
// the cached field if it drifted.
func (p *Projection) Reconcile(ctx context.Context, userID UserID) (int64, error) {
	sum, err := p.Store.LedgerBalance(ctx, userID)
	if err != nil {
		return 0, persistenceError("read ledger balance", err)
	}

	cached, ok, err := p.Store.CachedBalance(ctx, userID)
	if err != nil {
		return 0, persistenceError("read cached balance", err)
	}
	if ok && cached == sum {
		return sum, nil
	}

	if ok {
		p.Logger.Warn("cached balance drift corrected",
			zap.String("user_id", string(userID)),
			zap.Int64("cached", cached),
			zap.Int64("ledger", sum),
		)
	}
	if err := p.Store.SetCachedBalance(ctx, userID, sum); err != nil {
		return 0, persistenceError("write cached balance", err)
	}
	return sum, nil
}

// BalanceAt reconstructs the user's balance at a point in time.
func (p *Projection) BalanceAt(ctx context.Context, userID UserID, at time.Time) (int64, error) {
	entries, err := p.Store.LedgerByUser(ctx, userID)
	if err != nil {
		return 0, persistenceError("read ledger", err)
	}
	return BalanceAt(entries, at), nil
}

// History returns one page of the user's ledger, newest first, with
// running balances.
func (p *Projection) History(ctx context.Context, userID UserID, page Page) (*HistoryPage, error) {
	page = page.normalize()

	entries, err := p.Store.LedgerByUser(ctx, userID)
	if err != nil {
		return nil, persistenceError("read ledger", err)
	}

	balance := SumDeltas(entries)
	walked := RunningHistory(entries, balance)

	start := len(walked)
	if page.Number-1 <= len(walked)/page.Size {
		start = (page.Number - 1) * page.Size
	}
	end := start + page.Size
	if end > len(walked) {
		end = len(walked)
	}

	return &HistoryPage{
		UserID:  userID,
		Balance: balance,
		Page:    page.Number,
		Size:    page.Size,
		Total:   len(walked),
		Entries: walked[start:end],
	}, nil
}

// RunningHistory sorts entries by decision time descending and walks
// backward from current. Equal decision times fall back to commit order.
//
// The walked BalanceAfter can differ from the stored LedgerEntry.BalanceAfter:
// the store stamps balances in commit order, and two decisions for the same
// user may commit in the opposite order to their decision times. Only the
// walked values are guaranteed to chain.
func RunningHistory(entries []LedgerEntry, current int64) []HistoryEntry {
	sorted := append([]LedgerEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].Seq > sorted[j].Seq
	})

	out := make([]HistoryEntry, 0, len(sorted))
	after := current
	for _, e := range sorted {
		before := after - e.Delta
		out = append(out, HistoryEntry{
			EntryID:       e.ID,
			EntityID:      e.EntityID,
			Kind:          e.EntityKind,
			Type:          e.Type,
			Delta:         e.Delta,
			BalanceBefore: before,
			BalanceAfter:  after,
			Reason:        e.Reason,
			At:            e.CreatedAt,
		})
		after = before
	}
	return out
}

// LeaderboardRank counts users with a strictly greater ledger balance.
func (p *Projection) LeaderboardRank(ctx context.Context, userID UserID) (*LeaderboardPosition, error) {
	balance, err := p.Store.LedgerBalance(ctx, userID)
	if err != nil {
		return nil, persistenceError("read ledger balance", err)
	}
	ahead, err := p.Store.CountUsersAbove(ctx, balance)
	if err != nil {
		return nil, persistenceError("count users", err)
	}
	return &LeaderboardPosition{
		UserID:     userID,
		Balance:    balance,
		UsersAhead: ahead,
		Rank:       ahead + 1,
	}, nil
}
