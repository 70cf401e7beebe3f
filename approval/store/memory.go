// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/civic-points/approval"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything behind one mutex; each Commit is one critical
// section, which makes it atomic with respect to every reader.
type Memory struct {
	mu          sync.RWMutex
	entities    map[approval.EntityID]*approval.Entity
	ledger      []approval.LedgerEntry
	byEntity    map[approval.EntityID][]int
	byUser      map[approval.UserID][]int
	idempotency map[string]bool
	users       map[approval.UserID]int64
	seq         int64
}

func NewMemory() *Memory {
	return &Memory{
		entities:    make(map[approval.EntityID]*approval.Entity),
		byEntity:    make(map[approval.EntityID][]int),
		byUser:      make(map[approval.UserID][]int),
		idempotency: make(map[string]bool),
		users:       make(map[approval.UserID]int64),
	}
}

// CreateEntity inserts a new entity.
func (m *Memory) CreateEntity(_ context.Context, e approval.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entities[e.ID]; exists {
		return approval.ErrInvalidInput
	}
	m.entities[e.ID] = e.Clone()
	return nil
}

// GetEntity returns a copy of the entity.
func (m *Memory) GetEntity(_ context.Context, id approval.EntityID) (*approval.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return nil, approval.ErrEntityNotFound
	}
	return e.Clone(), nil
}

// Commit applies a transition atomically.
func (m *Memory) Commit(_ context.Context, c approval.Commit) (*approval.Entity, []approval.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[c.EntityID]
	if !ok {
		return nil, nil, approval.ErrEntityNotFound
	}
	if e.Version != c.ExpectedVersion {
		return nil, nil, approval.ErrStaleVersion
	}

	// Re-check postings against committed state (all-or-nothing)
	if len(c.Postings) > 0 {
		owner := c.Postings[0].UserID
		if err := approval.CheckPostings(c.Postings, m.entriesLocked(m.byEntity[c.EntityID]), m.sumLocked(owner)); err != nil {
			return nil, nil, err
		}
		for _, p := range c.Postings {
			if p.IdempotencyKey != "" && m.idempotency[p.IdempotencyKey] {
				return nil, nil, approval.ErrDuplicateLedgerEntry
			}
		}
	}

	written := make([]approval.LedgerEntry, 0, len(c.Postings))
	for _, p := range c.Postings {
		m.seq++
		entry := approval.LedgerEntry{
			ID:             p.ID,
			Seq:            m.seq,
			UserID:         p.UserID,
			EntityID:       p.EntityID,
			EntityKind:     p.EntityKind,
			Type:           p.Type,
			Delta:          p.Delta,
			BalanceAfter:   m.sumLocked(p.UserID) + p.Delta,
			Reason:         p.Reason,
			IdempotencyKey: p.IdempotencyKey,
			CreatedBy:      p.CreatedBy,
			CreatedAt:      p.CreatedAt,
		}
		idx := len(m.ledger)
		m.ledger = append(m.ledger, entry)
		m.byEntity[p.EntityID] = append(m.byEntity[p.EntityID], idx)
		m.byUser[p.UserID] = append(m.byUser[p.UserID], idx)
		if p.IdempotencyKey != "" {
			m.idempotency[p.IdempotencyKey] = true
		}
		m.users[p.UserID] = entry.BalanceAfter
		written = append(written, entry)
	}

	updated := e.Clone()
	updated.Status = c.To
	updated.PointsValue = c.PointsValue
	updated.Version++
	updated.Timeline = append(updated.Timeline, c.Event)
	updated.UpdatedAt = c.Event.At
	if updated.UpdatedAt.IsZero() {
		updated.UpdatedAt = time.Now().UTC()
	}
	m.entities[c.EntityID] = updated

	return updated.Clone(), written, nil
}

// ListEntities returns entities matching filter, oldest first.
func (m *Memory) ListEntities(_ context.Context, f approval.EntityFilter) ([]approval.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []approval.Entity
	for _, e := range m.entities {
		if f.Matches(e) {
			out = append(out, *e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// LedgerByEntity returns the entity's entries in insertion order.
func (m *Memory) LedgerByEntity(_ context.Context, id approval.EntityID) ([]approval.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(m.byEntity[id]), nil
}

// LedgerByUser returns the user's entries in insertion order.
func (m *Memory) LedgerByUser(_ context.Context, userID approval.UserID) ([]approval.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(m.byUser[userID]), nil
}

// LedgerBalance sums the user's entries.
func (m *Memory) LedgerBalance(_ context.Context, userID approval.UserID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumLocked(userID), nil
}

// EnsureUser creates the cache row at zero if missing.
func (m *Memory) EnsureUser(_ context.Context, userID approval.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		m.users[userID] = 0
	}
	return nil
}

// CachedBalance returns the cached points field.
func (m *Memory) CachedBalance(_ context.Context, userID approval.UserID) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	points, ok := m.users[userID]
	return points, ok, nil
}

// SetCachedBalance overwrites the cached points field.
func (m *Memory) SetCachedBalance(_ context.Context, userID approval.UserID, points int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = points
	return nil
}

// CountUsersAbove counts known users whose ledger sum exceeds points.
func (m *Memory) CountUsersAbove(_ context.Context, points int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[approval.UserID]bool, len(m.users)+len(m.byUser))
	for id := range m.users {
		seen[id] = true
	}
	for id := range m.byUser {
		seen[id] = true
	}

	count := 0
	for id := range seen {
		if m.sumLocked(id) > points {
			count++
		}
	}
	return count, nil
}

func (m *Memory) entriesLocked(idxs []int) []approval.LedgerEntry {
	out := make([]approval.LedgerEntry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, m.ledger[i])
	}
	return out
}

func (m *Memory) sumLocked(userID approval.UserID) int64 {
	var total int64
	for _, i := range m.byUser[userID] {
		total += m.ledger[i].Delta
	}
	return total
}
