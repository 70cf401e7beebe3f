/*
Package sqlite provides a SQLite-backed implementation of approval.Store.

PURPOSE:
  Holds the single authoritative copy of entities, timelines, the points
  ledger, cached user balances, and the editable approval hierarchy.

INTERFACES IMPLEMENTED:
  approval.Store:           Entities, ledger, cached balances
  approval.HierarchySource: Approval chain per entity kind

ATOMIC COMMIT:
  Commit runs in one database transaction:
    UPDATE entities ... WHERE id = ? AND version = ?   (compare-and-set)
    INSERT timeline_events
    re-check postings against ledger rows read inside the transaction
    INSERT ledger_entries (balance_after from the in-transaction sum)
    UPSERT users.points
  A zero-row UPDATE means a concurrent writer won: ErrStaleVersion.

APPEND-ONLY ENFORCEMENT:
  Triggers abort any UPDATE or DELETE on ledger_entries and
  timeline_events. Corrections are reversal entries.

KEY TABLES:
  entities:           Current status and version of each complaint/withdrawal
  timeline_events:    Immutable per-entity transition history
  ledger_entries:     Immutable balance changes
  users:              Cached points (recomputable from ledger_entries)
  approval_hierarchy: Ordered role list per kind

CONCURRENCY:
  Writes are serialized with sync.RWMutex and a single connection, which
  also keeps ":memory:" databases on one connection.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  workflow := approval.NewWorkflow(store, store, logger)

SEE ALSO:
  - approval/store.go: Interface definitions
  - approval/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/civic-points/approval"
)

// timeLayout sorts lexicographically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements approval.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		points_value INTEGER NOT NULL DEFAULT 0,
		description TEXT,
		evidence_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_owner ON entities(owner_id);
	CREATE INDEX IF NOT EXISTS idx_entities_kind_status ON entities(kind, status);

	CREATE TABLE IF NOT EXISTS timeline_events (
		entity_id TEXT NOT NULL REFERENCES entities(id),
		seq INTEGER NOT NULL,
		action TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT,
		actor_rank INTEGER NOT NULL,
		reason TEXT,
		attempt_id TEXT,
		at TEXT NOT NULL,
		PRIMARY KEY (entity_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_timeline_attempt
		ON timeline_events(entity_id, attempt_id) WHERE attempt_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		entity_id TEXT NOT NULL REFERENCES entities(id),
		entity_kind TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		delta INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_entity ON ledger_entries(entity_id, seq);

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS timeline_events_no_update
		BEFORE UPDATE ON timeline_events
		BEGIN SELECT RAISE(ABORT, 'timeline events are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS timeline_events_no_delete
		BEFORE DELETE ON timeline_events
		BEGIN SELECT RAISE(ABORT, 'timeline events are append-only'); END;

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		points INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approval_hierarchy (
		kind TEXT PRIMARY KEY,
		roles_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ENTITIES
// =============================================================================

// CreateEntity inserts a new entity and its timeline.
func (s *Store) CreateEntity(ctx context.Context, e approval.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evidenceJSON, err := json.Marshal(e.EvidenceRefs)
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities
		(id, kind, owner_id, status, version, points_value, description, evidence_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.Kind, e.OwnerID, e.Status, e.Version, e.PointsValue,
		e.Description, string(evidenceJSON),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: entity %s already exists", approval.ErrInvalidInput, e.ID)
		}
		return fmt.Errorf("failed to insert entity: %w", err)
	}

	for _, ev := range e.Timeline {
		if err := insertEvent(ctx, tx, e.ID, ev); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetEntity returns the entity with its timeline.
func (s *Store) GetEntity(ctx context.Context, id approval.EntityID) (*approval.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getEntity(ctx, s.db, id)
}

// ListEntities returns entities matching the filter, oldest first.
func (s *Store) ListEntities(ctx context.Context, f approval.EntityFilter) ([]approval.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id FROM entities WHERE 1 = 1`
	var args []any
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	var ids []approval.EntityID
	for rows.Next() {
		var id approval.EntityID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]approval.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := getEntity(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func getEntity(ctx context.Context, q querier, id approval.EntityID) (*approval.Entity, error) {
	var (
		e            approval.Entity
		description  sql.NullString
		evidenceJSON sql.NullString
		createdAt    string
		updatedAt    string
	)

	err := q.QueryRowContext(ctx, `
		SELECT id, kind, owner_id, status, version, points_value, description, evidence_json, created_at, updated_at
		FROM entities WHERE id = ?
	`, id).Scan(
		&e.ID, &e.Kind, &e.OwnerID, &e.Status, &e.Version, &e.PointsValue,
		&description, &evidenceJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	e.Description = description.String
	if evidenceJSON.Valid && evidenceJSON.String != "" {
		if err := json.Unmarshal([]byte(evidenceJSON.String), &e.EvidenceRefs); err != nil {
			return nil, fmt.Errorf("failed to decode evidence: %w", err)
		}
	}
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)

	e.Timeline, err = loadTimeline(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func loadTimeline(ctx context.Context, q querier, id approval.EntityID) ([]approval.TimelineEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, action, from_status, to_status, actor_id, actor_role, actor_rank, reason, attempt_id, at
		FROM timeline_events WHERE entity_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	var events []approval.TimelineEvent
	for rows.Next() {
		var (
			ev        approval.TimelineEvent
			from      sql.NullString
			role      sql.NullString
			reason    sql.NullString
			attemptID sql.NullString
			at        string
		)
		if err := rows.Scan(&ev.Seq, &ev.Action, &from, &ev.To, &ev.ActorID, &role,
			&ev.ActorRank, &reason, &attemptID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}
		ev.From = approval.Status(from.String)
		ev.ActorRole = approval.Role(role.String)
		ev.Reason = reason.String
		ev.AttemptID = attemptID.String
		ev.At = parseTime(at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func insertEvent(ctx context.Context, q querier, id approval.EntityID, ev approval.TimelineEvent) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO timeline_events
		(entity_id, seq, action, from_status, to_status, actor_id, actor_role, actor_rank, reason, attempt_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, ev.Seq, ev.Action, nullString(string(ev.From)), ev.To, ev.ActorID,
		nullString(string(ev.ActorRole)), ev.ActorRank, nullString(ev.Reason),
		nullString(ev.AttemptID), formatTime(ev.At),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return approval.ErrStaleVersion
		}
		return fmt.Errorf("failed to insert timeline event: %w", err)
	}
	return nil
}

// =============================================================================
// ATOMIC COMMIT (concurrency guard)
// =============================================================================

// Commit applies one transition in a single database transaction.
func (s *Store) Commit(ctx context.Context, c approval.Commit) (*approval.Entity, []approval.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET status = ?, points_value = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, c.To, c.PointsValue, formatTime(c.Event.At), c.EntityID, c.ExpectedVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE id = ?`, c.EntityID).Scan(&exists); err != nil {
			return nil, nil, fmt.Errorf("failed to check entity: %w", err)
		}
		if exists == 0 {
			return nil, nil, approval.ErrEntityNotFound
		}
		return nil, nil, approval.ErrStaleVersion
	}

	if err := insertEvent(ctx, tx, c.EntityID, c.Event); err != nil {
		return nil, nil, err
	}

	written, err := appendPostings(ctx, tx, c.EntityID, c.Postings)
	if err != nil {
		return nil, nil, err
	}

	updated, err := getEntity(ctx, tx, c.EntityID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return updated, written, nil
}

func appendPostings(ctx context.Context, tx *sql.Tx, entityID approval.EntityID, postings []approval.Posting) ([]approval.LedgerEntry, error) {
	if len(postings) == 0 {
		return nil, nil
	}

	owner := postings[0].UserID
	entityEntries, err := queryEntries(ctx, tx, `WHERE entity_id = ?`, entityID)
	if err != nil {
		return nil, err
	}
	balance, err := ledgerBalance(ctx, tx, owner)
	if err != nil {
		return nil, err
	}
	if err := approval.CheckPostings(postings, entityEntries, balance); err != nil {
		return nil, err
	}

	written := make([]approval.LedgerEntry, 0, len(postings))
	for _, p := range postings {
		balance += p.Delta
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(id, user_id, entity_id, entity_kind, entry_type, delta, balance_after, reason, idempotency_key, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			p.ID, p.UserID, p.EntityID, p.EntityKind, p.Type, p.Delta, balance,
			nullString(p.Reason), nullString(p.IdempotencyKey), nullString(string(p.CreatedBy)),
			formatTime(p.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return nil, &approval.DuplicateLedgerEntryError{EntityID: p.EntityID, Active: approval.ActivePostings(entityEntries) + 1}
			}
			return nil, fmt.Errorf("failed to append ledger entry: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read ledger entry sequence: %w", err)
		}

		if err := upsertUserPoints(ctx, tx, p.UserID, balance, p.CreatedAt); err != nil {
			return nil, err
		}

		written = append(written, approval.LedgerEntry{
			ID:             p.ID,
			Seq:            seq,
			UserID:         p.UserID,
			EntityID:       p.EntityID,
			EntityKind:     p.EntityKind,
			Type:           p.Type,
			Delta:          p.Delta,
			BalanceAfter:   balance,
			Reason:         p.Reason,
			IdempotencyKey: p.IdempotencyKey,
			CreatedBy:      p.CreatedBy,
			CreatedAt:      p.CreatedAt,
		})
	}
	return written, nil
}

// =============================================================================
// LEDGER (read-only)
// =============================================================================

// LedgerByEntity returns the entity's entries in insertion order.
func (s *Store) LedgerByEntity(ctx context.Context, id approval.EntityID) ([]approval.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `WHERE entity_id = ?`, id)
}

// LedgerByUser returns the user's entries in insertion order.
func (s *Store) LedgerByUser(ctx context.Context, userID approval.UserID) ([]approval.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `WHERE user_id = ?`, userID)
}

// LedgerBalance returns the sum of the user's entries.
func (s *Store) LedgerBalance(ctx context.Context, userID approval.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledgerBalance(ctx, s.db, userID)
}

func ledgerBalance(ctx context.Context, q querier, userID approval.UserID) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE user_id = ?`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return total, nil
}

func queryEntries(ctx context.Context, q querier, where string, args ...any) ([]approval.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, id, user_id, entity_id, entity_kind, entry_type, delta, balance_after,
		       reason, idempotency_key, created_by, created_at
		FROM ledger_entries `+where+` ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []approval.LedgerEntry
	for rows.Next() {
		var (
			e              approval.LedgerEntry
			reason         sql.NullString
			idempotencyKey sql.NullString
			createdBy      sql.NullString
			createdAt      string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.UserID, &e.EntityID, &e.EntityKind, &e.Type,
			&e.Delta, &e.BalanceAfter, &reason, &idempotencyKey, &createdBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Reason = reason.String
		e.IdempotencyKey = idempotencyKey.String
		e.CreatedBy = approval.UserID(createdBy.String)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// USERS (cached balance)
// =============================================================================

// EnsureUser creates the user's cache row at zero if missing.
func (s *Store) EnsureUser(ctx context.Context, userID approval.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, points, updated_at) VALUES (?, 0, ?) ON CONFLICT(id) DO NOTHING`,
		userID, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// CachedBalance returns the cached points field.
func (s *Store) CachedBalance(ctx context.Context, userID approval.UserID) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var points int64
	err := s.db.QueryRowContext(ctx, `SELECT points FROM users WHERE id = ?`, userID).Scan(&points)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read cached balance: %w", err)
	}
	return points, true, nil
}

// SetCachedBalance overwrites the cached points field.
func (s *Store) SetCachedBalance(ctx context.Context, userID approval.UserID, points int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertUserPoints(ctx, s.db, userID, points, time.Now().UTC())
}

func upsertUserPoints(ctx context.Context, q querier, userID approval.UserID, points int64, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO users (id, points, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET points = excluded.points, updated_at = excluded.updated_at
	`, userID, points, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to write cached balance: %w", err)
	}
	return nil
}

// CountUsersAbove counts users whose ledger sum exceeds points.
func (s *Store) CountUsersAbove(ctx context.Context, points int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT u.id, COALESCE(SUM(l.delta), 0) AS total
			FROM (SELECT id FROM users UNION SELECT user_id FROM ledger_entries) u
			LEFT JOIN ledger_entries l ON l.user_id = u.id
			GROUP BY u.id
		) WHERE total > ?
	`, points).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// =============================================================================
// APPROVAL HIERARCHY (approval.HierarchySource)
// =============================================================================

// ApprovalHierarchy returns the stored role list for kind. A kind with no
// row has an empty hierarchy.
func (s *Store) ApprovalHierarchy(ctx context.Context, kind approval.Kind) ([]approval.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rolesJSON string
	err := s.db.QueryRowContext(ctx, `SELECT roles_json FROM approval_hierarchy WHERE kind = ?`, kind).Scan(&rolesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hierarchy: %w", err)
	}

	var roles []approval.Role
	if err := json.Unmarshal([]byte(rolesJSON), &roles); err != nil {
		return nil, fmt.Errorf("failed to decode hierarchy: %w", err)
	}
	return roles, nil
}

// SetApprovalHierarchy replaces the role list for kind. Already decided
// entities are not re-validated.
func (s *Store) SetApprovalHierarchy(ctx context.Context, kind approval.Kind, roles []approval.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeHierarchy(ctx, kind, roles, true)
}

// SeedApprovalHierarchy stores roles for kind only if no row exists yet.
func (s *Store) SeedApprovalHierarchy(ctx context.Context, kind approval.Kind, roles []approval.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeHierarchy(ctx, kind, roles, false)
}

func (s *Store) writeHierarchy(ctx context.Context, kind approval.Kind, roles []approval.Role, replace bool) error {
	if roles == nil {
		roles = []approval.Role{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("failed to encode hierarchy: %w", err)
	}

	query := `INSERT INTO approval_hierarchy (kind, roles_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(kind) DO NOTHING`
	if replace {
		query = `INSERT INTO approval_hierarchy (kind, roles_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET roles_json = excluded.roles_json, updated_at = excluded.updated_at`
	}

	if _, err := s.db.ExecContext(ctx, query, kind, string(rolesJSON), formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("failed to write hierarchy: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
