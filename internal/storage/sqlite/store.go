// Package sqlite provides the default durable store.Store backed by a single
// SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/storage/sqlite/migrations"
	"github.com/JakeFAU/outreach-daemon/internal/store"
)

const entityColumns = `id, attributes, score, tier, weights_version, state, state_reason,
	attempts, next_eligible_at, created_at, updated_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements store.Store on SQLite. All writes go through one
// connection, so every read-modify-write transaction is serialised.
type Store struct {
	db   *sql.DB
	cfg  store.Config
	path string
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string, cfg store.Config) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	s := &Store{db: db, cfg: cfg, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	slices.Sort(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().UnixNano(),
		); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// inTx runs fn inside a transaction and commits when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Upsert implements store.EntityStore.
func (s *Store) Upsert(ctx context.Context, c outreach.Candidate) (outreach.Entity, bool, error) {
	var (
		out   outreach.Entity
		isNew bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getEntity(ctx, tx, c.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			out, isNew = outreach.NewEntity(c, s.cfg.Rules), true
			return writeEntity(ctx, tx, out)
		case err != nil:
			return err
		}
		merged, changed := outreach.Merge(existing, c, s.cfg.Rules)
		out = merged
		if !changed {
			return nil
		}
		return writeEntity(ctx, tx, merged)
	})
	if err != nil {
		return outreach.Entity{}, false, store.Wrap("upsert", err)
	}
	return out, isNew, nil
}

// RecordOutcome implements store.EntityStore.
func (s *Store) RecordOutcome(ctx context.Context, id string, a outreach.Attempt) (outreach.Entity, error) {
	var out outreach.Entity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getEntity(ctx, tx, id)
		if err != nil {
			return err
		}
		next, changed, err := outreach.Apply(current, a, s.cfg.Rules)
		out = next
		if err != nil || !changed {
			return err
		}
		if err := writeEntity(ctx, tx, next); err != nil {
			return err
		}
		if err := appendHistory(ctx, tx, id, next.History[len(current.History):]); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO daily_counters (day, kind, outcome, count) VALUES (?, ?, ?, 1)
			ON CONFLICT (day, kind, outcome) DO UPDATE SET count = count + 1`,
			outreach.DayKey(a.At, s.cfg.Loc()), string(a.Kind), string(a.Outcome.Class()),
		)
		return err
	})
	if err != nil {
		return out, store.Wrap("record outcome", err)
	}
	return out, nil
}

// QueryEligible implements store.EntityStore. Tier letters sort in rank
// order, so ascending tier is best first.
func (s *Store) QueryEligible(
	ctx context.Context,
	kind outreach.ActionKind,
	limit int,
	now time.Time,
) ([]outreach.Entity, error) {
	gate := kind.Gate()
	if gate == "" || limit <= 0 {
		return nil, nil
	}
	out, err := queryEntities(ctx, s.db, `SELECT `+entityColumns+` FROM entities
		WHERE state = ? AND next_eligible_at <= ?
		ORDER BY tier ASC, score DESC, id ASC
		LIMIT ?`, string(gate), nanos(now), limit)
	if err != nil {
		return nil, store.Wrap("query eligible", err)
	}
	return out, nil
}

// ListByState implements store.EntityStore.
func (s *Store) ListByState(ctx context.Context, state outreach.State, limit int) ([]outreach.Entity, error) {
	if limit <= 0 {
		limit = -1
	}
	out, err := queryEntities(ctx, s.db, `SELECT `+entityColumns+` FROM entities
		WHERE state = ? ORDER BY id LIMIT ?`, string(state), limit)
	if err != nil {
		return nil, store.Wrap("list by state", err)
	}
	return out, nil
}

// Qualify implements store.EntityStore.
func (s *Store) Qualify(ctx context.Context, id string, at time.Time) (outreach.Entity, error) {
	var out outreach.Entity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getEntity(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := outreach.Qualify(current, s.cfg.Rules, at)
		out = next
		if err != nil {
			return err
		}
		return writeEntity(ctx, tx, next)
	})
	if err != nil {
		return out, store.Wrap("qualify", err)
	}
	return out, nil
}

// MarkResponded implements store.EntityStore.
func (s *Store) MarkResponded(ctx context.Context, id string, at time.Time) (outreach.Entity, error) {
	var out outreach.Entity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getEntity(ctx, tx, id)
		if err != nil {
			return err
		}
		next, changed, err := outreach.MarkResponded(current, at)
		out = next
		if err != nil || !changed {
			return err
		}
		return writeEntity(ctx, tx, next)
	})
	if err != nil {
		return out, store.Wrap("mark responded", err)
	}
	return out, nil
}

// Get implements store.EntityStore.
func (s *Store) Get(ctx context.Context, id string) (outreach.Entity, error) {
	e, err := getEntity(ctx, s.db, id)
	if err != nil {
		return outreach.Entity{}, store.Wrap("get", err)
	}
	return e, nil
}

// List implements store.EntityStore.
func (s *Store) List(ctx context.Context) ([]outreach.Entity, error) {
	out, err := queryEntities(ctx, s.db, `SELECT `+entityColumns+` FROM entities ORDER BY id`)
	if err != nil {
		return nil, store.Wrap("list", err)
	}
	return out, nil
}

// DailyCounts implements store.QuotaRepository.
func (s *Store) DailyCounts(ctx context.Context, day string) ([]store.DailyCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, kind, outcome, count FROM daily_counters WHERE day = ? ORDER BY kind, outcome`, day)
	if err != nil {
		return nil, store.Wrap("daily counts", err)
	}
	defer rows.Close()
	var out []store.DailyCount
	for rows.Next() {
		var dc store.DailyCount
		var kind, outcome string
		if err := rows.Scan(&dc.Day, &kind, &outcome, &dc.Count); err != nil {
			return nil, store.Wrap("daily counts", err)
		}
		dc.Kind = outreach.ActionKind(kind)
		dc.Outcome = outreach.OutcomeClass(outcome)
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("daily counts", err)
	}
	return out, nil
}

// SuccessesSince implements store.QuotaRepository.
func (s *Store) SuccessesSince(ctx context.Context, kind outreach.ActionKind, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT at FROM action_history
		WHERE kind = ? AND outcome = ? AND at >= ? ORDER BY at`,
		string(kind), string(outreach.ClassSuccess), nanos(since))
	if err != nil {
		return nil, store.Wrap("successes since", err)
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var at int64
		if err := rows.Scan(&at); err != nil {
			return nil, store.Wrap("successes since", err)
		}
		out = append(out, fromNanos(at))
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("successes since", err)
	}
	return out, nil
}

// SaveCheckpoint implements store.CheckpointRepository.
func (s *Store) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	actions, err := json.Marshal(cp.Actions)
	if err != nil {
		return store.Wrap("save checkpoint", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (cycle_id, started_at, finished_at, status, actions, note)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (cycle_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			status = excluded.status,
			actions = excluded.actions,
			note = excluded.note`,
		cp.CycleID, nanos(cp.StartedAt), nanos(cp.FinishedAt), string(cp.Status), string(actions), cp.Note,
	)
	return store.Wrap("save checkpoint", err)
}

// LatestCheckpoint implements store.CheckpointRepository.
func (s *Store) LatestCheckpoint(ctx context.Context) (store.Checkpoint, error) {
	var (
		cp                  store.Checkpoint
		started, finished   int64
		status, actionsJSON string
	)
	err := s.db.QueryRowContext(ctx, `SELECT cycle_id, started_at, finished_at, status, actions, note
		FROM checkpoints ORDER BY started_at DESC, rowid DESC LIMIT 1`).
		Scan(&cp.CycleID, &started, &finished, &status, &actionsJSON, &cp.Note)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Checkpoint{}, store.ErrNotFound
	}
	if err != nil {
		return store.Checkpoint{}, store.Wrap("latest checkpoint", err)
	}
	cp.StartedAt = fromNanos(started)
	cp.FinishedAt = fromNanos(finished)
	cp.Status = store.CheckpointStatus(status)
	if err := json.Unmarshal([]byte(actionsJSON), &cp.Actions); err != nil {
		return store.Checkpoint{}, store.Wrap("latest checkpoint", err)
	}
	return cp, nil
}

// LogError implements store.ErrorLog.
func (s *Store) LogError(ctx context.Context, entry store.ErrorEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO error_log (at, scope, kind, entity_id, message)
		VALUES (?, ?, ?, ?, ?)`,
		nanos(entry.At), string(entry.Scope), string(entry.Kind), entry.EntityID, entry.Message)
	return store.Wrap("log error", err)
}

// RecentErrors implements store.ErrorLog.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]store.ErrorEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT at, scope, kind, entity_id, message
		FROM error_log ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, store.Wrap("recent errors", err)
	}
	defer rows.Close()
	var out []store.ErrorEntry
	for rows.Next() {
		var (
			entry       store.ErrorEntry
			at          int64
			scope, kind string
		)
		if err := rows.Scan(&at, &scope, &kind, &entry.EntityID, &entry.Message); err != nil {
			return nil, store.Wrap("recent errors", err)
		}
		entry.At = fromNanos(at)
		entry.Scope = store.ErrorScope(scope)
		entry.Kind = outreach.ActionKind(kind)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("recent errors", err)
	}
	return out, nil
}

func getEntity(ctx context.Context, q querier, id string) (outreach.Entity, error) {
	out, err := queryEntities(ctx, q, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	if err != nil {
		return outreach.Entity{}, err
	}
	if len(out) == 0 {
		return outreach.Entity{}, store.ErrNotFound
	}
	return out[0], nil
}

// queryEntities scans entity rows, then loads their history. Rows are fully
// drained before history queries run because the pool has one connection.
func queryEntities(ctx context.Context, q querier, query string, args ...any) ([]outreach.Entity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []outreach.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range out {
		history, err := loadHistory(ctx, q, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].History = history
	}
	return out, nil
}

func scanEntity(rows *sql.Rows) (outreach.Entity, error) {
	var (
		e                              outreach.Entity
		attrs, attempts, tier, state   string
		nextEligible, created, updated int64
	)
	if err := rows.Scan(&e.ID, &attrs, &e.Score, &tier, &e.WeightsVersion, &state, &e.StateReason,
		&attempts, &nextEligible, &created, &updated); err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return e, fmt.Errorf("decoding attributes of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(attempts), &e.Attempts); err != nil {
		return e, fmt.Errorf("decoding attempts of %s: %w", e.ID, err)
	}
	if e.Attributes == nil {
		e.Attributes = outreach.Attributes{}
	}
	if e.Attempts == nil {
		e.Attempts = map[outreach.ActionKind]int{}
	}
	e.Tier = outreach.Tier(tier)
	e.State = outreach.State(state)
	e.NextEligibleAt = fromNanos(nextEligible)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return e, nil
}

func loadHistory(ctx context.Context, q querier, id string) ([]outreach.ActionRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT kind, at, outcome, reason, delay_ns
		FROM action_history WHERE entity_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []outreach.ActionRecord
	for rows.Next() {
		var (
			rec           outreach.ActionRecord
			kind, outcome string
			at, delay     int64
		)
		if err := rows.Scan(&kind, &at, &outcome, &rec.Reason, &delay); err != nil {
			return nil, err
		}
		rec.Kind = outreach.ActionKind(kind)
		rec.At = fromNanos(at)
		rec.Outcome = outreach.OutcomeClass(outcome)
		rec.Delay = time.Duration(delay)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func writeEntity(ctx context.Context, q querier, e outreach.Entity) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("encoding attributes of %s: %w", e.ID, err)
	}
	attempts, err := json.Marshal(e.Attempts)
	if err != nil {
		return fmt.Errorf("encoding attempts of %s: %w", e.ID, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			attributes = excluded.attributes,
			score = excluded.score,
			tier = excluded.tier,
			weights_version = excluded.weights_version,
			state = excluded.state,
			state_reason = excluded.state_reason,
			attempts = excluded.attempts,
			next_eligible_at = excluded.next_eligible_at,
			updated_at = excluded.updated_at`,
		e.ID, string(attrs), e.Score, string(e.Tier), e.WeightsVersion, string(e.State), e.StateReason,
		string(attempts), nanos(e.NextEligibleAt), nanos(e.CreatedAt), nanos(e.UpdatedAt),
	)
	return err
}

func appendHistory(ctx context.Context, q querier, id string, recs []outreach.ActionRecord) error {
	for _, rec := range recs {
		if _, err := q.ExecContext(ctx, `INSERT INTO action_history (entity_id, kind, at, outcome, reason, delay_ns)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, string(rec.Kind), nanos(rec.At), string(rec.Outcome), rec.Reason, int64(rec.Delay),
		); err != nil {
			return err
		}
	}
	return nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
