// Package postgres provides the Postgres-backed store.Store.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const entityColumns = `id, attributes, score, tier, weights_version, state, state_reason,
	attempts, next_eligible_at, created_at, updated_at`

// zeroTime stands in for "never" in NOT NULL timestamp columns.
var zeroTime = time.Unix(0, 0).UTC()

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// queryer is the statement surface shared by the pool and transactions.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pool interface {
	queryer
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements store.Store on Postgres. Per-entity read-modify-write runs
// in a transaction holding a row lock.
type Store struct {
	pool pool
	cfg  store.Config
}

var _ store.Store = (*Store)(nil)

// New connects to Postgres, ensures the schema exists and returns a Store.
func New(ctx context.Context, cfg Config, storeCfg store.Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: p, cfg: storeCfg}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, storeCfg store.Config) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p, cfg: storeCfg}, nil
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Upsert implements store.EntityStore.
func (s *Store) Upsert(ctx context.Context, c outreach.Candidate) (outreach.Entity, bool, error) {
	var (
		out   outreach.Entity
		isNew bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := lockEntity(ctx, tx, c.ID)
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
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := lockEntity(ctx, tx, id)
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
		for _, rec := range next.History[len(current.History):] {
			if _, err := tx.Exec(ctx, `INSERT INTO action_history (entity_id, kind, at, outcome, reason, delay_ns)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				id, string(rec.Kind), rec.At, string(rec.Outcome), rec.Reason, int64(rec.Delay),
			); err != nil {
				return fmt.Errorf("insert history: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO daily_counters (day, kind, outcome, count)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (day, kind, outcome) DO UPDATE SET count = daily_counters.count + 1`,
			outreach.DayKey(a.At, s.cfg.Loc()), string(a.Kind), string(a.Outcome.Class()),
		); err != nil {
			return fmt.Errorf("bump daily counter: %w", err)
		}
		return nil
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
	out, err := queryEntities(ctx, s.pool, `SELECT `+entityColumns+` FROM entities
		WHERE state = $1 AND next_eligible_at <= $2
		ORDER BY tier ASC, score DESC, id COLLATE "C" ASC
		LIMIT $3`, string(gate), now, limit)
	if err != nil {
		return nil, store.Wrap("query eligible", err)
	}
	return out, nil
}

// ListByState implements store.EntityStore.
func (s *Store) ListByState(ctx context.Context, state outreach.State, limit int) ([]outreach.Entity, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	out, err := queryEntities(ctx, s.pool, `SELECT `+entityColumns+` FROM entities
		WHERE state = $1 ORDER BY id COLLATE "C" LIMIT $2`, string(state), lim)
	if err != nil {
		return nil, store.Wrap("list by state", err)
	}
	return out, nil
}

// Qualify implements store.EntityStore.
func (s *Store) Qualify(ctx context.Context, id string, at time.Time) (outreach.Entity, error) {
	var out outreach.Entity
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := lockEntity(ctx, tx, id)
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
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := lockEntity(ctx, tx, id)
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
	out, err := queryEntities(ctx, s.pool, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	if err != nil {
		return outreach.Entity{}, store.Wrap("get", err)
	}
	if len(out) == 0 {
		return outreach.Entity{}, store.ErrNotFound
	}
	return out[0], nil
}

// List implements store.EntityStore.
func (s *Store) List(ctx context.Context) ([]outreach.Entity, error) {
	out, err := queryEntities(ctx, s.pool, `SELECT `+entityColumns+` FROM entities ORDER BY id COLLATE "C"`)
	if err != nil {
		return nil, store.Wrap("list", err)
	}
	return out, nil
}

// DailyCounts implements store.QuotaRepository.
func (s *Store) DailyCounts(ctx context.Context, day string) ([]store.DailyCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT day, kind, outcome, count FROM daily_counters WHERE day = $1 ORDER BY kind, outcome`, day)
	if err != nil {
		return nil, store.Wrap("daily counts", err)
	}
	defer rows.Close()
	var out []store.DailyCount
	for rows.Next() {
		var (
			dc            store.DailyCount
			kind, outcome string
			count         int64
		)
		if err := rows.Scan(&dc.Day, &kind, &outcome, &count); err != nil {
			return nil, store.Wrap("daily counts", err)
		}
		dc.Kind = outreach.ActionKind(kind)
		dc.Outcome = outreach.OutcomeClass(outcome)
		dc.Count = int(count)
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("daily counts", err)
	}
	return out, nil
}

// SuccessesSince implements store.QuotaRepository.
func (s *Store) SuccessesSince(ctx context.Context, kind outreach.ActionKind, since time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT at FROM action_history
		WHERE kind = $1 AND outcome = $2 AND at >= $3 ORDER BY at`,
		string(kind), string(outreach.ClassSuccess), since)
	if err != nil {
		return nil, store.Wrap("successes since", err)
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, store.Wrap("successes since", err)
		}
		out = append(out, at.UTC())
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (cycle_id, started_at, finished_at, status, actions, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cycle_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			status = EXCLUDED.status,
			actions = EXCLUDED.actions,
			note = EXCLUDED.note`,
		cp.CycleID, cp.StartedAt, orZero(cp.FinishedAt), string(cp.Status), actions, cp.Note,
	)
	return store.Wrap("save checkpoint", err)
}

// LatestCheckpoint implements store.CheckpointRepository.
func (s *Store) LatestCheckpoint(ctx context.Context) (store.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT cycle_id, started_at, finished_at, status, actions, note
		FROM checkpoints ORDER BY started_at DESC LIMIT 1`)
	if err != nil {
		return store.Checkpoint{}, store.Wrap("latest checkpoint", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return store.Checkpoint{}, store.Wrap("latest checkpoint", err)
		}
		return store.Checkpoint{}, store.ErrNotFound
	}
	var (
		cp      store.Checkpoint
		status  string
		actions []byte
	)
	if err := rows.Scan(&cp.CycleID, &cp.StartedAt, &cp.FinishedAt, &status, &actions, &cp.Note); err != nil {
		return store.Checkpoint{}, store.Wrap("latest checkpoint", err)
	}
	cp.StartedAt = cp.StartedAt.UTC()
	cp.FinishedAt = fromZero(cp.FinishedAt)
	cp.Status = store.CheckpointStatus(status)
	if err := json.Unmarshal(actions, &cp.Actions); err != nil {
		return store.Checkpoint{}, store.Wrap("latest checkpoint", err)
	}
	return cp, nil
}

// LogError implements store.ErrorLog.
func (s *Store) LogError(ctx context.Context, entry store.ErrorEntry) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO error_log (at, scope, kind, entity_id, message)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.At, string(entry.Scope), string(entry.Kind), entry.EntityID, entry.Message)
	return store.Wrap("log error", err)
}

// RecentErrors implements store.ErrorLog.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]store.ErrorEntry, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `SELECT at, scope, kind, entity_id, message
		FROM error_log ORDER BY seq DESC LIMIT $1`, lim)
	if err != nil {
		return nil, store.Wrap("recent errors", err)
	}
	defer rows.Close()
	var out []store.ErrorEntry
	for rows.Next() {
		var (
			entry       store.ErrorEntry
			scope, kind string
		)
		if err := rows.Scan(&entry.At, &scope, &kind, &entry.EntityID, &entry.Message); err != nil {
			return nil, store.Wrap("recent errors", err)
		}
		entry.At = entry.At.UTC()
		entry.Scope = store.ErrorScope(scope)
		entry.Kind = outreach.ActionKind(kind)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("recent errors", err)
	}
	return out, nil
}

func lockEntity(ctx context.Context, tx pgx.Tx, id string) (outreach.Entity, error) {
	out, err := queryEntities(ctx, tx, `SELECT `+entityColumns+` FROM entities WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return outreach.Entity{}, err
	}
	if len(out) == 0 {
		return outreach.Entity{}, store.ErrNotFound
	}
	return out[0], nil
}

func queryEntities(ctx context.Context, q queryer, sql string, args ...any) ([]outreach.Entity, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	var (
		out []outreach.Entity
		ids []string
	)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, e)
		ids = append(ids, e.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	history, err := loadHistory(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].History = history[out[i].ID]
	}
	return out, nil
}

func scanEntity(rows pgx.Rows) (outreach.Entity, error) {
	var (
		e                outreach.Entity
		attrs, attempts  []byte
		tier, state      string
		nextEligible     time.Time
		created, updated time.Time
	)
	if err := rows.Scan(&e.ID, &attrs, &e.Score, &tier, &e.WeightsVersion, &state, &e.StateReason,
		&attempts, &nextEligible, &created, &updated); err != nil {
		return e, fmt.Errorf("scan entity: %w", err)
	}
	if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
		return e, fmt.Errorf("decoding attributes of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal(attempts, &e.Attempts); err != nil {
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
	e.NextEligibleAt = fromZero(nextEligible)
	e.CreatedAt = created.UTC()
	e.UpdatedAt = updated.UTC()
	return e, nil
}

func loadHistory(ctx context.Context, q queryer, ids []string) (map[string][]outreach.ActionRecord, error) {
	rows, err := q.Query(ctx, `SELECT entity_id, kind, at, outcome, reason, delay_ns
		FROM action_history WHERE entity_id = ANY($1) ORDER BY entity_id, seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]outreach.ActionRecord, len(ids))
	for rows.Next() {
		var (
			rec                     outreach.ActionRecord
			entityID, kind, outcome string
			delay                   int64
		)
		if err := rows.Scan(&entityID, &kind, &rec.At, &outcome, &rec.Reason, &delay); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.Kind = outreach.ActionKind(kind)
		rec.At = rec.At.UTC()
		rec.Outcome = outreach.OutcomeClass(outcome)
		rec.Delay = time.Duration(delay)
		out[entityID] = append(out[entityID], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return out, nil
}

func writeEntity(ctx context.Context, q queryer, e outreach.Entity) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("encoding attributes of %s: %w", e.ID, err)
	}
	attempts, err := json.Marshal(e.Attempts)
	if err != nil {
		return fmt.Errorf("encoding attempts of %s: %w", e.ID, err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			attributes = EXCLUDED.attributes,
			score = EXCLUDED.score,
			tier = EXCLUDED.tier,
			weights_version = EXCLUDED.weights_version,
			state = EXCLUDED.state,
			state_reason = EXCLUDED.state_reason,
			attempts = EXCLUDED.attempts,
			next_eligible_at = EXCLUDED.next_eligible_at,
			updated_at = EXCLUDED.updated_at`,
		e.ID, attrs, e.Score, string(e.Tier), e.WeightsVersion, string(e.State), e.StateReason,
		attempts, orZero(e.NextEligibleAt), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("write entity %s: %w", e.ID, err)
	}
	return nil
}

func orZero(t time.Time) time.Time {
	if t.IsZero() {
		return zeroTime
	}
	return t
}

func fromZero(t time.Time) time.Time {
	if t.Equal(zeroTime) {
		return time.Time{}
	}
	return t.UTC()
}
