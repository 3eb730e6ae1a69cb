package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements Store on Postgres or SQLite. The CAS is a single
// UPDATE ... WHERE id = $n AND state = $m checked with RowsAffected.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	plan_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id),
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	execution_id TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	spec_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_state ON transitions(state, created_at);
CREATE INDEX IF NOT EXISTS idx_transitions_plan ON transitions(plan_id);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

func (s *SQLStore) CreatePlan(ctx context.Context, p Plan) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (id, plan_json, created_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		p.ID, string(raw), p.CreatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: plan %s", ErrExists, p.ID)
	}
	return nil
}

func (s *SQLStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT plan_json FROM plans WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("corrupt plan %s: %w", id, err)
	}
	return &p, nil
}

func (s *SQLStore) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plan_json FROM plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Plan
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p Plan
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateTransition(ctx context.Context, tr Transition) error {
	raw, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (id, plan_id, state, attempts, execution_id, last_error, spec_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (id) DO NOTHING`,
		tr.ID, tr.PlanID, string(tr.State), tr.Attempts, tr.ExecutionID, tr.LastError, string(raw), tr.CreatedAt, tr.UpdatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: transition %s", ErrExists, tr.ID)
	}
	return nil
}

const selectTransition = `SELECT state, attempts, execution_id, last_error, spec_json, updated_at FROM transitions`

func scanTransition(r interface{ Scan(...any) error }) (*Transition, error) {
	var state, raw string
	var attempts int
	var execID, lastErr string
	var updated time.Time
	if err := r.Scan(&state, &attempts, &execID, &lastErr, &raw, &updated); err != nil {
		return nil, err
	}
	var tr Transition
	if err := json.Unmarshal([]byte(raw), &tr); err != nil {
		return nil, fmt.Errorf("corrupt transition row: %w", err)
	}
	// Mutable columns win over the JSON written at creation.
	tr.State, tr.Attempts, tr.ExecutionID, tr.LastError, tr.UpdatedAt = State(state), attempts, execID, lastErr, updated
	return &tr, nil
}

func (s *SQLStore) GetTransition(ctx context.Context, id string) (*Transition, error) {
	tr, err := scanTransition(s.db.QueryRowContext(ctx, selectTransition+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transition %s", ErrNotFound, id)
	}
	return tr, err
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Transition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tr)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListTransitions(ctx context.Context, planID string) ([]Transition, error) {
	return s.query(ctx, selectTransition+` WHERE plan_id = $1 ORDER BY created_at, id`, planID)
}

func (s *SQLStore) ListByState(ctx context.Context, state State, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.query(ctx, selectTransition+` WHERE state = $1 ORDER BY created_at, id LIMIT $2`, string(state), limit)
}

func (s *SQLStore) CompareAndSwapState(ctx context.Context, id string, from, to State, upd Update) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	var execID, lastErr sql.NullString
	if upd.ExecutionID != nil {
		execID = sql.NullString{String: *upd.ExecutionID, Valid: true}
	}
	if upd.LastError != nil {
		lastErr = sql.NullString{String: *upd.LastError, Valid: true}
	}
	bump := 0
	if upd.BumpAttempt {
		bump = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transitions
		SET state = $1,
			updated_at = $2,
			execution_id = COALESCE($3, execution_id),
			last_error = COALESCE($4, last_error),
			attempts = attempts + $5
		WHERE id = $6 AND state = $7`,
		string(to), s.clock().UTC(), execID, lastErr, bump, id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetTransition(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is not %s", ErrStateConflict, id, from)
	}
	return nil
}
