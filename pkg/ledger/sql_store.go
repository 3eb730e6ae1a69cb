package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/substrate/pkg/budget"
)

// Dialect selects SQL differences between Postgres and SQLite.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store using database/sql. On Postgres the plan row is
// locked with SELECT ... FOR UPDATE for the duration of a transaction. On
// SQLite the database must be opened with a single connection, which
// serializes writers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS ledger_plans (
	plan_id TEXT PRIMARY KEY,
	ceiling TEXT NOT NULL,
	reserved TEXT NOT NULL,
	settled TEXT NOT NULL,
	refunded TEXT NOT NULL,
	halted TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_events (
	plan_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	prev_hash TEXT NOT NULL,
	this_hash TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (plan_id, seq)
);
CREATE TABLE IF NOT EXISTS ledger_reservations (
	token TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	transition_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

func (s *SQLStore) WithPlanTx(ctx context.Context, planID string, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	if err := fn(&sqlTx{tx: tx, planID: planID, dialect: s.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Events(ctx context.Context, planID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT plan_id, seq, prev_hash, this_hash, event_type, payload, created_at FROM ledger_events WHERE plan_id = $1 ORDER BY seq`, planID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) Plan(ctx context.Context, planID string) (*PlanState, error) {
	return scanPlan(s.db.QueryRowContext(ctx, selectPlan, planID))
}

func (s *SQLStore) LookupReservation(ctx context.Context, token string) (*budget.Reservation, error) {
	return scanReservation(s.db.QueryRowContext(ctx, selectReservation, token))
}

func (s *SQLStore) Halt(ctx context.Context, planID, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE ledger_plans SET halted = $1 WHERE plan_id = $2`, reason, planID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrPlanNotFound
	}
	return nil
}

const (
	selectPlan        = `SELECT plan_id, ceiling, reserved, settled, refunded, halted FROM ledger_plans WHERE plan_id = $1`
	selectReservation = `SELECT token, plan_id, transition_id, amount, state, created_at FROM ledger_reservations WHERE token = $1`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(r scanner) (*Event, error) {
	var ev Event
	var payload string
	if err := r.Scan(&ev.PlanID, &ev.Seq, &ev.PrevHash, &ev.ThisHash, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

func scanPlan(r scanner) (*PlanState, error) {
	var st PlanState
	var ceiling, reserved, settled, refunded string
	err := r.Scan(&st.Balance.PlanID, &ceiling, &reserved, &settled, &refunded, &st.Halted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw string
		dst *budget.Amount
	}{{ceiling, &st.Balance.Ceiling}, {reserved, &st.Balance.Reserved}, {settled, &st.Balance.Settled}, {refunded, &st.Balance.Refunded}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("ledger: corrupt balance for plan %s: %w", st.Balance.PlanID, err)
		}
	}
	return &st, nil
}

func scanReservation(r scanner) (*budget.Reservation, error) {
	var res budget.Reservation
	var amount, state string
	err := r.Scan(&res.Token, &res.PlanID, &res.TransitionID, &amount, &state, &res.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(amount), &res.Amount); err != nil {
		return nil, fmt.Errorf("ledger: corrupt reservation %s: %w", res.Token, err)
	}
	res.State = budget.ReservationState(state)
	return &res, nil
}

type sqlTx struct {
	tx      *sql.Tx
	planID  string
	dialect Dialect
}

func (t *sqlTx) lockClause() string {
	if t.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (t *sqlTx) Plan(ctx context.Context) (*PlanState, error) {
	return scanPlan(t.tx.QueryRowContext(ctx, selectPlan+t.lockClause(), t.planID))
}

func (t *sqlTx) PutPlan(ctx context.Context, st PlanState, create bool) error {
	enc := func(a budget.Amount) string {
		b, _ := json.Marshal(a)
		return string(b)
	}
	b := st.Balance
	if create {
		if _, err := t.Plan(ctx); err == nil {
			return ErrPlanExists
		} else if !errors.Is(err, ErrPlanNotFound) {
			return err
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO ledger_plans (plan_id, ceiling, reserved, settled, refunded, halted, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.planID, enc(b.Ceiling), enc(b.Reserved), enc(b.Settled), enc(b.Refunded), st.Halted, time.Now().UTC())
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_plans SET reserved = $1, settled = $2, refunded = $3, halted = $4
		WHERE plan_id = $5`,
		enc(b.Reserved), enc(b.Settled), enc(b.Refunded), st.Halted, t.planID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrPlanNotFound
	}
	return nil
}

func (t *sqlTx) LastEvent(ctx context.Context) (*Event, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT plan_id, seq, prev_hash, this_hash, event_type, payload, created_at FROM ledger_events WHERE plan_id = $1 ORDER BY seq DESC LIMIT 1`, t.planID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (t *sqlTx) InsertEvent(ctx context.Context, ev Event) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_events (plan_id, seq, prev_hash, this_hash, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.PlanID, ev.Seq, ev.PrevHash, ev.ThisHash, ev.EventType, string(ev.Payload), ev.CreatedAt)
	return err
}

func (t *sqlTx) Reservation(ctx context.Context, token string) (*budget.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRowContext(ctx, selectReservation, token))
	if err != nil {
		return nil, err
	}
	if r.PlanID != t.planID {
		return nil, ErrReservationNotFound
	}
	return r, nil
}

func (t *sqlTx) PutReservation(ctx context.Context, r budget.Reservation, create bool) error {
	amount, err := json.Marshal(r.Amount)
	if err != nil {
		return err
	}
	if create {
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO ledger_reservations (token, plan_id, transition_id, amount, state, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			r.Token, r.PlanID, r.TransitionID, string(amount), string(r.State), r.CreatedAt)
		return err
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE ledger_reservations SET state = $1 WHERE token = $2 AND plan_id = $3`,
		string(r.State), r.Token, t.planID)
	return err
}
