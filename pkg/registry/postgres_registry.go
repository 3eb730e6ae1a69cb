package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

// PostgresRegistry is a Source persisted in SQL.
type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

const pgRegistrySchema = `
CREATE TABLE IF NOT EXISTS processor_specs (
	ref TEXT PRIMARY KEY,
	processor_id TEXT NOT NULL,
	version TEXT NOT NULL,
	spec_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processor_specs_id ON processor_specs(processor_id);
`

func (r *PostgresRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, pgRegistrySchema)
	return err
}

// Register upserts a spec keyed by its full ref.
func (r *PostgresRegistry) Register(ctx context.Context, spec ProcessorSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	ref, _ := ParseRef(spec.Ref)
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}
	query := `
		INSERT INTO processor_specs (ref, processor_id, version, spec_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ref) DO UPDATE
		SET spec_json = $4, created_at = $5
	`
	_, err = r.db.ExecContext(ctx, query, spec.Ref, ref.ID(), ref.Version.Original(), string(specJSON), time.Now().UTC())
	return err
}

// Latest returns the highest semver registered for namespace/name.
func (r *PostgresRegistry) Latest(ctx context.Context, id string) (ProcessorSpec, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT version, spec_json FROM processor_specs WHERE processor_id = $1", id)
	if err != nil {
		return ProcessorSpec{}, err
	}
	defer func() { _ = rows.Close() }()

	type versioned struct {
		v   *semver.Version
		raw string
	}
	var all []versioned
	for rows.Next() {
		var ver, raw string
		if err := rows.Scan(&ver, &raw); err != nil {
			return ProcessorSpec{}, err
		}
		v, err := semver.StrictNewVersion(ver)
		if err != nil {
			continue
		}
		all = append(all, versioned{v: v, raw: raw})
	}
	if err := rows.Err(); err != nil {
		return ProcessorSpec{}, err
	}
	if len(all) == 0 {
		return ProcessorSpec{}, ErrNotFound
	}
	sort.Slice(all, func(i, j int) bool { return all[i].v.GreaterThan(all[j].v) })

	var spec ProcessorSpec
	if err := json.Unmarshal([]byte(all[0].raw), &spec); err != nil {
		return ProcessorSpec{}, err
	}
	return spec, nil
}

func (r *PostgresRegistry) List(ctx context.Context) ([]ProcessorSpec, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT spec_json FROM processor_specs ORDER BY ref")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []ProcessorSpec
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var s ProcessorSpec
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("corrupt spec row: %w", err)
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
