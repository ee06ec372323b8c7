package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/metropolis-io/metropolis/internal/core"
)

// Ledger implements core.Ledger on Postgres. It is the durable commit point
// for definitions and terminal results; every write is an idempotent upsert
// so retries after partial failures are safe.
type Ledger struct {
	db *sql.DB
}

// Config holds connection settings for the ledger database.
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.URL == "" {
		return nil, errors.New("ledger: database URL is required")
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	return &Ledger{db: db}, nil
}

// NewFromDB wraps an existing database handle; used by tests.
func NewFromDB(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Ping reports ledger reachability for health checks.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// EnsureSchema creates the ledger tables when they do not exist. Production
// deployments run real migrations out of band; this bootstrap keeps local
// and test environments self-contained.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS pipelines (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	definition  JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL REFERENCES pipelines(id),
	parameters  JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_results (
	instance_id TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	state       TEXT NOT NULL,
	result      JSONB,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letters (
	instance_id TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	last_error  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline_id);
CREATE INDEX IF NOT EXISTS idx_job_results_run ON job_results(run_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_run ON dead_letters(run_id);
`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// PersistDefinition stores an accepted pipeline definition. Re-persisting
// the same definition is a no-op; definitions are immutable once accepted.
func (l *Ledger) PersistDefinition(ctx context.Context, def *core.PipelineDefinition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, definition)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		def.ID, def.Name, payload,
	)
	if err != nil {
		return fmt.Errorf("persist definition %s: %w", def.ID, err)
	}
	return nil
}

// GetDefinition loads a definition by its identifier.
func (l *Ledger) GetDefinition(ctx context.Context, pipelineID string) (*core.PipelineDefinition, error) {
	return l.queryDefinition(ctx, `SELECT definition FROM pipelines WHERE id = $1`, pipelineID, pipelineID)
}

// GetDefinitionByName loads a definition by its unique name.
func (l *Ledger) GetDefinitionByName(ctx context.Context, name string) (*core.PipelineDefinition, error) {
	return l.queryDefinition(ctx, `SELECT definition FROM pipelines WHERE name = $1`, name, name)
}

func (l *Ledger) queryDefinition(ctx context.Context, query, arg, id string) (*core.PipelineDefinition, error) {
	var payload []byte
	err := l.db.QueryRowContext(ctx, query, arg).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("Pipeline", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", id, err)
	}

	var def core.PipelineDefinition
	if err := json.Unmarshal(payload, &def); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", id, err)
	}
	return &def, nil
}

// CreateRun records a new run. Idempotent under retried triggers.
func (l *Ledger) CreateRun(ctx context.Context, run *core.Run) error {
	var params interface{}
	if len(run.Parameters) > 0 {
		params = string(run.Parameters)
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline_id, parameters)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.PipelineID, params,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// PersistResult records a terminal result for an instance. This is the
// durable commit point for a successful execution: callers write here
// before advancing the broker. Safe to call twice with the same payload.
func (l *Ledger) PersistResult(ctx context.Context, inst *core.JobInstance) error {
	var result interface{}
	if len(inst.Result) > 0 {
		result = string(inst.Result)
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO job_results (instance_id, run_id, node_id, state, result, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (instance_id) DO UPDATE
		SET state = EXCLUDED.state, result = EXCLUDED.result, updated_at = now()`,
		inst.ID, inst.RunID, inst.NodeID, inst.State, result,
	)
	if err != nil {
		return fmt.Errorf("persist result %s: %w", inst.ID, err)
	}
	return nil
}

// PersistDeadLetter records a dead-letter entry. Safe to call twice.
func (l *Ledger) PersistDeadLetter(ctx context.Context, entry *core.DeadLetterEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO dead_letters (instance_id, run_id, node_id, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id) DO UPDATE
		SET attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error`,
		entry.InstanceID, entry.RunID, entry.NodeID, entry.Attempts, entry.LastError,
	)
	if err != nil {
		return fmt.Errorf("persist dead letter %s: %w", entry.InstanceID, err)
	}
	return nil
}
