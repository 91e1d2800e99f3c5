package sink

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresJournal records operations in PostgreSQL.
type PostgresJournal struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresJournal connects to dsn and creates the journal table if needed.
func NewPostgresJournal(ctx context.Context, dsn string) (*PostgresJournal, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	j := &PostgresJournal{
		pool: pool,
		log:  slog.With("component", "journal"),
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	j.log.Info("connected to PostgreSQL journal")
	return j, nil
}

// Record upserts rec, keyed by operation and outcome.
func (j *PostgresJournal) Record(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO rbe_reported_operations (
			id, operation_name, outcome, done, stage, action_digest,
			exit_code, output_files, output_directories, payload, recorded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (operation_name, outcome)
		DO UPDATE SET
			done = EXCLUDED.done,
			stage = EXCLUDED.stage,
			action_digest = EXCLUDED.action_digest,
			exit_code = EXCLUDED.exit_code,
			output_files = EXCLUDED.output_files,
			output_directories = EXCLUDED.output_directories,
			payload = EXCLUDED.payload,
			recorded_at = EXCLUDED.recorded_at
	`

	var actionDigest *string
	if rec.ActionDigest != "" {
		actionDigest = &rec.ActionDigest
	}

	_, err := j.pool.Exec(ctx, query,
		rec.ID,
		rec.Operation,
		rec.Outcome,
		rec.Done,
		rec.Stage,
		actionDigest,
		rec.ExitCode,
		rec.OutputFiles,
		rec.OutputDirectories,
		string(rec.Payload),
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record operation %s: %w", rec.Operation, err)
	}

	j.log.Debug("recorded operation", "operation", rec.Operation, "outcome", rec.Outcome)
	return nil
}

// Load returns the record for an operation and outcome.
func (j *PostgresJournal) Load(ctx context.Context, outcome, operation string) (*Record, error) {
	query := `
		SELECT id::text, operation_name, outcome, done, stage, COALESCE(action_digest, ''),
		       exit_code, output_files, output_directories, payload::text, recorded_at
		FROM rbe_reported_operations
		WHERE operation_name = $1 AND outcome = $2
	`

	var rec Record
	var payload string
	err := j.pool.QueryRow(ctx, query, operation, outcome).Scan(
		&rec.ID, &rec.Operation, &rec.Outcome, &rec.Done, &rec.Stage, &rec.ActionDigest,
		&rec.ExitCode, &rec.OutputFiles, &rec.OutputDirectories, &payload, &rec.RecordedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("load operation %s: %w", operation, err)
	}
	rec.Payload = []byte(payload)
	return &rec, nil
}

// Close releases database connections.
func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}

// Verify PostgresJournal implements Journal.
var _ Journal = (*PostgresJournal)(nil)
