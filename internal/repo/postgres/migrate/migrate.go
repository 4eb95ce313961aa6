// Package migrate applies versioned, idempotent schema migrations to the
// relational store.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// advisoryLockKey serializes schema changes across processes.
const advisoryLockKey = 0x7C09A11E

// Migration is one schema change. Up runs inside a transaction; Validate
// runs in the same transaction after Up. IsNeeded lets a migration record
// itself as applied without running (schema already in shape).
type Migration struct {
	Version     string
	Description string
	Up          func(ctx context.Context, tx pgx.Tx) error
	Down        func(ctx context.Context, tx pgx.Tx) error
	IsNeeded    func(ctx context.Context, pool *pgxpool.Pool) (bool, error)
	Validate    func(ctx context.Context, tx pgx.Tx) error
}

// Runner applies registered migrations in version order.
type Runner struct {
	pool       *pgxpool.Pool
	migrations []Migration
}

// NewRunner constructs a runner with the built-in migration set.
func NewRunner(pool *pgxpool.Pool) *Runner {
	return &Runner{pool: pool, migrations: migrations()}
}

// Register adds a migration; tests use this to exercise failure paths.
func (r *Runner) Register(m Migration) {
	r.migrations = append(r.migrations, m)
}

// Run applies every missing migration. Any failure rolls back that
// migration's transaction and aborts, leaving earlier migrations applied.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	// Application-level exclusive lock: one migrator at a time.
	lockConn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("op=migrate.run: acquire conn: %w", err)
	}
	defer lockConn.Release()
	if _, err := lockConn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("op=migrate.run: advisory lock: %w", err)
	}
	defer func() {
		if _, err := lockConn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryLockKey); err != nil {
			slog.Warn("advisory unlock failed", slog.Any("error", err))
		}
	}()

	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return err
	}

	sorted := append([]Migration(nil), r.migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if applied[m.Version] {
			continue
		}
		if m.IsNeeded != nil {
			needed, err := m.IsNeeded(ctx, r.pool)
			if err != nil {
				return fmt.Errorf("op=migrate.run version=%s: is_needed: %w", m.Version, err)
			}
			if !needed {
				if err := r.recordApplied(ctx, m); err != nil {
					return err
				}
				slog.Info("migration not needed, recorded as applied",
					slog.String("version", m.Version))
				continue
			}
		}
		if err := r.apply(ctx, m); err != nil {
			return err
		}
		slog.Info("migration applied",
			slog.String("version", m.Version),
			slog.String("description", m.Description))
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=migrate.apply version=%s: begin: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := m.Up(ctx, tx); err != nil {
		return fmt.Errorf("op=migrate.apply version=%s: up: %w", m.Version, err)
	}
	if m.Validate != nil {
		if err := m.Validate(ctx, tx); err != nil {
			return fmt.Errorf("op=migrate.apply version=%s: validate: %w", m.Version, err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1,$2,$3)`,
		m.Version, m.Description, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=migrate.apply version=%s: record: %w", m.Version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=migrate.apply version=%s: commit: %w", m.Version, err)
	}
	return nil
}

func (r *Runner) ensureMigrationsTable(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("op=migrate.ensure_table: %w", err)
	}
	return nil
}

func (r *Runner) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("op=migrate.applied: %w", err)
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("op=migrate.applied: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=migrate.applied: %w", err)
	}
	return applied, nil
}

func (r *Runner) recordApplied(ctx context.Context, m Migration) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1,$2,$3)
		 ON CONFLICT (version) DO NOTHING`,
		m.Version, m.Description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=migrate.record version=%s: %w", m.Version, err)
	}
	return nil
}
