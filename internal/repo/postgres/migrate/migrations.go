package migrate

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// migrations returns the built-in schema in version order. Every statement is
// idempotent so a partially applied prior run can be resumed.
func migrations() []Migration {
	return []Migration{
		{
			Version:     "001_core_tables",
			Description: "files, pois and relationships tables",
			Up:          upCoreTables,
			Validate:    validateTables("files", "pois", "relationships"),
		},
		{
			Version:     "002_evidence",
			Description: "relationship evidence and tracking aggregates",
			Up:          upEvidence,
			Validate:    validateTables("relationship_evidence", "relationship_evidence_tracking"),
		},
		{
			Version:     "003_outbox",
			Description: "transactional outbox",
			Up:          upOutbox,
			Validate:    validateTables("outbox"),
		},
		{
			Version:     "004_triangulation_sessions",
			Description: "triangulated analysis sessions",
			Up:          upSessions,
			Validate:    validateTables("triangulated_analysis_sessions"),
		},
	}
}

func upCoreTables(ctx context.Context, tx pgx.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			id             BIGSERIAL PRIMARY KEY,
			file_path      TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'pending',
			hash           TEXT,
			last_processed TIMESTAMPTZ,
			run_id         TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_files_run_path ON files (run_id, file_path)`,
		`CREATE TABLE IF NOT EXISTS pois (
			id          BIGSERIAL PRIMARY KEY,
			file_id     BIGINT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
			file_path   TEXT NOT NULL,
			name        TEXT NOT NULL,
			type        TEXT NOT NULL,
			start_line  INT NOT NULL,
			end_line    INT NOT NULL,
			description TEXT,
			is_exported BOOLEAN NOT NULL DEFAULT false,
			semantic_id TEXT NOT NULL,
			hash        TEXT NOT NULL UNIQUE,
			run_id      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pois_run ON pois (run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pois_semantic ON pois (semantic_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pois_file ON pois (file_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pois_type_name ON pois (type, name)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id            BIGSERIAL PRIMARY KEY,
			source_poi_id BIGINT NOT NULL REFERENCES pois(id) ON DELETE CASCADE,
			target_poi_id BIGINT NOT NULL REFERENCES pois(id) ON DELETE CASCADE,
			type          TEXT NOT NULL,
			file_path     TEXT,
			status        TEXT NOT NULL DEFAULT 'PENDING',
			confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
			evidence      TEXT,
			reason        TEXT,
			run_id        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_status ON relationships (status)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_endpoints ON relationships (source_poi_id, target_poi_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_run_status ON relationships (run_id, status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_relationships_identity ON relationships (run_id, source_poi_id, target_poi_id, type)`,
	}
	return execAll(ctx, tx, stmts)
}

func upEvidence(ctx context.Context, tx pgx.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relationship_evidence (
			id                BIGSERIAL PRIMARY KEY,
			relationship_hash TEXT NOT NULL,
			relationship_id   BIGINT REFERENCES relationships(id) ON DELETE SET NULL,
			payload           TEXT NOT NULL,
			confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
			run_id            TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_run_hash ON relationship_evidence (run_id, relationship_hash)`,
		`CREATE TABLE IF NOT EXISTS relationship_evidence_tracking (
			id                BIGSERIAL PRIMARY KEY,
			run_id            TEXT NOT NULL,
			relationship_hash TEXT NOT NULL,
			relationship_id   BIGINT REFERENCES relationships(id) ON DELETE SET NULL,
			evidence_count    INT NOT NULL DEFAULT 0,
			expected_count    INT NOT NULL DEFAULT 1,
			total_confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
			status            TEXT NOT NULL DEFAULT 'PENDING',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			processed_at      TIMESTAMPTZ,
			error_message     TEXT,
			UNIQUE (run_id, relationship_hash)
		)`,
	}
	return execAll(ctx, tx, stmts)
}

func upOutbox(ctx context.Context, tx pgx.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox (
			id         TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload    BYTEA NOT NULL,
			status     TEXT NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox (status)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_run_status ON outbox (run_id, status)`,
	}
	return execAll(ctx, tx, stmts)
}

func upSessions(ctx context.Context, tx pgx.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS triangulated_analysis_sessions (
			id                 TEXT PRIMARY KEY,
			run_id             TEXT NOT NULL,
			relationship_id    BIGINT REFERENCES relationships(id) ON DELETE CASCADE,
			status             TEXT NOT NULL DEFAULT 'PENDING',
			initial_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			final_confidence   DOUBLE PRECISION,
			consensus_score    DOUBLE PRECISION,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_run ON triangulated_analysis_sessions (run_id)`,
	}
	return execAll(ctx, tx, stmts)
}

func execAll(ctx context.Context, tx pgx.Tx, stmts []string) error {
	for _, s := range stmts {
		if _, err := tx.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// validateTables asserts the named tables exist after Up.
func validateTables(names ...string) func(ctx context.Context, tx pgx.Tx) error {
	return func(ctx context.Context, tx pgx.Tx) error {
		for _, name := range names {
			var ok bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)`,
				name).Scan(&ok); err != nil {
				return err
			}
			if !ok {
				return pgx.ErrNoRows
			}
		}
		return nil
	}
}
