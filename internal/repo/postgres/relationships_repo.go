package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// RelationshipRepo persists relationships.
type RelationshipRepo struct{ Pool PgxPool }

// NewRelationshipRepo constructs a RelationshipRepo with the given pool.
func NewRelationshipRepo(p PgxPool) *RelationshipRepo { return &RelationshipRepo{Pool: p} }

const relColumns = `id, source_poi_id, target_poi_id, type, COALESCE(file_path,''), status, confidence, COALESCE(evidence,''), COALESCE(reason,''), run_id`

// InsertBatch inserts relationships in one transaction. Duplicate candidates
// on (run_id, source, target, type) keep the highest confidence seen.
func (r *RelationshipRepo) InsertBatch(ctx domain.Context, rels []domain.Relationship) error {
	if len(rels) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.InsertBatch")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=relationships.insert_batch: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO relationships (source_poi_id, target_poi_id, type, file_path, status, confidence, evidence, reason, run_id)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	      ON CONFLICT (run_id, source_poi_id, target_poi_id, type)
	      DO UPDATE SET confidence=GREATEST(relationships.confidence, EXCLUDED.confidence),
	                    evidence=EXCLUDED.evidence, reason=EXCLUDED.reason`
	for _, rel := range rels {
		if _, err := tx.Exec(ctx, q,
			rel.SourcePOIID, rel.TargetPOIID, rel.Type, rel.FilePath,
			rel.Status, rel.Confidence, rel.Evidence, rel.Reason, rel.RunID); err != nil {
			return fmt.Errorf("op=relationships.insert_batch type=%s: %w", rel.Type, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=relationships.insert_batch: commit: %w", err)
	}
	return nil
}

// UpdateStatus moves one relationship to a validation verdict with its final
// confidence.
func (r *RelationshipRepo) UpdateStatus(ctx domain.Context, id int64, status domain.RelationshipStatus, confidence float64) error {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.UpdateStatus")
	defer span.End()
	q := `UPDATE relationships SET status=$2, confidence=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, confidence); err != nil {
		return fmt.Errorf("op=relationships.update_status: %w", err)
	}
	return nil
}

// FindByHashEndpoints loads the relationship row for resolved endpoints and
// type within a run.
func (r *RelationshipRepo) FindByHashEndpoints(ctx domain.Context, runID string, sourceID, targetID int64, typ string) (domain.Relationship, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.FindByHashEndpoints")
	defer span.End()
	q := `SELECT ` + relColumns + ` FROM relationships
	      WHERE run_id=$1 AND source_poi_id=$2 AND target_poi_id=$3 AND type=$4 LIMIT 1`
	rel, err := scanRelationship(r.Pool.QueryRow(ctx, q, runID, sourceID, targetID, typ))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Relationship{}, fmt.Errorf("op=relationships.find: %w", domain.ErrNotFound)
		}
		return domain.Relationship{}, fmt.Errorf("op=relationships.find: %w", err)
	}
	return rel, nil
}

// ListByStatus returns a run's relationships in one validation state.
func (r *RelationshipRepo) ListByStatus(ctx domain.Context, runID string, status domain.RelationshipStatus) ([]domain.Relationship, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.ListByStatus")
	defer span.End()
	q := `SELECT ` + relColumns + ` FROM relationships WHERE run_id=$1 AND status=$2 ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, runID, status)
	if err != nil {
		return nil, fmt.Errorf("op=relationships.list_by_status: %w", err)
	}
	defer rows.Close()
	var out []domain.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("op=relationships.list_by_status: %w", err)
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=relationships.list_by_status: %w", err)
	}
	return out, nil
}

func scanRelationship(row rowScanner) (domain.Relationship, error) {
	var rel domain.Relationship
	err := row.Scan(&rel.ID, &rel.SourcePOIID, &rel.TargetPOIID, &rel.Type, &rel.FilePath,
		&rel.Status, &rel.Confidence, &rel.Evidence, &rel.Reason, &rel.RunID)
	return rel, err
}
