package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// EvidenceRepo persists evidence rows and their per-hash tracking aggregates.
type EvidenceRepo struct{ Pool PgxPool }

// NewEvidenceRepo constructs an EvidenceRepo with the given pool.
func NewEvidenceRepo(p PgxPool) *EvidenceRepo { return &EvidenceRepo{Pool: p} }

// InsertEvidence appends one observation for a relationship hash.
func (r *EvidenceRepo) InsertEvidence(ctx domain.Context, ev domain.Evidence) error {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.Insert")
	defer span.End()
	q := `INSERT INTO relationship_evidence (relationship_hash, relationship_id, payload, confidence, run_id)
	      VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, ev.RelationshipHash, ev.RelationshipID, ev.Payload, ev.Confidence, ev.RunID); err != nil {
		return fmt.Errorf("op=evidence.insert: %w", err)
	}
	return nil
}

// UpsertTracking accumulates one observation into the (run, hash) aggregate
// and returns the updated row. The running average is maintained in SQL so
// concurrent workers cannot lose updates.
func (r *EvidenceRepo) UpsertTracking(ctx domain.Context, runID, relationshipHash string, confidence float64, expected int) (domain.EvidenceTracking, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.UpsertTracking")
	defer span.End()
	now := time.Now().UTC()
	q := `INSERT INTO relationship_evidence_tracking
	        (run_id, relationship_hash, evidence_count, expected_count, total_confidence, avg_confidence, status, created_at, updated_at)
	      VALUES ($1,$2,1,$3,$4,$4,$5,$6,$6)
	      ON CONFLICT (run_id, relationship_hash) DO UPDATE SET
	        evidence_count=relationship_evidence_tracking.evidence_count+1,
	        total_confidence=relationship_evidence_tracking.total_confidence+EXCLUDED.total_confidence,
	        avg_confidence=(relationship_evidence_tracking.total_confidence+EXCLUDED.total_confidence)
	                       /(relationship_evidence_tracking.evidence_count+1),
	        updated_at=EXCLUDED.updated_at
	      RETURNING id, run_id, relationship_hash, relationship_id, evidence_count, expected_count,
	                total_confidence, avg_confidence, status, created_at, updated_at, processed_at, COALESCE(error_message,'')`
	row := r.Pool.QueryRow(ctx, q, runID, relationshipHash, expected, confidence, domain.TrackingPending, now)
	t, err := scanTracking(row)
	if err != nil {
		return domain.EvidenceTracking{}, fmt.Errorf("op=evidence.upsert_tracking: %w", err)
	}
	return t, nil
}

// MarkTracking settles a tracking aggregate's terminal status.
func (r *EvidenceRepo) MarkTracking(ctx domain.Context, runID, relationshipHash string, status domain.TrackingStatus, errMsg string) error {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.MarkTracking")
	defer span.End()
	q := `UPDATE relationship_evidence_tracking
	      SET status=$3, error_message=NULLIF($4,''), processed_at=$5, updated_at=$5
	      WHERE run_id=$1 AND relationship_hash=$2`
	if _, err := r.Pool.Exec(ctx, q, runID, relationshipHash, status, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=evidence.mark_tracking: %w", err)
	}
	return nil
}

// GetTracking loads one tracking aggregate.
func (r *EvidenceRepo) GetTracking(ctx domain.Context, runID, relationshipHash string) (domain.EvidenceTracking, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.GetTracking")
	defer span.End()
	q := `SELECT id, run_id, relationship_hash, relationship_id, evidence_count, expected_count,
	             total_confidence, avg_confidence, status, created_at, updated_at, processed_at, COALESCE(error_message,'')
	      FROM relationship_evidence_tracking WHERE run_id=$1 AND relationship_hash=$2`
	t, err := scanTracking(r.Pool.QueryRow(ctx, q, runID, relationshipHash))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.EvidenceTracking{}, fmt.Errorf("op=evidence.get_tracking: %w", domain.ErrNotFound)
		}
		return domain.EvidenceTracking{}, fmt.Errorf("op=evidence.get_tracking: %w", err)
	}
	return t, nil
}

func scanTracking(row rowScanner) (domain.EvidenceTracking, error) {
	var t domain.EvidenceTracking
	err := row.Scan(&t.ID, &t.RunID, &t.RelationshipHash, &t.RelationshipID, &t.EvidenceCount,
		&t.ExpectedCount, &t.TotalConfidence, &t.AvgConfidence, &t.Status,
		&t.CreatedAt, &t.UpdatedAt, &t.ProcessedAt, &t.ErrorMessage)
	return t, err
}
