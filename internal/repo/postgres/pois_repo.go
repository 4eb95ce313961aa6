package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// POIRepo persists points of interest.
type POIRepo struct{ Pool PgxPool }

// NewPOIRepo constructs a POIRepo with the given pool.
func NewPOIRepo(p PgxPool) *POIRepo { return &POIRepo{Pool: p} }

const poiColumns = `id, file_id, file_path, name, type, start_line, end_line, COALESCE(description,''), is_exported, semantic_id, hash, run_id`

// InsertBatch inserts POIs in one transaction. The content hash is the
// idempotency key: replayed findings collapse onto the existing row.
func (r *POIRepo) InsertBatch(ctx domain.Context, pois []domain.POI) error {
	if len(pois) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.InsertBatch")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=pois.insert_batch: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO pois (file_id, file_path, name, type, start_line, end_line, description, is_exported, semantic_id, hash, run_id)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	      ON CONFLICT (hash) DO NOTHING`
	for _, p := range pois {
		if _, err := tx.Exec(ctx, q,
			p.FileID, p.FilePath, p.Name, p.Type, p.StartLine, p.EndLine,
			p.Description, p.IsExported, p.SemanticID, p.Hash, p.RunID); err != nil {
			return fmt.Errorf("op=pois.insert_batch poi=%s: %w", p.SemanticID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=pois.insert_batch: commit: %w", err)
	}
	return nil
}

// FindByName resolves a POI by display name, preferring the relationship's
// own file before falling back to any file in the run.
func (r *POIRepo) FindByName(ctx domain.Context, runID, filePath, name string) (domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.FindByName")
	defer span.End()
	q := `SELECT ` + poiColumns + ` FROM pois
	      WHERE run_id=$1 AND name=$2
	      ORDER BY (file_path=$3) DESC, id ASC
	      LIMIT 1`
	p, err := scanPOI(r.Pool.QueryRow(ctx, q, runID, name, filePath))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.POI{}, fmt.Errorf("op=pois.find_by_name name=%s: %w", name, domain.ErrUnresolvedReference)
		}
		return domain.POI{}, fmt.Errorf("op=pois.find_by_name: %w", err)
	}
	return p, nil
}

// FindBySemanticID resolves a POI by its stable cross-run identifier.
func (r *POIRepo) FindBySemanticID(ctx domain.Context, runID, semanticID string) (domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.FindBySemanticID")
	defer span.End()
	q := `SELECT ` + poiColumns + ` FROM pois WHERE run_id=$1 AND semantic_id=$2 LIMIT 1`
	p, err := scanPOI(r.Pool.QueryRow(ctx, q, runID, semanticID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.POI{}, fmt.Errorf("op=pois.find_by_semantic_id id=%s: %w", semanticID, domain.ErrUnresolvedReference)
		}
		return domain.POI{}, fmt.Errorf("op=pois.find_by_semantic_id: %w", err)
	}
	return p, nil
}

// ListByRun returns every POI of a run, ordered by file then position.
func (r *POIRepo) ListByRun(ctx domain.Context, runID string) ([]domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.ListByRun")
	defer span.End()
	q := `SELECT ` + poiColumns + ` FROM pois WHERE run_id=$1 ORDER BY file_path, start_line`
	rows, err := r.Pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("op=pois.list_by_run: %w", err)
	}
	defer rows.Close()
	var out []domain.POI
	for rows.Next() {
		p, err := scanPOI(rows)
		if err != nil {
			return nil, fmt.Errorf("op=pois.list_by_run: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=pois.list_by_run: %w", err)
	}
	return out, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanPOI(row rowScanner) (domain.POI, error) {
	var p domain.POI
	err := row.Scan(&p.ID, &p.FileID, &p.FilePath, &p.Name, &p.Type, &p.StartLine,
		&p.EndLine, &p.Description, &p.IsExported, &p.SemanticID, &p.Hash, &p.RunID)
	return p, err
}
