package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// FileRepo persists scanned files.
type FileRepo struct{ Pool PgxPool }

// NewFileRepo constructs a FileRepo with the given pool.
func NewFileRepo(p PgxPool) *FileRepo { return &FileRepo{Pool: p} }

// Upsert inserts or refreshes a file row, keyed by (run_id, file_path), and
// returns its id.
func (r *FileRepo) Upsert(ctx domain.Context, f domain.File) (int64, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.Upsert")
	defer span.End()
	q := `INSERT INTO files (file_path, status, hash, last_processed, run_id)
	      VALUES ($1,$2,$3,$4,$5)
	      ON CONFLICT (run_id, file_path)
	      DO UPDATE SET status=EXCLUDED.status, hash=EXCLUDED.hash, last_processed=EXCLUDED.last_processed
	      RETURNING id`
	var id int64
	if err := r.Pool.QueryRow(ctx, q, f.FilePath, f.Status, f.Hash, time.Now().UTC(), f.RunID).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=files.upsert: %w", err)
	}
	return id, nil
}

// UpdateStatus moves a file to a new processing status.
func (r *FileRepo) UpdateStatus(ctx domain.Context, id int64, status domain.FileStatus) error {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.UpdateStatus")
	defer span.End()
	q := `UPDATE files SET status=$2, last_processed=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=files.update_status: %w", err)
	}
	return nil
}

// GetByPath loads one file by run and path.
func (r *FileRepo) GetByPath(ctx domain.Context, runID, path string) (domain.File, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.GetByPath")
	defer span.End()
	q := `SELECT id, file_path, status, COALESCE(hash,''), last_processed, run_id FROM files WHERE run_id=$1 AND file_path=$2`
	var f domain.File
	err := r.Pool.QueryRow(ctx, q, runID, path).Scan(&f.ID, &f.FilePath, &f.Status, &f.Hash, &f.LastProcessed, &f.RunID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.File{}, fmt.Errorf("op=files.get_by_path: %w", domain.ErrNotFound)
		}
		return domain.File{}, fmt.Errorf("op=files.get_by_path: %w", err)
	}
	return f, nil
}
