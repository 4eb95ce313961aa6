package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CleanupService handles run hygiene and data retention.
type CleanupService struct {
	Pool          *pgxpool.Pool
	RetentionDays int
}

// NewCleanupService creates a cleanup service.
func NewCleanupService(pool *pgxpool.Pool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// ClearRunData deletes every row belonging to one run, in dependency order,
// inside a single transaction. Run-start hygiene for re-analysis of the same
// codebase.
func (s *CleanupService) ClearRunData(ctx context.Context, runID string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=cleanup.clear_run: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tables := []string{
		"triangulated_analysis_sessions",
		"relationship_evidence_tracking",
		"relationship_evidence",
		"relationships",
		"pois",
		"outbox",
		"files",
	}
	for _, table := range tables {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE run_id=$1", table), runID); err != nil {
			return fmt.Errorf("op=cleanup.clear_run table=%s: %w", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.clear_run: commit: %w", err)
	}
	slog.Info("run data cleared", slog.String("run_id", runID))
	return nil
}

// CleanupOldData removes whole runs older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	rows, err := s.Pool.Query(ctx, `
		SELECT DISTINCT run_id FROM outbox WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.old_data: %w", err)
	}
	var runs []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			rows.Close()
			return fmt.Errorf("op=cleanup.old_data: %w", err)
		}
		runs = append(runs, runID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("op=cleanup.old_data: %w", err)
	}

	for _, runID := range runs {
		if err := s.ClearRunData(ctx, runID); err != nil {
			slog.Error("retention cleanup of run failed",
				slog.String("run_id", runID), slog.Any("error", err))
		}
	}
	slog.Info("data cleanup completed",
		slog.Int("runs_removed", len(runs)),
		slog.Time("cutoff", cutoff))
	return nil
}

// RunPeriodic runs retention cleanup on an interval until ctx is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
