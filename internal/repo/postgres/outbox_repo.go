package postgres

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// OutboxRepo persists outbox events. Rows are append-only; only status
// changes, and PUBLISHED/FAILED are terminal.
type OutboxRepo struct{ Pool PgxPool }

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool) *OutboxRepo { return &OutboxRepo{Pool: p} }

// Append stores one PENDING event, generating its id when empty.
func (r *OutboxRepo) Append(ctx domain.Context, ev domain.OutboxEvent) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Append")
	defer span.End()
	id := ev.ID
	if id == "" {
		id = ulid.Make().String()
	}
	status := ev.Status
	if status == "" {
		status = domain.OutboxPending
	}
	q := `INSERT INTO outbox (id, run_id, event_type, payload, status, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, id, ev.RunID, ev.EventType, ev.Payload, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=outbox.append: %w", err)
	}
	return nil
}

// FetchPending loads up to limit PENDING events of a run in creation order.
func (r *OutboxRepo) FetchPending(ctx domain.Context, runID string, limit int) ([]domain.OutboxEvent, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.FetchPending")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, run_id, event_type, payload, status, created_at
	      FROM outbox WHERE run_id=$1 AND status=$2 ORDER BY created_at, id LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, runID, domain.OutboxPending, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.fetch_pending: %w", err)
	}
	defer rows.Close()
	var out []domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.EventType, &ev.Payload, &ev.Status, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=outbox.fetch_pending: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.fetch_pending: %w", err)
	}
	return out, nil
}

// MarkBatch settles a batch of events into one terminal status. Only PENDING
// rows move; PUBLISHED and FAILED stay terminal under replays.
func (r *OutboxRepo) MarkBatch(ctx domain.Context, ids []string, status domain.OutboxStatus) error {
	if len(ids) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkBatch")
	defer span.End()
	q := `UPDATE outbox SET status=$1 WHERE id = ANY($2) AND status=$3`
	if _, err := r.Pool.Exec(ctx, q, status, ids, domain.OutboxPending); err != nil {
		return fmt.Errorf("op=outbox.mark_batch: %w", err)
	}
	return nil
}
