// Package outbox implements the batched writer and the transactional outbox
// publisher, the durability spine between locally committed events and the
// derived tables plus downstream queues.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
	"github.com/fairyhunter13/cognitive-triangulation/internal/observability"
)

// WriterConfig tunes the batched writer.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

// BatchErrorHandler receives a batch that exhausted its retries.
type BatchErrorHandler func(table string, count int, err error)

type statusMark struct {
	id     string
	status domain.OutboxStatus
}

// BatchedWriter coalesces small writes into bounded per-table batches. Each
// flush of one table happens in one relational transaction; failed batches
// retry with exponential backoff before surfacing a batch error.
type BatchedWriter struct {
	pois    domain.POIRepository
	rels    domain.RelationshipRepository
	outbox  domain.OutboxRepository
	cfg     WriterConfig
	onError BatchErrorHandler

	mu        sync.Mutex
	poiBuf    []domain.POI
	relBuf    []domain.Relationship
	statusBuf []statusMark

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBatchedWriter constructs the writer and starts its interval flusher.
func NewBatchedWriter(pois domain.POIRepository, rels domain.RelationshipRepository, ob domain.OutboxRepository, cfg WriterConfig, onError BatchErrorHandler) *BatchedWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if onError == nil {
		onError = func(table string, count int, err error) {
			slog.Error("batch dropped after retries",
				slog.String("table", table),
				slog.Int("count", count),
				slog.Any("error", err))
		}
	}
	w := &BatchedWriter{
		pois:    pois,
		rels:    rels,
		outbox:  ob,
		cfg:     cfg,
		onError: onError,
		stop:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.flushLoop()
	return w
}

// EnqueuePOI buffers one POI insert, flushing when the buffer is full.
func (w *BatchedWriter) EnqueuePOI(ctx domain.Context, p domain.POI) {
	w.mu.Lock()
	w.poiBuf = append(w.poiBuf, p)
	full := len(w.poiBuf) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.flushPOIs(ctx)
	}
}

// EnqueueRelationship buffers one relationship insert.
func (w *BatchedWriter) EnqueueRelationship(ctx domain.Context, rel domain.Relationship) {
	w.mu.Lock()
	w.relBuf = append(w.relBuf, rel)
	full := len(w.relBuf) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.flushRelationships(ctx)
	}
}

// EnqueueOutboxStatus buffers one outbox status mark.
func (w *BatchedWriter) EnqueueOutboxStatus(ctx domain.Context, id string, status domain.OutboxStatus) {
	w.mu.Lock()
	w.statusBuf = append(w.statusBuf, statusMark{id: id, status: status})
	full := len(w.statusBuf) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.flushStatuses(ctx)
	}
}

// Flush writes every buffer now: POIs first, then relationships (whose FKs
// need the POIs visible), then outbox status marks. Returns the first error
// after retries; later buffers still flush.
func (w *BatchedWriter) Flush(ctx domain.Context) error {
	var first error
	if err := w.flushPOIs(ctx); err != nil && first == nil {
		first = err
	}
	if err := w.flushRelationships(ctx); err != nil && first == nil {
		first = err
	}
	if err := w.flushStatuses(ctx); err != nil && first == nil {
		first = err
	}
	return first
}

// Close flushes remaining buffers and stops the interval flusher.
func (w *BatchedWriter) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
	return w.Flush(context.Background())
}

func (w *BatchedWriter) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Flush(context.Background()); err != nil {
				slog.Warn("interval flush failed", slog.Any("error", err))
			}
		}
	}
}

func (w *BatchedWriter) flushPOIs(ctx domain.Context) error {
	w.mu.Lock()
	batch := w.poiBuf
	w.poiBuf = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return w.withRetry(ctx, "pois", len(batch), func() error {
		return w.pois.InsertBatch(ctx, batch)
	})
}

func (w *BatchedWriter) flushRelationships(ctx domain.Context) error {
	w.mu.Lock()
	batch := w.relBuf
	w.relBuf = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return w.withRetry(ctx, "relationships", len(batch), func() error {
		return w.rels.InsertBatch(ctx, batch)
	})
}

func (w *BatchedWriter) flushStatuses(ctx domain.Context) error {
	w.mu.Lock()
	batch := w.statusBuf
	w.statusBuf = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	byStatus := make(map[domain.OutboxStatus][]string)
	for _, m := range batch {
		byStatus[m.status] = append(byStatus[m.status], m.id)
	}
	return w.withRetry(ctx, "outbox-status", len(batch), func() error {
		for status, ids := range byStatus {
			if err := w.outbox.MarkBatch(ctx, ids, status); err != nil {
				return err
			}
		}
		return nil
	})
}

// withRetry runs one batch write with exponential backoff; exhausted batches
// go to the error handler.
func (w *BatchedWriter) withRetry(ctx domain.Context, table string, count int, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(w.cfg.MaxRetries)), ctx)

	err := backoff.Retry(fn, policy)
	if err != nil {
		observability.BatchFlushTotal.WithLabelValues(table, "error").Inc()
		w.onError(table, count, err)
		return fmt.Errorf("op=writer.flush table=%s: %w", table, err)
	}
	observability.BatchFlushTotal.WithLabelValues(table, "ok").Inc()
	return nil
}
