package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
	"github.com/fairyhunter13/cognitive-triangulation/internal/observability"
	"github.com/fairyhunter13/cognitive-triangulation/internal/queue"
)

// QueueProvider hands out queue handles; the queue manager implements it.
type QueueProvider interface {
	GetQueue(name string) (domain.QueueHandle, error)
}

// PublisherConfig tunes the outbox poll loop.
type PublisherConfig struct {
	RunID           string
	PollingInterval time.Duration
	BatchLimit      int
}

// Stats is a snapshot of publisher progress.
type Stats struct {
	Polls             int64
	EventsPublished   int64
	EventsFailed      int64
	POIsWritten       int64
	RelationshipsKept int64
	UnresolvedSkipped int64
	ValidationBatches int64
	JobsEmitted       int64
}

// routeMap sends non-finding event types to their queue. Types absent from
// the map have nothing to fan out and are marked PUBLISHED terminally.
var routeMap = map[string]string{
	"graph-ingestion":                    queue.QueueGraphIngestion,
	"relationship-confidence-escalation": queue.QueueConfidenceEscalation,
	"triangulated-analysis":              queue.QueueTriangulatedAnalysis,
	"global-resolution":                  queue.QueueGlobalResolution,
	"reconciliation":                     queue.QueueReconciliation,
}

// Publisher drains PENDING outbox events into derived rows and downstream
// queue messages. One instance runs per pipeline; the poll loop is
// single-flight.
type Publisher struct {
	outbox domain.OutboxRepository
	files  domain.FileRepository
	pois   domain.POIRepository
	writer *BatchedWriter
	queues QueueProvider
	cfg    PublisherConfig

	mu      sync.Mutex
	running bool
	stats   Stats

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewPublisher constructs a publisher; call Start to begin polling.
func NewPublisher(ob domain.OutboxRepository, files domain.FileRepository, pois domain.POIRepository, writer *BatchedWriter, queues QueueProvider, cfg PublisherConfig) *Publisher {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	return &Publisher{
		outbox: ob,
		files:  files,
		pois:   pois,
		writer: writer,
		queues: queues,
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start polls until ctx is cancelled or Close is called. The current poll
// finishes before the loop exits.
func (p *Publisher) Start(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Close stops the poll loop after the in-flight poll completes.
func (p *Publisher) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// Stats returns a snapshot of progress counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Poll processes one batch of PENDING events. Reentrant calls return
// immediately. POI events are handled and flushed before relationship events
// so that relationship resolution sees their rows.
func (p *Publisher) Poll(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stats.Polls++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	events, err := p.outbox.FetchPending(ctx, p.cfg.RunID, p.cfg.BatchLimit)
	if err != nil {
		slog.Error("outbox fetch failed", slog.Any("error", err))
		return
	}
	if len(events) == 0 {
		return
	}

	var fileEvents, relEvents, otherEvents []domain.OutboxEvent
	for _, ev := range events {
		switch ev.EventType {
		case domain.EventFileAnalysisFinding:
			fileEvents = append(fileEvents, ev)
		case domain.EventRelationshipAnalysisFinding:
			relEvents = append(relEvents, ev)
		default:
			otherEvents = append(otherEvents, ev)
		}
	}

	for _, ev := range fileEvents {
		p.settle(ctx, ev, p.handleFileAnalysis(ctx, ev))
	}
	for _, ev := range relEvents {
		p.settle(ctx, ev, p.handleRelationshipAnalysis(ctx, ev))
	}
	for _, ev := range otherEvents {
		p.settle(ctx, ev, p.handleRouted(ctx, ev))
	}

	if err := p.writer.Flush(ctx); err != nil {
		slog.Error("outbox poll final flush failed", slog.Any("error", err))
	}
}

// settle marks one event's terminal status through the batched writer.
func (p *Publisher) settle(ctx context.Context, ev domain.OutboxEvent, err error) {
	status := domain.OutboxPublished
	if err != nil {
		status = domain.OutboxFailed
		slog.Error("outbox event failed",
			slog.String("event_id", ev.ID),
			slog.String("event_type", ev.EventType),
			slog.Any("error", err))
	}
	p.writer.EnqueueOutboxStatus(ctx, ev.ID, status)
	observability.OutboxPublishedTotal.WithLabelValues(string(status)).Inc()
	p.mu.Lock()
	if err != nil {
		p.stats.EventsFailed++
	} else {
		p.stats.EventsPublished++
	}
	p.mu.Unlock()
}

// handleFileAnalysis persists the finding's POIs and, once they are flushed,
// fans out one relationship-analysis job per POI with the rest of the file as
// context.
func (p *Publisher) handleFileAnalysis(ctx context.Context, ev domain.OutboxEvent) error {
	var finding domain.FileAnalysisFinding
	if err := domain.DecodeStrict(ev.Payload, &finding); err != nil {
		return err
	}
	if err := finding.Validate(); err != nil {
		return err
	}

	fileID, err := p.files.Upsert(ctx, domain.File{
		FilePath: finding.FilePath,
		Status:   domain.FileProcessed,
		RunID:    finding.RunID,
	})
	if err != nil {
		return err
	}

	for _, raw := range finding.POIs {
		p.writer.EnqueuePOI(ctx, domain.POI{
			FileID:      fileID,
			FilePath:    finding.FilePath,
			Name:        raw.Name,
			Type:        raw.Type,
			StartLine:   raw.StartLine,
			EndLine:     raw.EndLine,
			Description: raw.Description,
			IsExported:  raw.IsExported,
			SemanticID:  domain.SemanticID(finding.FilePath, raw.Name),
			Hash:        domain.POIHash(finding.FilePath, raw.Name, raw.Type, raw.StartLine),
			RunID:       finding.RunID,
		})
	}
	p.mu.Lock()
	p.stats.POIsWritten += int64(len(finding.POIs))
	p.mu.Unlock()

	// Rows must be visible before any job referencing them is enqueued.
	if err := p.writer.Flush(ctx); err != nil {
		return err
	}

	q, err := p.queues.GetQueue(queue.QueueRelationshipResolution)
	if err != nil {
		return err
	}
	for i, raw := range finding.POIs {
		contextPOIs := make([]domain.RawPOI, 0, len(finding.POIs)-1)
		contextPOIs = append(contextPOIs, finding.POIs[:i]...)
		contextPOIs = append(contextPOIs, finding.POIs[i+1:]...)
		job := domain.RelationshipAnalysisJob{
			RunID:       finding.RunID,
			FilePath:    finding.FilePath,
			POI:         raw,
			ContextPOIs: contextPOIs,
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("op=outbox.file_analysis: marshal job: %w", err)
		}
		if _, err := q.Add(ctx, "relationship-analysis-poi", data); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.stats.JobsEmitted += int64(len(finding.POIs))
	p.mu.Unlock()
	return nil
}

// handleRelationshipAnalysis resolves each raw relationship's endpoints,
// writes resolved ones as PENDING rows, and emits one validation batch for
// the whole finding. Unresolved endpoints skip that relationship with a
// warning; they never fail the event.
func (p *Publisher) handleRelationshipAnalysis(ctx context.Context, ev domain.OutboxEvent) error {
	var finding domain.RelationshipAnalysisFinding
	if err := domain.DecodeStrict(ev.Payload, &finding); err != nil {
		return err
	}
	if err := finding.Validate(); err != nil {
		return err
	}

	var items []domain.ValidationItem
	resolved := 0
	for _, raw := range finding.Relationships {
		from, err := p.resolvePOI(ctx, finding.RunID, raw.FilePath, raw.From)
		if err != nil {
			p.skipUnresolved(ev, raw.From, raw)
			continue
		}
		to, err := p.resolvePOI(ctx, finding.RunID, raw.FilePath, raw.To)
		if err != nil {
			p.skipUnresolved(ev, raw.To, raw)
			continue
		}

		p.writer.EnqueueRelationship(ctx, domain.Relationship{
			SourcePOIID: from.ID,
			TargetPOIID: to.ID,
			Type:        raw.Type,
			FilePath:    raw.FilePath,
			Status:      domain.RelPending,
			Confidence:  raw.Confidence,
			Evidence:    raw.Evidence,
			Reason:      raw.Reason,
			RunID:       finding.RunID,
		})
		resolved++

		// The evidence payload carries the raw candidate so the validation
		// worker can link the hash back to its relationship row.
		evidencePayload, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("op=outbox.relationship_analysis: marshal evidence: %w", err)
		}
		items = append(items, domain.ValidationItem{
			RelationshipHash: domain.RelationshipHash(raw.From, raw.To, raw.Type),
			EvidencePayload:  string(evidencePayload),
		})
	}

	p.mu.Lock()
	p.stats.RelationshipsKept += int64(resolved)
	p.mu.Unlock()

	if len(items) == 0 {
		// Every candidate was unresolved; the event itself still publishes.
		slog.Warn("relationship finding fully unresolved",
			slog.String("event_id", ev.ID),
			slog.String("run_id", finding.RunID),
			slog.Int("candidates", len(finding.Relationships)))
		return nil
	}

	// PENDING rows must exist before the validation job referencing them.
	if err := p.writer.Flush(ctx); err != nil {
		return err
	}

	batch := domain.ValidateRelationshipsBatch{RunID: finding.RunID, Relationships: items}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("op=outbox.relationship_analysis: marshal batch: %w", err)
	}
	q, err := p.queues.GetQueue(queue.QueueAnalysisFindings)
	if err != nil {
		return err
	}
	if _, err := q.Add(ctx, "validate-relationships-batch", data); err != nil {
		return err
	}
	p.mu.Lock()
	p.stats.ValidationBatches++
	p.stats.JobsEmitted++
	p.mu.Unlock()
	return nil
}

// resolvePOI looks a POI up by display name first, then by semantic id.
func (p *Publisher) resolvePOI(ctx context.Context, runID, filePath, ident string) (domain.POI, error) {
	poi, err := p.pois.FindByName(ctx, runID, filePath, ident)
	if err == nil {
		return poi, nil
	}
	return p.pois.FindBySemanticID(ctx, runID, ident)
}

func (p *Publisher) skipUnresolved(ev domain.OutboxEvent, ident string, raw domain.RawRelationship) {
	slog.Warn("unresolved relationship endpoint, skipping candidate",
		slog.String("event_id", ev.ID),
		slog.String("unresolved", ident),
		slog.String("from", raw.From),
		slog.String("to", raw.To),
		slog.String("type", raw.Type))
	observability.OutboxUnresolvedTotal.Inc()
	p.mu.Lock()
	p.stats.UnresolvedSkipped++
	p.mu.Unlock()
}

// handleRouted fans a generic event out to its statically mapped queue, or
// publishes it terminally when no queue is mapped.
func (p *Publisher) handleRouted(ctx context.Context, ev domain.OutboxEvent) error {
	name, ok := routeMap[ev.EventType]
	if !ok {
		slog.Debug("outbox event has no queue route, publishing terminally",
			slog.String("event_type", ev.EventType))
		return nil
	}
	q, err := p.queues.GetQueue(name)
	if err != nil {
		return err
	}
	if _, err := q.Add(ctx, ev.EventType, ev.Payload); err != nil {
		return err
	}
	p.mu.Lock()
	p.stats.JobsEmitted++
	p.mu.Unlock()
	return nil
}
