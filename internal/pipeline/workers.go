package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/cognitive-triangulation/internal/breaker"
	"github.com/fairyhunter13/cognitive-triangulation/internal/concurrency"
	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
	"github.com/fairyhunter13/cognitive-triangulation/internal/observability"
)

// Worker kind names registered with the pool manager.
const (
	KindFileAnalysis           = "file-analysis"
	KindRelationshipResolution = "relationship-resolution"
	KindValidation             = "validation"
	KindGraphIngestion         = "graph-ingestion"
)

// FileAnalysisWorker turns file-analysis jobs into file-analysis-finding
// outbox events. The analyzer runs under the LLM breaker inside a managed
// execution slot.
type FileAnalysisWorker struct {
	analyzer domain.Analyzer
	outbox   domain.OutboxRepository
	pool     *concurrency.PoolManager
	breakers *breaker.Set
}

// NewFileAnalysisWorker constructs the worker.
func NewFileAnalysisWorker(analyzer domain.Analyzer, ob domain.OutboxRepository, pool *concurrency.PoolManager, breakers *breaker.Set) *FileAnalysisWorker {
	return &FileAnalysisWorker{analyzer: analyzer, outbox: ob, pool: pool, breakers: breakers}
}

// Handle processes one file-analysis job.
func (w *FileAnalysisWorker) Handle(ctx domain.Context, job domain.Job) error {
	var task domain.FileAnalysisTask
	if err := domain.DecodeStrict(job.Data, &task); err != nil {
		return err
	}
	return w.pool.ExecuteManaged(ctx, KindFileAnalysis, func(ctx context.Context) error {
		var finding domain.FileAnalysisFinding
		err := w.breakers.Execute(ctx, breaker.ServiceLLM, func(ctx context.Context) error {
			var aerr error
			finding, aerr = w.analyzer.AnalyzeFile(ctx, task.RunID, task.FilePath, task.Content)
			return aerr
		}, breaker.ExecuteOptions{MaxRetries: 2})
		if err != nil {
			return err
		}

		payload, err := json.Marshal(finding)
		if err != nil {
			return fmt.Errorf("op=worker.file_analysis: marshal finding: %w", err)
		}
		if err := w.outbox.Append(ctx, domain.OutboxEvent{
			RunID:     task.RunID,
			EventType: domain.EventFileAnalysisFinding,
			Payload:   payload,
		}); err != nil {
			return err
		}
		observability.Log(ctx).Debug("file analysis finding recorded",
			slog.String("file_path", task.FilePath),
			slog.Int("pois", len(finding.POIs)))
		return nil
	})
}

// RelationshipWorker turns relationship-analysis jobs into
// relationship-analysis-finding outbox events.
type RelationshipWorker struct {
	analyzer domain.Analyzer
	outbox   domain.OutboxRepository
	pool     *concurrency.PoolManager
	breakers *breaker.Set
}

// NewRelationshipWorker constructs the worker.
func NewRelationshipWorker(analyzer domain.Analyzer, ob domain.OutboxRepository, pool *concurrency.PoolManager, breakers *breaker.Set) *RelationshipWorker {
	return &RelationshipWorker{analyzer: analyzer, outbox: ob, pool: pool, breakers: breakers}
}

// Handle processes one relationship-analysis-poi job.
func (w *RelationshipWorker) Handle(ctx domain.Context, job domain.Job) error {
	var task domain.RelationshipAnalysisJob
	if err := domain.DecodeStrict(job.Data, &task); err != nil {
		return err
	}
	return w.pool.ExecuteManaged(ctx, KindRelationshipResolution, func(ctx context.Context) error {
		var finding domain.RelationshipAnalysisFinding
		err := w.breakers.Execute(ctx, breaker.ServiceLLM, func(ctx context.Context) error {
			var aerr error
			finding, aerr = w.analyzer.AnalyzeRelationships(ctx, task)
			return aerr
		}, breaker.ExecuteOptions{MaxRetries: 2})
		if err != nil {
			return err
		}
		if len(finding.Relationships) == 0 {
			return nil
		}

		payload, err := json.Marshal(finding)
		if err != nil {
			return fmt.Errorf("op=worker.relationship: marshal finding: %w", err)
		}
		return w.outbox.Append(ctx, domain.OutboxEvent{
			RunID:     task.RunID,
			EventType: domain.EventRelationshipAnalysisFinding,
			Payload:   payload,
		})
	})
}

// ValidationConfig holds the evidence thresholds.
type ValidationConfig struct {
	// ValidationThreshold: average confidence at or above validates.
	ValidationThreshold float64
	// DiscardThreshold: average confidence below discards.
	DiscardThreshold float64
	// ExpectedEvidence: observations required before a verdict.
	ExpectedEvidence int
}

// ValidationWorker aggregates evidence per relationship hash and settles the
// relationship's verdict once enough observations arrived: VALIDATED,
// DISCARDED, or ESCALATED to the external triangulation service.
type ValidationWorker struct {
	evidence domain.EvidenceRepository
	pois     domain.POIRepository
	rels     domain.RelationshipRepository
	sessions domain.SessionRepository
	outbox   domain.OutboxRepository
	pool     *concurrency.PoolManager
	cfg      ValidationConfig
}

// NewValidationWorker constructs the worker.
func NewValidationWorker(ev domain.EvidenceRepository, pois domain.POIRepository, rels domain.RelationshipRepository, sessions domain.SessionRepository, ob domain.OutboxRepository, pool *concurrency.PoolManager, cfg ValidationConfig) *ValidationWorker {
	if cfg.ValidationThreshold <= 0 {
		cfg.ValidationThreshold = 0.7
	}
	if cfg.DiscardThreshold <= 0 {
		cfg.DiscardThreshold = 0.3
	}
	if cfg.ExpectedEvidence <= 0 {
		cfg.ExpectedEvidence = 1
	}
	return &ValidationWorker{evidence: ev, pois: pois, rels: rels, sessions: sessions, outbox: ob, pool: pool, cfg: cfg}
}

// Handle processes one validate-relationships-batch job. A single item's
// failure fails only that item; the batch proceeds.
func (w *ValidationWorker) Handle(ctx domain.Context, job domain.Job) error {
	var batch domain.ValidateRelationshipsBatch
	if err := domain.DecodeStrict(job.Data, &batch); err != nil {
		return err
	}
	return w.pool.ExecuteManaged(ctx, KindValidation, func(ctx context.Context) error {
		var firstErr error
		for _, item := range batch.Relationships {
			if err := w.processItem(ctx, batch.RunID, item); err != nil {
				observability.Log(ctx).Error("validation item failed",
					slog.String("relationship_hash", item.RelationshipHash),
					slog.Any("error", err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	})
}

func (w *ValidationWorker) processItem(ctx context.Context, runID string, item domain.ValidationItem) error {
	var raw domain.RawRelationship
	if err := domain.DecodeStrict([]byte(item.EvidencePayload), &raw); err != nil {
		return err
	}

	rel, err := w.linkRelationship(ctx, runID, raw)
	if err != nil {
		return err
	}

	if err := w.evidence.InsertEvidence(ctx, domain.Evidence{
		RelationshipHash: item.RelationshipHash,
		RelationshipID:   &rel.ID,
		Payload:          item.EvidencePayload,
		Confidence:       raw.Confidence,
		RunID:            runID,
	}); err != nil {
		return err
	}

	tracking, err := w.evidence.UpsertTracking(ctx, runID, item.RelationshipHash, raw.Confidence, w.cfg.ExpectedEvidence)
	if err != nil {
		return err
	}
	if tracking.EvidenceCount < tracking.ExpectedCount {
		return nil
	}

	return w.settleVerdict(ctx, runID, item.RelationshipHash, rel, tracking.AvgConfidence)
}

// linkRelationship resolves the raw candidate's endpoints back to its
// relationship row.
func (w *ValidationWorker) linkRelationship(ctx context.Context, runID string, raw domain.RawRelationship) (domain.Relationship, error) {
	from, err := w.resolvePOI(ctx, runID, raw.FilePath, raw.From)
	if err != nil {
		return domain.Relationship{}, err
	}
	to, err := w.resolvePOI(ctx, runID, raw.FilePath, raw.To)
	if err != nil {
		return domain.Relationship{}, err
	}
	return w.rels.FindByHashEndpoints(ctx, runID, from.ID, to.ID, raw.Type)
}

func (w *ValidationWorker) resolvePOI(ctx context.Context, runID, filePath, ident string) (domain.POI, error) {
	poi, err := w.pois.FindByName(ctx, runID, filePath, ident)
	if err == nil {
		return poi, nil
	}
	return w.pois.FindBySemanticID(ctx, runID, ident)
}

// settleVerdict applies the threshold policy and marks the tracking row.
func (w *ValidationWorker) settleVerdict(ctx context.Context, runID, hash string, rel domain.Relationship, avgConfidence float64) error {
	switch {
	case avgConfidence >= w.cfg.ValidationThreshold:
		if err := w.rels.UpdateStatus(ctx, rel.ID, domain.RelValidated, avgConfidence); err != nil {
			return err
		}
	case avgConfidence < w.cfg.DiscardThreshold:
		if err := w.rels.UpdateStatus(ctx, rel.ID, domain.RelDiscarded, avgConfidence); err != nil {
			return err
		}
	default:
		if err := w.escalate(ctx, runID, rel, avgConfidence); err != nil {
			return err
		}
	}
	if err := w.evidence.MarkTracking(ctx, runID, hash, domain.TrackingCompleted, ""); err != nil {
		return err
	}
	observability.Log(ctx).Debug("relationship verdict settled",
		slog.Int64("relationship_id", rel.ID),
		slog.Float64("avg_confidence", avgConfidence))
	return nil
}

// escalate parks a mid-confidence relationship for external triangulation:
// ESCALATED status, a session row, and an outbox event the publisher routes
// to relationship-confidence-escalation.
func (w *ValidationWorker) escalate(ctx context.Context, runID string, rel domain.Relationship, avgConfidence float64) error {
	if err := w.rels.UpdateStatus(ctx, rel.ID, domain.RelEscalated, avgConfidence); err != nil {
		return err
	}
	if _, err := w.sessions.Create(ctx, domain.TriangulationSession{
		RunID:             runID,
		RelationshipID:    rel.ID,
		Status:            "PENDING",
		InitialConfidence: avgConfidence,
	}); err != nil {
		return err
	}
	payload, err := json.Marshal(domain.ConfidenceEscalation{
		RunID:            runID,
		RelationshipID:   rel.ID,
		Confidence:       avgConfidence,
		ConfidenceLevel:  "MEDIUM",
		EscalationReason: "confidence between discard and validation thresholds",
	})
	if err != nil {
		return fmt.Errorf("op=worker.validation: marshal escalation: %w", err)
	}
	return w.outbox.Append(ctx, domain.OutboxEvent{
		RunID:     runID,
		EventType: "relationship-confidence-escalation",
		Payload:   payload,
	})
}
