package domain

import "time"

// Repositories (ports)

// FileRepository persists scanned files.
type FileRepository interface {
	Upsert(ctx Context, f File) (int64, error)
	UpdateStatus(ctx Context, id int64, status FileStatus) error
	GetByPath(ctx Context, runID, path string) (File, error)
}

// POIRepository persists points of interest.
type POIRepository interface {
	InsertBatch(ctx Context, pois []POI) error
	FindByName(ctx Context, runID, filePath, name string) (POI, error)
	FindBySemanticID(ctx Context, runID, semanticID string) (POI, error)
	ListByRun(ctx Context, runID string) ([]POI, error)
}

// RelationshipRepository persists relationships.
type RelationshipRepository interface {
	InsertBatch(ctx Context, rels []Relationship) error
	UpdateStatus(ctx Context, id int64, status RelationshipStatus, confidence float64) error
	FindByHashEndpoints(ctx Context, runID string, sourceID, targetID int64, typ string) (Relationship, error)
	ListByStatus(ctx Context, runID string, status RelationshipStatus) ([]Relationship, error)
}

// EvidenceRepository persists evidence rows and tracking aggregates.
type EvidenceRepository interface {
	InsertEvidence(ctx Context, ev Evidence) error
	UpsertTracking(ctx Context, runID, relationshipHash string, confidence float64, expected int) (EvidenceTracking, error)
	MarkTracking(ctx Context, runID, relationshipHash string, status TrackingStatus, errMsg string) error
	GetTracking(ctx Context, runID, relationshipHash string) (EvidenceTracking, error)
}

// OutboxRepository persists outbox events. Append-only; PUBLISHED and FAILED
// are terminal.
type OutboxRepository interface {
	Append(ctx Context, ev OutboxEvent) error
	FetchPending(ctx Context, runID string, limit int) ([]OutboxEvent, error)
	MarkBatch(ctx Context, ids []string, status OutboxStatus) error
}

// SessionRepository persists triangulation sessions.
type SessionRepository interface {
	Create(ctx Context, s TriangulationSession) (string, error)
}

// Queue (ports)

// Job is the envelope every queue handler receives.
type Job struct {
	ID           string
	Name         string
	Data         []byte
	AttemptsMade int
}

// JobCounts aggregates queue depth across all active queues.
type JobCounts struct {
	Active    int64
	Waiting   int64
	Completed int64
	Failed    int64
	Delayed   int64
}

// QueueHandle is one named durable queue.
type QueueHandle interface {
	Name() string
	Add(ctx Context, jobName string, data []byte) (string, error)
}

// JobHandler processes one job; a retryable error re-queues up to the job's
// attempts, anything else (or exhaustion) routes to the failed-jobs DLQ.
type JobHandler func(ctx Context, job Job) error

// LLMClient is the port to the language model. Implementations classify
// provider failures into the error taxonomy.
type LLMClient interface {
	ChatJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// Analyzer turns file content into findings. Prompt templates and parsers
// live behind this port.
type Analyzer interface {
	AnalyzeFile(ctx Context, runID, filePath, content string) (FileAnalysisFinding, error)
	AnalyzeRelationships(ctx Context, job RelationshipAnalysisJob) (RelationshipAnalysisFinding, error)
}

// GraphStore is the port to the property-graph database.
type GraphStore interface {
	EnsureConstraints(ctx Context) error
	UpsertNodes(ctx Context, pois []POI) error
	UpsertEdges(ctx Context, rels []Relationship) error
	Ping(ctx Context) error
}

// RetryPolicy governs queue-level retries.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryPolicy mirrors the queue contract defaults: 3 attempts with
// exponential backoff starting at 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:     3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay returns the backoff before attempt n (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
