// Package queue provides the named durable queues over Redpanda/Kafka.
//
// It exposes a bounded, allow-listed set of queues with at-least-once
// delivery, per-job retry with exponential backoff, dead-letter routing to
// failed-jobs, and aggregate job counts for completion detection.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
	"github.com/fairyhunter13/cognitive-triangulation/internal/observability"
)

// Enumerated queue names. GetQueue refuses anything outside this set.
const (
	QueueFileAnalysis           = "file-analysis"
	QueueDirectoryAggregation   = "directory-aggregation"
	QueueDirectoryResolution    = "directory-resolution"
	QueueRelationshipResolution = "relationship-resolution"
	QueueReconciliation         = "reconciliation"
	QueueAnalysisFindings       = "analysis-findings"
	QueueGlobalResolution       = "global-resolution"
	QueueRelationshipValidated  = "relationship-validated"
	QueueLLMAnalysis            = "llm-analysis"
	QueueGraphIngestion         = "graph-ingestion"
	QueueTriangulatedAnalysis   = "triangulated-analysis"
	QueueConfidenceEscalation   = "relationship-confidence-escalation"
	QueueFailedJobs             = "failed-jobs"
)

// AllQueues lists every queue the manager owns, in creation order.
var AllQueues = []string{
	QueueFileAnalysis,
	QueueDirectoryAggregation,
	QueueDirectoryResolution,
	QueueRelationshipResolution,
	QueueReconciliation,
	QueueAnalysisFindings,
	QueueGlobalResolution,
	QueueRelationshipValidated,
	QueueLLMAnalysis,
	QueueGraphIngestion,
	QueueTriangulatedAnalysis,
	QueueConfidenceEscalation,
	QueueFailedJobs,
}

// ManagerConfig tunes the queue manager.
type ManagerConfig struct {
	Brokers         []string
	TransactionalID string
	Retry           domain.RetryPolicy
	// RetentionCount caps the per-queue ring of recently finished jobs kept
	// for inspection.
	RetentionCount int
	// StaleAge is the janitor's cutoff for active jobs with no heartbeat.
	StaleAge time.Duration
}

type queueCounts struct {
	active    int64
	waiting   int64
	completed int64
	failed    int64
	delayed   int64
}

type activeJob struct {
	queue     string
	job       domain.Job
	startedAt time.Time
	heartbeat time.Time
}

type finishedJob struct {
	ID         string
	Queue      string
	Name       string
	Outcome    string
	Error      string
	FinishedAt time.Time
}

// Manager owns the allow-listed queues, the shared transactional producer,
// the consumers, and the in-process job accounting used for completion
// detection.
type Manager struct {
	cfg      ManagerConfig
	producer *Producer

	mu      sync.Mutex
	queues  map[string]*Queue
	counts  map[string]*queueCounts
	active  map[string]*activeJob
	recent  map[string][]finishedJob
	workers []*Worker

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager constructs the manager, creates every enumerated topic, and
// starts the stalled-job janitor.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("op=queue.manager: %w: no seed brokers provided", domain.ErrInternal)
	}
	if cfg.TransactionalID == "" {
		cfg.TransactionalID = "cognitive-triangulation-producer"
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = domain.DefaultRetryPolicy()
	}
	if cfg.RetentionCount <= 0 {
		cfg.RetentionCount = 100
	}
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = 5 * time.Minute
	}

	producer, err := NewProducer(cfg.Brokers, cfg.TransactionalID)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		producer: producer,
		queues:   make(map[string]*Queue, len(AllQueues)),
		counts:   make(map[string]*queueCounts, len(AllQueues)),
		active:   make(map[string]*activeJob),
		recent:   make(map[string][]finishedJob, len(AllQueues)),
		stop:     make(chan struct{}),
	}
	for _, name := range AllQueues {
		m.queues[name] = &Queue{name: name, m: m}
		m.counts[name] = &queueCounts{}
		if err := producer.EnsureTopic(name); err != nil {
			slog.Warn("topic creation failed, it may already exist",
				slog.String("queue", name), slog.Any("error", err))
		}
	}
	go m.janitor()
	slog.Info("queue manager created", slog.Int("queues", len(AllQueues)))
	return m, nil
}

// GetQueue returns the handle for an allow-listed queue name.
func (m *Manager) GetQueue(name string) (domain.QueueHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("op=queue.get name=%s: %w: queue not in allow-list", name, domain.ErrNotFound)
	}
	return q, nil
}

// GetJobCounts aggregates job states across every active queue.
func (m *Manager) GetJobCounts() domain.JobCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total domain.JobCounts
	for _, c := range m.counts {
		total.Active += c.active
		total.Waiting += c.waiting
		total.Completed += c.completed
		total.Failed += c.failed
		total.Delayed += c.delayed
	}
	return total
}

// QueueCounts returns the counts for a single queue, for the final report.
func (m *Manager) QueueCounts(name string) domain.JobCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counts[name]
	if !ok {
		return domain.JobCounts{}
	}
	return domain.JobCounts{
		Active:    c.active,
		Waiting:   c.waiting,
		Completed: c.completed,
		Failed:    c.failed,
		Delayed:   c.delayed,
	}
}

// Ping checks broker connectivity, for the readiness endpoint.
func (m *Manager) Ping(ctx domain.Context) error {
	return m.producer.Ping(ctx)
}

// ClearAllQueues deletes and recreates every topic and resets job accounting.
// Run-start hygiene; never call with live consumers attached.
func (m *Manager) ClearAllQueues(ctx domain.Context) error {
	for _, name := range AllQueues {
		if err := m.producer.DeleteTopic(ctx, name); err != nil {
			slog.Warn("topic delete failed during queue clear",
				slog.String("queue", name), slog.Any("error", err))
		}
		if err := m.producer.EnsureTopic(name); err != nil {
			return fmt.Errorf("op=queue.clear name=%s: %w", name, err)
		}
	}
	m.mu.Lock()
	for name := range m.counts {
		m.counts[name] = &queueCounts{}
	}
	m.active = make(map[string]*activeJob)
	m.recent = make(map[string][]finishedJob, len(AllQueues))
	m.mu.Unlock()
	slog.Info("all queues cleared")
	return nil
}

// Close shuts the janitor, the workers, and the producer down.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	workers := append([]*Worker(nil), m.workers...)
	m.mu.Unlock()
	for _, w := range workers {
		w.Close()
	}
	return m.producer.Close()
}

// Queue is one named durable queue handle.
type Queue struct {
	name string
	m    *Manager
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Add enqueues one job and returns its id.
func (q *Queue) Add(ctx domain.Context, jobName string, data []byte) (string, error) {
	env := envelope{
		ID:           ulid.Make().String(),
		Name:         jobName,
		Data:         data,
		AttemptsMade: 0,
	}
	if err := q.m.producer.Enqueue(ctx, q.name, env); err != nil {
		return "", err
	}
	q.m.adjust(q.name, func(c *queueCounts) { c.waiting++ })
	observability.JobsEnqueuedTotal.WithLabelValues(q.name).Inc()
	return env.ID, nil
}

// adjust mutates one queue's counters under the manager lock.
func (m *Manager) adjust(name string, fn func(c *queueCounts)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counts[name]; ok {
		fn(c)
	}
}

// jobStarted moves a job from waiting to active and registers it for the
// stalled-job sweep.
func (m *Manager) jobStarted(queue string, job domain.Job) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counts[queue]; ok {
		if c.waiting > 0 {
			c.waiting--
		}
		c.active++
	}
	m.active[job.ID] = &activeJob{queue: queue, job: job, startedAt: now, heartbeat: now}
	observability.JobsActive.WithLabelValues(queue).Inc()
}

// jobHeartbeat refreshes a job's lock; the worker calls it while the handler
// runs.
func (m *Manager) jobHeartbeat(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.active[jobID]; ok {
		a.heartbeat = time.Now()
	}
}

// jobFinished settles a job's counters. It is a no-op for jobs the janitor
// already reclaimed.
func (m *Manager) jobFinished(queue, jobID, jobName, outcome, errMsg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[jobID]; !ok {
		return false
	}
	delete(m.active, jobID)
	c, ok := m.counts[queue]
	if !ok {
		return true
	}
	if c.active > 0 {
		c.active--
	}
	observability.JobsActive.WithLabelValues(queue).Dec()
	switch outcome {
	case "completed":
		c.completed++
		observability.JobsCompletedTotal.WithLabelValues(queue).Inc()
	case "failed":
		c.failed++
		observability.JobsFailedTotal.WithLabelValues(queue).Inc()
	case "delayed":
		c.delayed++
	}
	ring := append(m.recent[queue], finishedJob{
		ID: jobID, Queue: queue, Name: jobName,
		Outcome: outcome, Error: errMsg, FinishedAt: time.Now(),
	})
	if len(ring) > m.cfg.RetentionCount {
		ring = ring[len(ring)-m.cfg.RetentionCount:]
	}
	m.recent[queue] = ring
	return true
}

// jobRequeued settles the delayed counter once a retried job is back on its
// queue.
func (m *Manager) jobRequeued(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counts[queue]; ok {
		if c.delayed > 0 {
			c.delayed--
		}
		c.waiting++
	}
}

// janitor sweeps stuck active jobs whose lock expired without a heartbeat and
// puts a copy back on the queue.
func (m *Manager) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepStalled()
		}
	}
}

func (m *Manager) sweepStalled() {
	cutoff := time.Now().Add(-m.cfg.StaleAge)
	m.mu.Lock()
	var stalled []*activeJob
	for id, a := range m.active {
		if a.heartbeat.Before(cutoff) {
			stalled = append(stalled, a)
			delete(m.active, id)
			if c, ok := m.counts[a.queue]; ok && c.active > 0 {
				c.active--
				c.waiting++
			}
			observability.JobsActive.WithLabelValues(a.queue).Dec()
		}
	}
	m.mu.Unlock()

	for _, a := range stalled {
		slog.Warn("stalled job swept back to waiting",
			slog.String("queue", a.queue),
			slog.String("job_id", a.job.ID),
			slog.Time("started_at", a.startedAt))
		env := envelope{
			ID:           a.job.ID,
			Name:         a.job.Name,
			Data:         a.job.Data,
			AttemptsMade: a.job.AttemptsMade,
		}
		if err := m.producer.Enqueue(context.Background(), a.queue, env); err != nil {
			slog.Error("requeue of stalled job failed",
				slog.String("queue", a.queue),
				slog.String("job_id", a.job.ID),
				slog.Any("error", err))
		}
	}
}
