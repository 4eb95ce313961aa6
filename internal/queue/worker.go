package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cognitive-triangulation/internal/breaker"
	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// failureDisposition routes one failed job.
type failureDisposition int

const (
	// disposeRetry re-queues with a backoff and one more attempt burned.
	disposeRetry failureDisposition = iota
	// disposeShed re-queues without burning an attempt: the job was refused
	// by upstream backpressure (open circuit, provider rate limit), not
	// failed on its own merits.
	disposeShed
	// disposeDeadLetter forwards to failed-jobs.
	disposeDeadLetter
)

// routeFailure decides a failed job's fate. Circuit-open and rate-limited
// outcomes never count against the job's attempts and never dead-letter; the
// job waits out the breaker's next probe or the provider's backoff deadline.
func routeFailure(err error, attemptsMade int, policy domain.RetryPolicy) (failureDisposition, time.Duration) {
	switch domain.Kind(err) {
	case domain.KindCircuitOpen, domain.KindRateLimit:
		delay := breaker.RetryAfter(err)
		if delay <= 0 {
			delay = policy.InitialDelay
		}
		return disposeShed, delay
	}
	if domain.IsRetryable(err) && attemptsMade+1 < policy.Attempts {
		return disposeRetry, policy.Delay(attemptsMade)
	}
	return disposeDeadLetter, 0
}

// WorkerOptions tune one queue consumer.
type WorkerOptions struct {
	Concurrency int
	// StalledInterval paces the handler heartbeat refresh.
	StalledInterval time.Duration
	// LockDuration is how long a job may go without a heartbeat before the
	// janitor sweeps it back to waiting.
	LockDuration time.Duration
}

// DeadLetter is the payload forwarded to the failed-jobs queue when a job
// exhausts its attempts or fails non-retryably.
type DeadLetter struct {
	Queue     string          `json:"queue"`
	JobID     string          `json:"jobId"`
	JobName   string          `json:"jobName"`
	Data      json.RawMessage `json:"data"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError"`
	FailedAt  time.Time       `json:"failedAt"`
}

// Worker consumes one queue with a fixed pool of handler goroutines.
type Worker struct {
	m       *Manager
	queue   string
	handler domain.JobHandler
	opts    WorkerOptions

	client   *kgo.Client
	jobQueue chan *kgo.Record

	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

// CreateWorker spawns a consumer on an allow-listed queue. The handler
// receives decoded job envelopes; retry and dead-letter routing happen here,
// not in the handler.
func (m *Manager) CreateWorker(name string, handler domain.JobHandler, opts WorkerOptions) (*Worker, error) {
	m.mu.Lock()
	_, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("op=queue.worker name=%s: %w: queue not in allow-list", name, domain.ErrNotFound)
	}
	if handler == nil {
		return nil, fmt.Errorf("op=queue.worker name=%s: %w: nil handler", name, domain.ErrInternal)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.StalledInterval <= 0 {
		opts.StalledInterval = 30 * time.Second
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = m.cfg.StaleAge
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(m.cfg.Brokers...),
		kgo.ConsumerGroup("ctp-"+name),
		kgo.ConsumeTopics(name),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.worker name=%s: %w: %v", name, domain.ErrTransientIO, err)
	}

	w := &Worker{
		m:        m,
		queue:    name,
		handler:  handler,
		opts:     opts,
		client:   client,
		jobQueue: make(chan *kgo.Record, opts.Concurrency*2),
		shutdown: make(chan struct{}),
	}
	m.mu.Lock()
	m.workers = append(m.workers, w)
	m.mu.Unlock()
	slog.Info("queue worker created",
		slog.String("queue", name),
		slog.Int("concurrency", opts.Concurrency))
	return w, nil
}

// Start runs the fetch loop and handler pool until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.runHandlers(ctx, i)
	}
	go w.fetchLoop(ctx)

	<-ctx.Done()
	w.Close()
	w.wg.Wait()
	return ctx.Err()
}

// Close stops the fetch loop and releases the consumer client.
func (w *Worker) Close() {
	w.stopOnce.Do(func() {
		close(w.shutdown)
		w.client.Close()
	})
}

func (w *Worker) fetchLoop(ctx context.Context) {
	defer close(w.jobQueue)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		default:
		}
		fetches := w.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("queue", w.queue),
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			select {
			case w.jobQueue <- rec:
			case <-w.shutdown:
			}
		})
	}
}

func (w *Worker) runHandlers(ctx context.Context, id int) {
	defer w.wg.Done()
	for rec := range w.jobQueue {
		w.processRecord(ctx, rec)
	}
	_ = id
}

// processRecord decodes one record, runs the handler with a heartbeat loop,
// and settles retry or dead-letter routing on failure.
func (w *Worker) processRecord(ctx context.Context, rec *kgo.Record) {
	var env envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		slog.Error("malformed job envelope dropped",
			slog.String("queue", w.queue),
			slog.Any("error", err))
		w.client.MarkCommitRecords(rec)
		return
	}
	job := domain.Job{
		ID:           env.ID,
		Name:         env.Name,
		Data:         env.Data,
		AttemptsMade: env.AttemptsMade,
	}
	w.m.jobStarted(w.queue, job)

	hbCtx, hbCancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(w.opts.StalledInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				w.m.jobHeartbeat(job.ID)
			}
		}
	}()

	err := w.handler(ctx, job)
	hbCancel()
	w.client.MarkCommitRecords(rec)

	if err == nil {
		w.m.jobFinished(w.queue, job.ID, job.Name, "completed", "")
		return
	}

	disposition, delay := routeFailure(err, env.AttemptsMade, w.m.cfg.Retry)
	switch disposition {
	case disposeShed:
		if !w.m.jobFinished(w.queue, job.ID, job.Name, "delayed", err.Error()) {
			return
		}
		slog.Warn("job shed by upstream backpressure, re-queueing",
			slog.String("queue", w.queue),
			slog.String("job_id", job.ID),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		go w.requeueAfter(env, delay, false)
	case disposeRetry:
		if !w.m.jobFinished(w.queue, job.ID, job.Name, "delayed", err.Error()) {
			return
		}
		slog.Warn("job failed, scheduling retry",
			slog.String("queue", w.queue),
			slog.String("job_id", job.ID),
			slog.Int("attempt", env.AttemptsMade+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		go w.requeueAfter(env, delay, true)
	default:
		w.m.jobFinished(w.queue, job.ID, job.Name, "failed", err.Error())
		w.forwardToDLQ(ctx, env, err)
	}
}

func (w *Worker) requeueAfter(env envelope, delay time.Duration, bumpAttempts bool) {
	select {
	case <-time.After(delay):
	case <-w.shutdown:
		return
	}
	if bumpAttempts {
		env.AttemptsMade++
	}
	if err := w.m.producer.Enqueue(context.Background(), w.queue, env); err != nil {
		slog.Error("retry enqueue failed",
			slog.String("queue", w.queue),
			slog.String("job_id", env.ID),
			slog.Any("error", err))
		return
	}
	w.m.jobRequeued(w.queue)
}

// forwardToDLQ sends a copy of the job with its last error to failed-jobs.
// The failed-jobs queue itself never forwards; its failures only log.
func (w *Worker) forwardToDLQ(ctx context.Context, env envelope, cause error) {
	if w.queue == QueueFailedJobs {
		slog.Error("failed-jobs handler failed, dropping",
			slog.String("job_id", env.ID),
			slog.Any("error", cause))
		return
	}
	dl := DeadLetter{
		Queue:     w.queue,
		JobID:     env.ID,
		JobName:   env.Name,
		Data:      env.Data,
		Attempts:  env.AttemptsMade + 1,
		LastError: cause.Error(),
		FailedAt:  time.Now(),
	}
	b, err := json.Marshal(dl)
	if err != nil {
		slog.Error("dead letter marshal failed",
			slog.String("job_id", env.ID), slog.Any("error", err))
		return
	}
	dlq, err := w.m.GetQueue(QueueFailedJobs)
	if err != nil {
		slog.Error("failed-jobs queue unavailable", slog.Any("error", err))
		return
	}
	if _, err := dlq.Add(ctx, "dead-letter", b); err != nil {
		slog.Error("dead letter enqueue failed",
			slog.String("queue", w.queue),
			slog.String("job_id", env.ID),
			slog.Any("error", err))
		return
	}
	slog.Warn("job forwarded to dead letter queue",
		slog.String("queue", w.queue),
		slog.String("job_id", env.ID),
		slog.String("last_error", cause.Error()))
}
