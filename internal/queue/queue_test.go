package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cognitive-triangulation/internal/breaker"
	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// newBareManager builds a manager without a broker connection so the
// accounting paths can be exercised directly.
func newBareManager(retention int) *Manager {
	m := &Manager{
		cfg: ManagerConfig{
			Retry:          domain.DefaultRetryPolicy(),
			RetentionCount: retention,
			StaleAge:       5 * time.Minute,
		},
		queues: make(map[string]*Queue, len(AllQueues)),
		counts: make(map[string]*queueCounts, len(AllQueues)),
		active: make(map[string]*activeJob),
		recent: make(map[string][]finishedJob, len(AllQueues)),
		stop:   make(chan struct{}),
	}
	for _, name := range AllQueues {
		m.queues[name] = &Queue{name: name, m: m}
		m.counts[name] = &queueCounts{}
	}
	return m
}

func TestManager_GetQueueAllowList(t *testing.T) {
	m := newBareManager(10)

	for _, name := range AllQueues {
		q, err := m.GetQueue(name)
		require.NoError(t, err)
		assert.Equal(t, name, q.Name())
	}

	_, err := m.GetQueue("ad-hoc-queue")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManager_JobLifecycleAccounting(t *testing.T) {
	m := newBareManager(10)
	m.adjust(QueueFileAnalysis, func(c *queueCounts) { c.waiting++ })

	job := domain.Job{ID: "job-1", Name: "analyze-file"}
	m.jobStarted(QueueFileAnalysis, job)

	counts := m.QueueCounts(QueueFileAnalysis)
	assert.Equal(t, int64(0), counts.Waiting)
	assert.Equal(t, int64(1), counts.Active)

	m.jobHeartbeat("job-1")
	assert.True(t, m.jobFinished(QueueFileAnalysis, "job-1", "analyze-file", "completed", ""))

	counts = m.QueueCounts(QueueFileAnalysis)
	assert.Equal(t, int64(0), counts.Active)
	assert.Equal(t, int64(1), counts.Completed)
}

func TestManager_JobFinishedAfterReclaimIsNoop(t *testing.T) {
	m := newBareManager(10)
	m.jobStarted(QueueFileAnalysis, domain.Job{ID: "job-1", Name: "analyze-file"})

	// The janitor reclaimed the job; the late worker result must not settle
	// counters a second time.
	m.mu.Lock()
	delete(m.active, "job-1")
	m.counts[QueueFileAnalysis].active--
	m.counts[QueueFileAnalysis].waiting++
	m.mu.Unlock()

	assert.False(t, m.jobFinished(QueueFileAnalysis, "job-1", "analyze-file", "completed", ""))
	counts := m.QueueCounts(QueueFileAnalysis)
	assert.Equal(t, int64(0), counts.Completed)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestManager_FailedAndDelayedOutcomes(t *testing.T) {
	m := newBareManager(10)

	m.jobStarted(QueueRelationshipResolution, domain.Job{ID: "job-f", Name: "resolve"})
	require.True(t, m.jobFinished(QueueRelationshipResolution, "job-f", "resolve", "failed", "boom"))

	m.jobStarted(QueueRelationshipResolution, domain.Job{ID: "job-d", Name: "resolve"})
	require.True(t, m.jobFinished(QueueRelationshipResolution, "job-d", "resolve", "delayed", "transient"))

	counts := m.QueueCounts(QueueRelationshipResolution)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Equal(t, int64(1), counts.Delayed)

	// Retry lands the delayed job back on the queue.
	m.jobRequeued(QueueRelationshipResolution)
	counts = m.QueueCounts(QueueRelationshipResolution)
	assert.Equal(t, int64(0), counts.Delayed)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestManager_GetJobCountsAggregates(t *testing.T) {
	m := newBareManager(10)

	m.adjust(QueueFileAnalysis, func(c *queueCounts) { c.waiting = 3 })
	m.adjust(QueueAnalysisFindings, func(c *queueCounts) { c.active = 2; c.completed = 5 })
	m.adjust(QueueFailedJobs, func(c *queueCounts) { c.failed = 1 })

	total := m.GetJobCounts()
	assert.Equal(t, int64(3), total.Waiting)
	assert.Equal(t, int64(2), total.Active)
	assert.Equal(t, int64(5), total.Completed)
	assert.Equal(t, int64(1), total.Failed)
}

func TestRouteFailure_CircuitOpenIsShedNotDeadLettered(t *testing.T) {
	policy := domain.DefaultRetryPolicy()
	retryAt := time.Now().Add(45 * time.Second)
	err := fmt.Errorf("op=breaker.execute service=llm: %w", &breaker.CircuitOpenError{RetryAt: retryAt})

	// Even on the last attempt, an open circuit never consumes the job.
	disposition, delay := routeFailure(err, policy.Attempts-1, policy)
	assert.Equal(t, disposeShed, disposition)
	assert.InDelta(t, float64(45*time.Second), float64(delay), float64(time.Second),
		"job waits until the breaker's next probe")
}

func TestRouteFailure_RateLimitIsShedWithProviderHint(t *testing.T) {
	policy := domain.DefaultRetryPolicy()

	err := fmt.Errorf("op=llm.chat: %w", &breaker.RateLimitError{RetryAfter: 7 * time.Second})
	disposition, delay := routeFailure(err, 0, policy)
	assert.Equal(t, disposeShed, disposition)
	assert.Equal(t, 7*time.Second, delay)

	// A bare rate limit without a hint falls back to the policy delay.
	disposition, delay = routeFailure(fmt.Errorf("op=x: %w", domain.ErrRateLimited), 0, policy)
	assert.Equal(t, disposeShed, disposition)
	assert.Equal(t, policy.InitialDelay, delay)
}

func TestRouteFailure_RetryableUntilAttemptsExhausted(t *testing.T) {
	policy := domain.DefaultRetryPolicy()
	err := fmt.Errorf("op=x: %w", domain.ErrTransientIO)

	disposition, delay := routeFailure(err, 0, policy)
	assert.Equal(t, disposeRetry, disposition)
	assert.Equal(t, policy.Delay(0), delay)

	disposition, _ = routeFailure(err, policy.Attempts-1, policy)
	assert.Equal(t, disposeDeadLetter, disposition, "exhausted attempts dead-letter")
}

func TestRouteFailure_FatalErrorsDeadLetterImmediately(t *testing.T) {
	policy := domain.DefaultRetryPolicy()
	for _, err := range []error{
		fmt.Errorf("op=x: %w", domain.ErrSchemaInvariant),
		fmt.Errorf("op=x: %w", domain.ErrAuthPermanent),
	} {
		disposition, _ := routeFailure(err, 0, policy)
		assert.Equal(t, disposeDeadLetter, disposition)
	}
}

func TestManager_RetentionRingCaps(t *testing.T) {
	m := newBareManager(3)

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		m.jobStarted(QueueFileAnalysis, domain.Job{ID: id, Name: "analyze-file"})
		require.True(t, m.jobFinished(QueueFileAnalysis, id, "analyze-file", "completed", ""))
	}

	m.mu.Lock()
	ring := append([]finishedJob(nil), m.recent[QueueFileAnalysis]...)
	m.mu.Unlock()

	require.Len(t, ring, 3, "ring keeps only the most recent entries")
	assert.Equal(t, "c", ring[0].ID)
	assert.Equal(t, "e", ring[2].ID)
}
