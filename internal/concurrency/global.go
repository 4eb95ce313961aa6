// Package concurrency implements the system-wide concurrency cap and the
// per-kind worker pools nested inside it.
package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
	"github.com/fairyhunter13/cognitive-triangulation/internal/observability"
)

// EventType tags observer events emitted by the manager.
type EventType string

// Observer event types.
const (
	PermitAcquired EventType = "permitAcquired"
	PermitReleased EventType = "permitReleased"
	PermitQueued   EventType = "permitQueued"
	PermitExpired  EventType = "permitExpired"
	PermitTimedOut EventType = "permitTimedOut"
)

// Event is one typed observability record.
type Event struct {
	Type     EventType
	PermitID string
	Kind     string
	Reason   string
	At       time.Time
}

// Observer receives typed events; the orchestrator chooses the sink.
type Observer interface {
	ObserveConcurrencyEvent(ev Event)
}

// Permit entitles the bearer to one unit of in-flight work.
type Permit struct {
	ID         string
	Kind       string
	AcquiredAt time.Time
}

// AcquireOptions tune one acquisition.
type AcquireOptions struct {
	// Timeout bounds the wait; zero means wait until shutdown or ctx cancel.
	Timeout time.Duration
	// Priority orders waiters, higher first. Zero falls back to the kind's
	// configured priority.
	Priority int
}

// Metrics is a point-in-time snapshot of the manager.
type Metrics struct {
	CurrentConcurrency int
	MaxConcurrency     int
	UtilizationPct     float64
	QueueLength        int
	TotalAcquired      int64
	TotalReleased      int64
	TotalQueued        int64
	TotalTimedOut      int64
	TotalExpired       int64
	AvgAcquireLatency  time.Duration
	PerKindAcquired    map[string]int64
}

type waiter struct {
	kind       string
	priority   int
	enqueuedAt time.Time
	ch         chan *Permit
	delivered  bool
	abandoned  bool
}

type heldPermit struct {
	id         string
	kind       string
	acquiredAt time.Time
}

// GlobalManager hard-caps in-flight work units across all worker kinds. It
// never exceeds the limit regardless of caller misuse: a double release
// surfaces ErrAlreadyReleased, it does not double-credit.
type GlobalManager struct {
	mu sync.Mutex

	limit          int
	queueSizeLimit int
	permitTimeout  time.Duration
	fairScheduling bool

	permits     map[string]*heldPermit
	released    map[string]time.Time
	waiters     []*waiter
	lastGranted map[string]time.Time
	priorities  map[string]int
	shutdown    bool

	totalAcquired int64
	totalReleased int64
	totalQueued   int64
	totalTimedOut int64
	totalExpired  int64
	perKind       map[string]int64

	// Ring of recent acquire latencies for the moving average.
	latencies   [64]time.Duration
	latencyIdx  int
	latencyFill int

	history    []Metrics
	historyMax int

	observer Observer

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// Option configures a GlobalManager.
type Option func(*GlobalManager)

// WithQueueSizeLimit bounds the waiter queue; acquires beyond it fail with
// ErrQueueFull.
func WithQueueSizeLimit(n int) Option {
	return func(m *GlobalManager) { m.queueSizeLimit = n }
}

// WithPermitTimeout enables the background sweep that force-expires permits
// older than d. Zero disables the sweep.
func WithPermitTimeout(d time.Duration) Option {
	return func(m *GlobalManager) { m.permitTimeout = d }
}

// WithFairScheduling toggles fairness-aware waiter selection.
func WithFairScheduling(on bool) Option {
	return func(m *GlobalManager) { m.fairScheduling = on }
}

// WithObserver sets the event sink.
func WithObserver(o Observer) Option {
	return func(m *GlobalManager) { m.observer = o }
}

// NewGlobalManager constructs a manager with the given hard cap.
func NewGlobalManager(limit int, opts ...Option) *GlobalManager {
	if limit <= 0 {
		limit = 100
	}
	m := &GlobalManager{
		limit:          limit,
		queueSizeLimit: 1000,
		permits:        make(map[string]*heldPermit),
		released:       make(map[string]time.Time),
		lastGranted:    make(map[string]time.Time),
		priorities:     make(map[string]int),
		perKind:        make(map[string]int64),
		historyMax:     120,
		sweepStop:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.sweepLoop()
	return m
}

// Acquire reserves one unit of work for kind. It blocks while at capacity and
// fails with ErrTimeout after opts.Timeout, ErrQueueFull when the waiter
// queue is saturated, and ErrShutdown after Shutdown.
func (m *GlobalManager) Acquire(ctx context.Context, kind string, opts AcquireOptions) (*Permit, error) {
	start := time.Now()

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, fmt.Errorf("op=concurrency.acquire kind=%s: %w", kind, domain.ErrShutdown)
	}
	if len(m.permits) < m.limit {
		p := m.grantLocked(kind, start)
		m.mu.Unlock()
		return p, nil
	}
	if len(m.waiters) >= m.queueSizeLimit {
		m.mu.Unlock()
		return nil, fmt.Errorf("op=concurrency.acquire kind=%s: %w", kind, domain.ErrQueueFull)
	}
	prio := opts.Priority
	if prio == 0 {
		prio = m.priorities[kind]
	}
	w := &waiter{
		kind:       kind,
		priority:   prio,
		enqueuedAt: start,
		ch:         make(chan *Permit, 1),
	}
	m.waiters = append(m.waiters, w)
	m.totalQueued++
	observability.PermitsQueued.Set(float64(len(m.waiters)))
	m.emitLocked(Event{Type: PermitQueued, Kind: kind, At: start})
	m.mu.Unlock()

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case p := <-w.ch:
		if p == nil {
			return nil, fmt.Errorf("op=concurrency.acquire kind=%s: %w", kind, domain.ErrShutdown)
		}
		m.recordLatency(time.Since(start))
		return p, nil
	case <-timeoutCh:
		if p := m.abandonWaiter(w); p != nil {
			// Granted concurrently with the timeout; the grant wins and the
			// caller holds a live permit it must release.
			m.recordLatency(time.Since(start))
			return p, nil
		}
		m.mu.Lock()
		m.totalTimedOut++
		m.emitLocked(Event{Type: PermitTimedOut, Kind: kind, At: time.Now()})
		m.mu.Unlock()
		return nil, fmt.Errorf("op=concurrency.acquire kind=%s: %w", kind, domain.ErrTimeout)
	case <-ctx.Done():
		if p := m.abandonWaiter(w); p != nil {
			_ = m.Release(p.ID)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("op=concurrency.acquire kind=%s: %w", kind, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("op=concurrency.acquire kind=%s: %w", kind, domain.ErrShutdown)
	}
}

// abandonWaiter removes w from the queue. When the grant raced the abandon it
// returns the granted permit instead.
func (m *GlobalManager) abandonWaiter(w *waiter) *Permit {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.delivered {
		// The permit is already in the channel buffer.
		select {
		case p := <-w.ch:
			return p
		default:
			return nil
		}
	}
	w.abandoned = true
	for i, cand := range m.waiters {
		if cand == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	observability.PermitsQueued.Set(float64(len(m.waiters)))
	return nil
}

// Release returns the unit held by permitID. A second release of the same id
// yields ErrAlreadyReleased.
func (m *GlobalManager) Release(permitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permits[permitID]; !ok {
		if _, was := m.released[permitID]; was {
			return fmt.Errorf("op=concurrency.release id=%s: %w", permitID, domain.ErrAlreadyReleased)
		}
		return fmt.Errorf("op=concurrency.release id=%s: %w", permitID, domain.ErrNotFound)
	}
	kind := m.permits[permitID].kind
	delete(m.permits, permitID)
	m.released[permitID] = time.Now()
	m.trimReleasedLocked()
	m.totalReleased++
	m.emitLocked(Event{Type: PermitReleased, PermitID: permitID, Kind: kind, At: time.Now()})
	m.dispatchLocked()
	observability.PermitsCurrent.Set(float64(len(m.permits)))
	return nil
}

// ForceExpire treats permitID as released and emits PermitExpired. Used for
// crash and stall recovery by the worker-pool layer.
func (m *GlobalManager) ForceExpire(permitID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.permits[permitID]
	if !ok {
		return
	}
	delete(m.permits, permitID)
	m.released[permitID] = time.Now()
	m.trimReleasedLocked()
	m.totalExpired++
	slog.Warn("permit force-expired",
		slog.String("permit_id", permitID),
		slog.String("kind", held.kind),
		slog.String("reason", reason),
		slog.Duration("held_for", time.Since(held.acquiredAt)))
	m.emitLocked(Event{Type: PermitExpired, PermitID: permitID, Kind: held.kind, Reason: reason, At: time.Now()})
	m.dispatchLocked()
	observability.PermitsCurrent.Set(float64(len(m.permits)))
}

// SetPriority sets the default priority for a worker kind.
func (m *GlobalManager) SetPriority(kind string, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priorities[kind] = priority
}

// EnableFairScheduling toggles fairness-aware waiter selection at runtime.
func (m *GlobalManager) EnableFairScheduling(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fairScheduling = on
}

// Shutdown stops granting permits and fails all queued waiters with
// ErrShutdown. Held permits stay valid until released.
func (m *GlobalManager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()
	for _, w := range waiters {
		w.ch <- nil
	}
	observability.PermitsQueued.Set(0)
	m.sweepOnce.Do(func() { close(m.sweepStop) })
}

// Metrics returns the current snapshot.
func (m *GlobalManager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// HistoricalMetrics returns the retained per-sweep snapshots, oldest first.
func (m *GlobalManager) HistoricalMetrics() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metrics, len(m.history))
	copy(out, m.history)
	return out
}

func (m *GlobalManager) snapshotLocked() Metrics {
	perKind := make(map[string]int64, len(m.perKind))
	for k, v := range m.perKind {
		perKind[k] = v
	}
	var avg time.Duration
	if m.latencyFill > 0 {
		var sum time.Duration
		for i := 0; i < m.latencyFill; i++ {
			sum += m.latencies[i]
		}
		avg = sum / time.Duration(m.latencyFill)
	}
	return Metrics{
		CurrentConcurrency: len(m.permits),
		MaxConcurrency:     m.limit,
		UtilizationPct:     float64(len(m.permits)) / float64(m.limit) * 100,
		QueueLength:        len(m.waiters),
		TotalAcquired:      m.totalAcquired,
		TotalReleased:      m.totalReleased,
		TotalQueued:        m.totalQueued,
		TotalTimedOut:      m.totalTimedOut,
		TotalExpired:       m.totalExpired,
		AvgAcquireLatency:  avg,
		PerKindAcquired:    perKind,
	}
}

// grantLocked creates and registers a permit for kind.
func (m *GlobalManager) grantLocked(kind string, now time.Time) *Permit {
	id := uuid.New().String()
	m.permits[id] = &heldPermit{id: id, kind: kind, acquiredAt: now}
	m.lastGranted[kind] = now
	m.totalAcquired++
	m.perKind[kind]++
	m.emitLocked(Event{Type: PermitAcquired, PermitID: id, Kind: kind, At: now})
	observability.PermitsCurrent.Set(float64(len(m.permits)))
	return &Permit{ID: id, Kind: kind, AcquiredAt: now}
}

// dispatchLocked hands freed capacity to queued waiters per the scheduling
// policy.
func (m *GlobalManager) dispatchLocked() {
	for len(m.permits) < m.limit && len(m.waiters) > 0 {
		idx := m.selectWaiterLocked()
		w := m.waiters[idx]
		m.waiters = append(m.waiters[:idx], m.waiters[idx+1:]...)
		if w.abandoned {
			continue
		}
		p := m.grantLocked(w.kind, time.Now())
		w.delivered = true
		w.ch <- p
	}
	observability.PermitsQueued.Set(float64(len(m.waiters)))
}

// selectWaiterLocked picks the next waiter index. With fair scheduling off:
// highest priority, FIFO within a priority. With it on: among kinds present
// in the queue, the kind whose lastGranted is oldest wins; first waiter of
// that kind is taken.
func (m *GlobalManager) selectWaiterLocked() int {
	if !m.fairScheduling {
		best := 0
		for i, w := range m.waiters {
			if w.priority > m.waiters[best].priority {
				best = i
			}
		}
		return best
	}
	var starvedKind string
	var starvedAt time.Time
	seen := make(map[string]bool)
	for _, w := range m.waiters {
		if seen[w.kind] {
			continue
		}
		seen[w.kind] = true
		last := m.lastGranted[w.kind]
		if starvedKind == "" || last.Before(starvedAt) {
			starvedKind = w.kind
			starvedAt = last
		}
	}
	for i, w := range m.waiters {
		if w.kind == starvedKind {
			return i
		}
	}
	return 0
}

func (m *GlobalManager) recordLatency(d time.Duration) {
	observability.PermitAcquireLatency.Observe(d.Seconds())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[m.latencyIdx] = d
	m.latencyIdx = (m.latencyIdx + 1) % len(m.latencies)
	if m.latencyFill < len(m.latencies) {
		m.latencyFill++
	}
}

// trimReleasedLocked keeps the released-id guard bounded.
func (m *GlobalManager) trimReleasedLocked() {
	if len(m.released) <= 10000 {
		return
	}
	cutoff := time.Now().Add(-time.Hour)
	for id, at := range m.released {
		if at.Before(cutoff) {
			delete(m.released, id)
		}
	}
}

func (m *GlobalManager) emitLocked(ev Event) {
	if m.observer != nil {
		// Deliver outside the lock to keep the scheduler non-blocking.
		go m.observer.ObserveConcurrencyEvent(ev)
	}
}

// sweepLoop periodically captures history and force-expires stale permits
// when a permit timeout is configured.
func (m *GlobalManager) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.mu.Lock()
			m.history = append(m.history, m.snapshotLocked())
			if len(m.history) > m.historyMax {
				m.history = m.history[len(m.history)-m.historyMax:]
			}
			var stale []string
			if m.permitTimeout > 0 {
				cutoff := time.Now().Add(-m.permitTimeout)
				for id, p := range m.permits {
					if p.acquiredAt.Before(cutoff) {
						stale = append(stale, id)
					}
				}
			}
			m.mu.Unlock()
			for _, id := range stale {
				m.ForceExpire(id, "permit timeout exceeded")
			}
		}
	}
}
