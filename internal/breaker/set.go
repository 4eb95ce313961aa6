package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// Service names with breakers in the set.
const (
	ServiceLLM   = "llm"
	ServiceGraph = "graph"
	ServiceCache = "cache"
)

// Notifier is told when a breaker opens or closes so dependent worker kinds
// can be throttled. The worker pool manager implements it.
type Notifier interface {
	OnBreakerStateChange(service string, open bool)
}

// ServiceHealth describes one breaker in a HealthStatus report.
type ServiceHealth struct {
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	NextRetryAt      time.Time `json:"next_retry_at,omitempty"`
	BackoffUntil     time.Time `json:"backoff_until,omitempty"`
	PermanentlyDown  bool      `json:"permanently_down"`
	TransientErrors  int64     `json:"transient_errors"`
	RateLimitedCalls int64     `json:"rate_limited_calls"`
}

// HealthStatus is the unified view over all breakers.
type HealthStatus struct {
	Overall         string                   `json:"overall"`
	Services        map[string]ServiceHealth `json:"services"`
	Recommendations []string                 `json:"recommendations"`
}

// Set owns one breaker per external dependency and coordinates cascade
// prevention across them.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	notifier Notifier
}

// NewSet constructs the breaker set with the standard services.
func NewSet(llmCfg, graphCfg, cacheCfg Config) *Set {
	s := &Set{breakers: make(map[string]*CircuitBreaker)}
	s.breakers[ServiceLLM] = New(ServiceLLM, llmCfg, ClassifyLLM)
	s.breakers[ServiceGraph] = New(ServiceGraph, graphCfg, ClassifyGraph)
	s.breakers[ServiceCache] = New(ServiceCache, cacheCfg, ClassifyCache)
	for _, cb := range s.breakers {
		cb.onStateChange = s.stateChanged
	}
	return s
}

// SetNotifier wires the cascade-prevention sink.
func (s *Set) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// SetBackoffStore shares every breaker's rate-limit cooldown through the
// store, keyed by service name.
func (s *Set) SetBackoffStore(store BackoffStore) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cb := range s.breakers {
		cb.SetBackoffStore(store)
	}
}

func (s *Set) stateChanged(service string, open bool) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()
	if n != nil {
		n.OnBreakerStateChange(service, open)
	}
}

// Breaker returns the breaker for a known service.
func (s *Set) Breaker(service string) (*CircuitBreaker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cb, ok := s.breakers[service]
	if !ok {
		return nil, fmt.Errorf("op=breaker.get service=%s: %w", service, domain.ErrNotFound)
	}
	return cb, nil
}

// Execute runs fn under the named service's breaker.
func (s *Set) Execute(ctx context.Context, service string, fn func(ctx context.Context) error, opts ExecuteOptions) error {
	cb, err := s.Breaker(service)
	if err != nil {
		return err
	}
	return cb.Execute(ctx, fn, opts)
}

// AnyOpen reports whether any breaker is currently open.
func (s *Set) AnyOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cb := range s.breakers {
		if cb.State() == StateOpen {
			return true
		}
	}
	return false
}

// HealthStatus aggregates overall state, per-service detail, and operator
// recommendations.
func (s *Set) HealthStatus() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hs := HealthStatus{
		Overall:  "healthy",
		Services: make(map[string]ServiceHealth, len(s.breakers)),
	}
	openCount := 0
	for name, cb := range s.breakers {
		pm := cb.PerformanceMetrics()
		state := cb.State()
		sh := ServiceHealth{
			State:            state.String(),
			FailureCount:     cb.FailureCount(),
			NextRetryAt:      cb.NextRetryTime(),
			BackoffUntil:     cb.BackoffUntil(),
			PermanentlyDown:  pm.PermanentlyDegaded,
			TransientErrors:  pm.TransientErrors,
			RateLimitedCalls: pm.RateLimitedCalls,
		}
		hs.Services[name] = sh
		switch {
		case sh.PermanentlyDown:
			hs.Recommendations = append(hs.Recommendations,
				fmt.Sprintf("service %s hit a permanent auth error; rotate credentials and restart", name))
			openCount++
		case state == StateOpen:
			hs.Recommendations = append(hs.Recommendations,
				fmt.Sprintf("service %s circuit is open; dependent workers run at reduced concurrency until %s", name, sh.NextRetryAt.Format(time.RFC3339)))
			openCount++
		case !sh.BackoffUntil.IsZero() && time.Now().Before(sh.BackoffUntil):
			hs.Recommendations = append(hs.Recommendations,
				fmt.Sprintf("service %s is rate limiting; callers back off until %s", name, sh.BackoffUntil.Format(time.RFC3339)))
		}
	}
	switch {
	case openCount == len(s.breakers) && openCount > 0:
		hs.Overall = "unhealthy"
	case openCount > 0:
		hs.Overall = "degraded"
	}
	return hs
}

// BackoffStore persists provider backoff deadlines so that all worker
// processes observe the same cooldown.
type BackoffStore interface {
	SetBackoffUntil(ctx context.Context, service string, until time.Time) error
	GetBackoffUntil(ctx context.Context, service string) (time.Time, error)
}

// RedisBackoffStore keeps backoff deadlines in Redis with a TTL matching the
// deadline, so stale entries expire on their own.
type RedisBackoffStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisBackoffStore constructs a store; prefix namespaces the keys.
func NewRedisBackoffStore(rdb *redis.Client, prefix string) *RedisBackoffStore {
	if prefix == "" {
		prefix = "ctp:backoff"
	}
	return &RedisBackoffStore{rdb: rdb, prefix: prefix}
}

func (s *RedisBackoffStore) key(service string) string { return s.prefix + ":" + service }

// SetBackoffUntil records the deadline; already-elapsed deadlines are
// ignored.
func (s *RedisBackoffStore) SetBackoffUntil(ctx context.Context, service string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, s.key(service), until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("op=backoff.set service=%s: %w", service, err)
	}
	return nil
}

// GetBackoffUntil returns the recorded deadline or the zero time when none is
// active.
func (s *RedisBackoffStore) GetBackoffUntil(ctx context.Context, service string) (time.Time, error) {
	ms, err := s.rdb.Get(ctx, s.key(service)).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("op=backoff.get service=%s: %w", service, err)
	}
	return time.UnixMilli(ms), nil
}
