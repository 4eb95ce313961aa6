package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// WorkerConfig registers one worker kind with the pool manager.
type WorkerConfig struct {
	MaxConcurrency int
	Priority       int
	// JobTimeout bounds one managed execution; exceeding it force-expires the
	// global permit and fails the job with ErrTimeout. Zero disables.
	JobTimeout time.Duration
	// DependsOn names the breaker services this kind calls; an open breaker
	// on any of them halves the kind's allowed concurrency.
	DependsOn []string
}

type kindState struct {
	cfg   WorkerConfig
	slots chan struct{}

	mu             sync.Mutex
	inflight       int
	successes      int64
	failures       int64
	breakerReduced bool
	heldTokens     int
}

// ResourceProbe reports normalized CPU and memory pressure in [0,1].
type ResourceProbe func() (cpu float64, mem float64)

// PoolManager composes per-kind concurrency limits with the global cap and
// adapts them to dependency health and resource pressure.
type PoolManager struct {
	mu     sync.RWMutex
	global *GlobalManager
	kinds  map[string]*kindState

	openServices map[string]bool

	cpuThreshold    float64
	memoryThreshold float64
	resourceReduced bool
	probe           ResourceProbe

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPoolManager constructs a pool manager. The global manager may be wired
// later via SetGlobalConcurrencyManager.
func NewPoolManager(cpuThreshold, memoryThreshold float64) *PoolManager {
	pm := &PoolManager{
		kinds:           make(map[string]*kindState),
		openServices:    make(map[string]bool),
		cpuThreshold:    cpuThreshold,
		memoryThreshold: memoryThreshold,
		probe:           defaultProbe,
		stop:            make(chan struct{}),
	}
	go pm.resourceLoop()
	return pm
}

// SetGlobalConcurrencyManager wires the global cap.
func (pm *PoolManager) SetGlobalConcurrencyManager(g *GlobalManager) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.global = g
}

// SetResourceProbe replaces the CPU/memory probe (tests inject one).
func (pm *PoolManager) SetResourceProbe(p ResourceProbe) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if p != nil {
		pm.probe = p
	}
}

// RegisterWorker declares a worker kind with its own concurrency limit and
// priority inside the global cap.
func (pm *PoolManager) RegisterWorker(kind string, cfg WorkerConfig) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.kinds[kind] = &kindState{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.MaxConcurrency),
	}
	if pm.global != nil {
		pm.global.SetPriority(kind, cfg.Priority)
	}
}

// ExecuteManaged runs fn under both the global cap and the kind's own limit.
// It acquires a global permit first, then a kind slot, runs fn with a
// cancellation handle, and releases on completion. Success and failure are
// recorded for health math.
func (pm *PoolManager) ExecuteManaged(ctx context.Context, kind string, fn func(ctx context.Context) error) error {
	pm.mu.RLock()
	ks, ok := pm.kinds[kind]
	g := pm.global
	pm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("op=pool.execute kind=%s: %w: worker kind not registered", kind, domain.ErrInternal)
	}
	if g == nil {
		return fmt.Errorf("op=pool.execute kind=%s: %w: global concurrency manager not wired", kind, domain.ErrInternal)
	}

	permit, err := g.Acquire(ctx, kind, AcquireOptions{Priority: ks.cfg.Priority, Timeout: ks.cfg.JobTimeout})
	if err != nil {
		return err
	}

	select {
	case ks.slots <- struct{}{}:
	case <-ctx.Done():
		_ = g.Release(permit.ID)
		return fmt.Errorf("op=pool.execute kind=%s: %w", kind, domain.ErrShutdown)
	}
	ks.mu.Lock()
	ks.inflight++
	ks.mu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc
	if ks.cfg.JobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, ks.cfg.JobTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	err = fn(runCtx)

	ks.mu.Lock()
	ks.inflight--
	if err != nil {
		ks.failures++
	} else {
		ks.successes++
	}
	ks.mu.Unlock()
	<-ks.slots

	if runCtx.Err() == context.DeadlineExceeded {
		// The job overran its budget; the permit may be stuck with it.
		g.ForceExpire(permit.ID, fmt.Sprintf("job timeout for kind %s", kind))
		if err == nil {
			err = fmt.Errorf("op=pool.execute kind=%s: %w", kind, domain.ErrTimeout)
		}
		return err
	}
	if relErr := g.Release(permit.ID); relErr != nil {
		slog.Warn("permit release after managed execution failed",
			slog.String("kind", kind), slog.Any("error", relErr))
	}
	return err
}

// GetAdjustedConcurrency returns the live per-kind cap after health and
// resource adjustment.
func (pm *PoolManager) GetAdjustedConcurrency(kind string) int {
	pm.mu.RLock()
	ks, ok := pm.kinds[kind]
	resourceReduced := pm.resourceReduced
	pm.mu.RUnlock()
	if !ok {
		return 0
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	n := ks.cfg.MaxConcurrency
	if ks.breakerReduced {
		n = n / 2
	}
	if resourceReduced {
		n = n / 2
	}
	if n < 1 {
		n = 1
	}
	return n
}

// IsInProtectiveMode reports whether any depended-on breaker is open.
func (pm *PoolManager) IsInProtectiveMode() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, open := range pm.openServices {
		if open {
			return true
		}
	}
	return false
}

// OnBreakerStateChange is called by the breaker set when a service breaker
// opens or closes; kinds depending on that service are reduced or restored.
func (pm *PoolManager) OnBreakerStateChange(service string, open bool) {
	pm.mu.Lock()
	pm.openServices[service] = open
	kinds := make([]*kindState, 0, len(pm.kinds))
	names := make([]string, 0, len(pm.kinds))
	for name, ks := range pm.kinds {
		for _, dep := range ks.cfg.DependsOn {
			if dep == service {
				kinds = append(kinds, ks)
				names = append(names, name)
				break
			}
		}
	}
	pm.mu.Unlock()

	for i, ks := range kinds {
		ks.mu.Lock()
		ks.breakerReduced = open
		ks.mu.Unlock()
		pm.adjustHeldTokens(ks)
		slog.Info("worker kind concurrency adjusted",
			slog.String("kind", names[i]),
			slog.String("service", service),
			slog.Bool("reduced", open))
	}
}

// KindHealth returns the success/failure counters for a kind.
func (pm *PoolManager) KindHealth(kind string) (successes, failures int64) {
	pm.mu.RLock()
	ks, ok := pm.kinds[kind]
	pm.mu.RUnlock()
	if !ok {
		return 0, 0
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.successes, ks.failures
}

// Close stops the resource monitor.
func (pm *PoolManager) Close() {
	pm.stopOnce.Do(func() { close(pm.stop) })
}

// adjustHeldTokens parks or returns kind slots so that the effective capacity
// matches the adjusted concurrency. Parking blocks until workers finish, so
// reduction takes effect as jobs drain.
func (pm *PoolManager) adjustHeldTokens(ks *kindState) {
	go func() {
		for {
			ks.mu.Lock()
			target := ks.cfg.MaxConcurrency
			if ks.breakerReduced {
				target /= 2
			}
			pm.mu.RLock()
			if pm.resourceReduced {
				target /= 2
			}
			pm.mu.RUnlock()
			if target < 1 {
				target = 1
			}
			wantHeld := ks.cfg.MaxConcurrency - target
			held := ks.heldTokens
			ks.mu.Unlock()

			switch {
			case held < wantHeld:
				select {
				case ks.slots <- struct{}{}:
					ks.mu.Lock()
					ks.heldTokens++
					ks.mu.Unlock()
				case <-pm.stop:
					return
				}
			case held > wantHeld:
				select {
				case <-ks.slots:
					ks.mu.Lock()
					ks.heldTokens--
					ks.mu.Unlock()
				default:
					ks.mu.Lock()
					ks.heldTokens--
					ks.mu.Unlock()
				}
			default:
				return
			}
		}
	}()
}

// resourceLoop polls CPU/memory pressure and applies one reduction step when
// either crosses its threshold.
func (pm *PoolManager) resourceLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-pm.stop:
			return
		case <-ticker.C:
			pm.mu.RLock()
			probe := pm.probe
			pm.mu.RUnlock()
			cpu, mem := probe()
			over := cpu > pm.cpuThreshold || mem > pm.memoryThreshold

			pm.mu.Lock()
			changed := over != pm.resourceReduced
			pm.resourceReduced = over
			var all []*kindState
			if changed {
				for _, ks := range pm.kinds {
					all = append(all, ks)
				}
			}
			pm.mu.Unlock()

			if changed {
				slog.Info("resource pressure adjustment",
					slog.Float64("cpu", cpu),
					slog.Float64("mem", mem),
					slog.Bool("reduced", over))
				for _, ks := range all {
					pm.adjustHeldTokens(ks)
				}
			}
		}
	}
}

// defaultProbe approximates memory pressure from runtime memstats; CPU is
// reported as zero unless an external probe is injected.
func defaultProbe() (cpu float64, mem float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys > 0 {
		mem = float64(ms.HeapInuse) / float64(ms.Sys)
	}
	return 0, mem
}
