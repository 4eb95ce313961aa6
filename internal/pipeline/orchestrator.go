package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/cognitive-triangulation/internal/breaker"
	"github.com/fairyhunter13/cognitive-triangulation/internal/concurrency"
	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
	"github.com/fairyhunter13/cognitive-triangulation/internal/graph"
	"github.com/fairyhunter13/cognitive-triangulation/internal/observability"
	"github.com/fairyhunter13/cognitive-triangulation/internal/outbox"
	"github.com/fairyhunter13/cognitive-triangulation/internal/queue"
)

// State is the orchestrator lifecycle stage.
type State string

// Lifecycle states in order.
const (
	StateInit       State = "INIT"
	StateRun        State = "RUN"
	StateDrain      State = "DRAIN"
	StateGraphBuild State = "GRAPH_BUILD"
	StateShutdown   State = "SHUTDOWN"
)

// WorkerSpec binds one queue to one handler.
type WorkerSpec struct {
	Queue   string
	Handler domain.JobHandler
	Options queue.WorkerOptions
}

// Migrator applies schema migrations before the run.
type Migrator interface {
	Run(ctx context.Context) error
}

// RunCleaner clears a run's derived state.
type RunCleaner interface {
	ClearRunData(ctx context.Context, runID string) error
}

// FinalReport is the user-visible outcome of one run.
type FinalReport struct {
	RunID      string
	Resolution Resolution
	Duration   time.Duration
	Counts     domain.JobCounts
	Graph      graph.BuildReport
	Outbox     outbox.Stats
	PerQueue   map[string]domain.JobCounts
}

// Deps are the components the orchestrator wires. Components never hold
// references to each other; they share queue handles and the managers passed
// in here.
type Deps struct {
	RunID        string
	StageTimeout time.Duration
	MonitorCfg   MonitorConfig

	Migrator  Migrator
	Cleaner   RunCleaner
	Queues    *queue.Manager
	Workers   []WorkerSpec
	Publisher *outbox.Publisher
	Writer    *outbox.BatchedWriter
	Global    *concurrency.GlobalManager
	Pool      *concurrency.PoolManager
	Breakers  *breaker.Set
	Builder   *graph.Builder
}

// Orchestrator drives one pipeline run through its lifecycle.
type Orchestrator struct {
	deps Deps

	mu    sync.Mutex
	state State
}

// NewOrchestrator constructs an orchestrator.
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.StageTimeout <= 0 {
		deps.StageTimeout = 5 * time.Minute
	}
	return &Orchestrator{deps: deps, state: StateInit}
}

// State returns the current lifecycle stage.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	slog.Info("pipeline state transition",
		slog.String("run_id", o.deps.RunID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}

// Run executes the full lifecycle. A failure in one stage still attempts
// shutdown; the report reflects whatever completed.
func (o *Orchestrator) Run(ctx context.Context) (FinalReport, error) {
	start := time.Now()
	report := FinalReport{RunID: o.deps.RunID}

	// Every log line below the orchestrator carries the run id through the
	// context scope.
	ctx = observability.WithRun(ctx, o.deps.RunID)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var wg sync.WaitGroup
	var workers []*queue.Worker

	shutdown := func() {
		o.transition(StateShutdown)
		// Reverse dependency order: publisher first so no new jobs are
		// emitted, then consumers, then the managers underneath them.
		if o.deps.Publisher != nil {
			o.deps.Publisher.Close()
		}
		cancelRun()
		for _, w := range workers {
			w.Close()
		}
		wg.Wait()
		if o.deps.Writer != nil {
			if err := o.deps.Writer.Close(); err != nil {
				slog.Warn("writer close failed", slog.Any("error", err))
			}
		}
		if o.deps.Pool != nil {
			o.deps.Pool.Close()
		}
		if o.deps.Global != nil {
			o.deps.Global.Shutdown()
		}
		if o.deps.Queues != nil {
			if err := o.deps.Queues.Close(); err != nil {
				slog.Warn("queue manager close failed", slog.Any("error", err))
			}
		}
	}
	defer shutdown()

	// INIT: schema, run hygiene, queue hygiene.
	if err := o.stage(ctx, "init", func(ctx context.Context) error {
		if o.deps.Migrator != nil {
			if err := o.deps.Migrator.Run(ctx); err != nil {
				return err
			}
		}
		if o.deps.Cleaner != nil {
			if err := o.deps.Cleaner.ClearRunData(ctx, o.deps.RunID); err != nil {
				return err
			}
		}
		if o.deps.Queues != nil {
			if err := o.deps.Queues.ClearAllQueues(ctx); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		report.Duration = time.Since(start)
		return report, fmt.Errorf("op=orchestrator.init: %w", err)
	}

	// RUN: consumers and the outbox publisher.
	o.transition(StateRun)
	for _, spec := range o.deps.Workers {
		w, err := o.deps.Queues.CreateWorker(spec.Queue, spec.Handler, spec.Options)
		if err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("op=orchestrator.run queue=%s: %w", spec.Queue, err)
		}
		workers = append(workers, w)
		wg.Add(1)
		go func(w *queue.Worker) {
			defer wg.Done()
			if err := w.Start(runCtx); err != nil && runCtx.Err() == nil {
				observability.Log(runCtx).Error("queue worker exited", slog.Any("error", err))
			}
		}(w)
	}
	if o.deps.Publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.deps.Publisher.Start(runCtx)
		}()
	}

	// DRAIN: wait for idle or a guard rail.
	o.transition(StateDrain)
	monitor := NewCompletionMonitor(o.deps.Queues.GetJobCounts, nil, o.deps.MonitorCfg)
	resolution, counts := monitor.Wait(runCtx)
	report.Resolution = resolution
	report.Counts = counts

	// GRAPH_BUILD proceeds even on TIMEOUT and EXCESSIVE_FAILURES; partial
	// data still projects.
	o.transition(StateGraphBuild)
	if o.deps.Builder != nil && resolution != ResolutionCancelled {
		if err := o.stage(ctx, "graph_build", func(ctx context.Context) error {
			var berr error
			report.Graph, berr = o.deps.Builder.Build(ctx, o.deps.RunID)
			return berr
		}); err != nil {
			observability.Log(ctx).Error("graph build failed", slog.Any("error", err))
		}
	}

	if o.deps.Publisher != nil {
		report.Outbox = o.deps.Publisher.Stats()
	}
	report.PerQueue = make(map[string]domain.JobCounts, len(queue.AllQueues))
	for _, name := range queue.AllQueues {
		report.PerQueue[name] = o.deps.Queues.QueueCounts(name)
	}
	report.Duration = time.Since(start)

	observability.Log(ctx).Info("pipeline run finished",
		slog.String("resolution", string(report.Resolution)),
		slog.Duration("duration", report.Duration),
		slog.Int64("completed", report.Counts.Completed),
		slog.Int64("failed", report.Counts.Failed),
		slog.Int("graph_nodes", report.Graph.Nodes),
		slog.Int("graph_edges", report.Graph.Edges))
	return report, nil
}

// stage runs one lifecycle step under the bounded stage timeout.
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, o.deps.StageTimeout)
	defer cancel()
	start := time.Now()
	err := fn(stageCtx)
	slog.Debug("pipeline stage finished",
		slog.String("stage", name),
		slog.Duration("took", time.Since(start)),
		slog.Bool("ok", err == nil))
	return err
}
