// Package pipeline wires the run lifecycle: workers, completion detection,
// graph projection and shutdown ordering.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// Resolution is how a completion wait ended.
type Resolution string

// Completion resolutions. TIMEOUT and EXCESSIVE_FAILURES still let the graph
// build proceed on partial data.
const (
	ResolutionCompleted         Resolution = "COMPLETED"
	ResolutionTimeout           Resolution = "TIMEOUT"
	ResolutionExcessiveFailures Resolution = "EXCESSIVE_FAILURES"
	ResolutionCancelled         Resolution = "CANCELLED"
)

// MonitorConfig tunes the completion monitor.
type MonitorConfig struct {
	CheckInterval      time.Duration
	MaxWaitTime        time.Duration
	MaxFailureRate     float64
	RequiredIdleChecks int
}

// CountsFunc supplies the aggregate job counts each poll.
type CountsFunc func() domain.JobCounts

// CompletionMonitor decides when the pipeline is done without a global
// barrier: a run is complete after enough consecutive idle polls, bounded by
// wall-clock and failure-rate guards.
type CompletionMonitor struct {
	counts CountsFunc
	// triangulatedActive reports in-flight external triangulation work; nil
	// means none.
	triangulatedActive func() int64
	cfg                MonitorConfig
}

// NewCompletionMonitor constructs a monitor over the given counts source.
func NewCompletionMonitor(counts CountsFunc, triangulatedActive func() int64, cfg MonitorConfig) *CompletionMonitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 2 * time.Second
	}
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = 30 * time.Minute
	}
	if cfg.MaxFailureRate <= 0 {
		cfg.MaxFailureRate = 0.5
	}
	if cfg.RequiredIdleChecks <= 0 {
		cfg.RequiredIdleChecks = 3
	}
	return &CompletionMonitor{counts: counts, triangulatedActive: triangulatedActive, cfg: cfg}
}

// Wait blocks until the run resolves. It returns the resolution and the
// final counts snapshot.
func (m *CompletionMonitor) Wait(ctx context.Context) (Resolution, domain.JobCounts) {
	start := time.Now()
	idleStreak := 0
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ResolutionCancelled, m.counts()
		case <-ticker.C:
		}

		c := m.counts()
		active := c.Active + c.Waiting + c.Delayed
		if m.triangulatedActive != nil {
			active += m.triangulatedActive()
		}

		settled := c.Completed + c.Failed
		if settled >= 10 {
			rate := float64(c.Failed) / float64(settled)
			if rate > m.cfg.MaxFailureRate {
				slog.Warn("completion monitor resolving on excessive failures",
					slog.Int64("completed", c.Completed),
					slog.Int64("failed", c.Failed),
					slog.Float64("failure_rate", rate))
				return ResolutionExcessiveFailures, c
			}
		}

		if time.Since(start) > m.cfg.MaxWaitTime {
			slog.Warn("completion monitor timed out",
				slog.Duration("waited", time.Since(start)),
				slog.Int64("still_active", active))
			return ResolutionTimeout, c
		}

		if active == 0 {
			idleStreak++
			if idleStreak >= m.cfg.RequiredIdleChecks {
				slog.Info("pipeline idle, completion declared",
					slog.Int("idle_checks", idleStreak),
					slog.Int64("completed", c.Completed),
					slog.Int64("failed", c.Failed))
				return ResolutionCompleted, c
			}
			continue
		}
		idleStreak = 0
	}
}
