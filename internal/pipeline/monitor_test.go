package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// countsSequence replays a fixed series of snapshots, repeating the last one.
type countsSequence struct {
	mu   sync.Mutex
	seq  []domain.JobCounts
	next int
}

func (s *countsSequence) counts() domain.JobCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < len(s.seq) {
		c := s.seq[s.next]
		s.next++
		return c
	}
	return s.seq[len(s.seq)-1]
}

func fastMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:      time.Millisecond,
		MaxWaitTime:        time.Second,
		MaxFailureRate:     0.5,
		RequiredIdleChecks: 3,
	}
}

func TestMonitor_CompletesAfterIdleStreak(t *testing.T) {
	src := &countsSequence{seq: []domain.JobCounts{
		{Active: 2, Completed: 5},
		{Active: 1, Completed: 6},
		{Completed: 7},
		{Completed: 7},
		{Completed: 7},
	}}
	m := NewCompletionMonitor(src.counts, nil, fastMonitorConfig())

	res, counts := m.Wait(context.Background())
	assert.Equal(t, ResolutionCompleted, res)
	assert.Equal(t, int64(7), counts.Completed)
}

func TestMonitor_IdleStreakResetsOnActivity(t *testing.T) {
	// Two idle polls, then activity, then three idle: still completes, but the
	// streak restarted after the burst.
	src := &countsSequence{seq: []domain.JobCounts{
		{Completed: 1},
		{Completed: 1},
		{Active: 1, Completed: 1},
		{Completed: 2},
		{Completed: 2},
		{Completed: 2},
	}}
	m := NewCompletionMonitor(src.counts, nil, fastMonitorConfig())

	res, counts := m.Wait(context.Background())
	assert.Equal(t, ResolutionCompleted, res)
	assert.Equal(t, int64(2), counts.Completed)
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.GreaterOrEqual(t, src.next, 6, "all snapshots consumed before completion")
}

func TestMonitor_ExcessiveFailures(t *testing.T) {
	// 80 of 100 settled jobs failed while work is still in flight; the guard
	// resolves without waiting for idle.
	src := &countsSequence{seq: []domain.JobCounts{
		{Active: 5, Completed: 20, Failed: 80},
	}}
	m := NewCompletionMonitor(src.counts, nil, fastMonitorConfig())

	res, counts := m.Wait(context.Background())
	assert.Equal(t, ResolutionExcessiveFailures, res)
	assert.Equal(t, int64(80), counts.Failed)
}

func TestMonitor_FailureGuardNeedsTenSettled(t *testing.T) {
	// 4 of 5 failed is above the rate but below the minimum sample; the run
	// completes normally once idle.
	src := &countsSequence{seq: []domain.JobCounts{
		{Completed: 1, Failed: 4},
	}}
	m := NewCompletionMonitor(src.counts, nil, fastMonitorConfig())

	res, _ := m.Wait(context.Background())
	assert.Equal(t, ResolutionCompleted, res)
}

func TestMonitor_Timeout(t *testing.T) {
	src := &countsSequence{seq: []domain.JobCounts{
		{Active: 1},
	}}
	cfg := fastMonitorConfig()
	cfg.MaxWaitTime = 20 * time.Millisecond
	m := NewCompletionMonitor(src.counts, nil, cfg)

	res, _ := m.Wait(context.Background())
	assert.Equal(t, ResolutionTimeout, res)
}

func TestMonitor_TriangulationHoldsCompletion(t *testing.T) {
	// Queues are idle but external triangulation is still working; the monitor
	// must not declare completion until it drains.
	var triangulated int64 = 1
	var mu sync.Mutex
	src := &countsSequence{seq: []domain.JobCounts{{Completed: 3}}}
	m := NewCompletionMonitor(src.counts, func() int64 {
		mu.Lock()
		defer mu.Unlock()
		return triangulated
	}, fastMonitorConfig())

	go func() {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		triangulated = 0
		mu.Unlock()
	}()

	start := time.Now()
	res, _ := m.Wait(context.Background())
	require.Equal(t, ResolutionCompleted, res)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMonitor_Cancelled(t *testing.T) {
	src := &countsSequence{seq: []domain.JobCounts{{Active: 1}}}
	m := NewCompletionMonitor(src.counts, nil, fastMonitorConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res, _ := m.Wait(ctx)
	assert.Equal(t, ResolutionCancelled, res)
}
