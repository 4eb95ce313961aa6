package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/cognitive-triangulation/internal/breaker"
	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
	"github.com/fairyhunter13/cognitive-triangulation/internal/observability"
)

// BuildReport summarizes one graph projection.
type BuildReport struct {
	Nodes    int
	Edges    int
	Duration time.Duration
}

// Builder projects a run's POIs and VALIDATED relationships into the graph
// store. Every store call goes through the graph breaker.
type Builder struct {
	store    domain.GraphStore
	pois     domain.POIRepository
	rels     domain.RelationshipRepository
	breakers *breaker.Set
	// NodeBatch bounds how many nodes go into one store call.
	NodeBatch int
}

// NewBuilder constructs a builder.
func NewBuilder(store domain.GraphStore, pois domain.POIRepository, rels domain.RelationshipRepository, breakers *breaker.Set) *Builder {
	return &Builder{
		store:     store,
		pois:      pois,
		rels:      rels,
		breakers:  breakers,
		NodeBatch: 500,
	}
}

// Build ensures constraints, projects nodes for every POI of the run, then
// one edge per VALIDATED relationship. Partial data still projects; the
// report carries what landed.
func (b *Builder) Build(ctx context.Context, runID string) (BuildReport, error) {
	start := time.Now()
	var report BuildReport

	if err := b.execute(ctx, func(ctx context.Context) error {
		return b.store.EnsureConstraints(ctx)
	}); err != nil {
		return report, fmt.Errorf("op=graph.build: constraints: %w", err)
	}

	pois, err := b.pois.ListByRun(ctx, runID)
	if err != nil {
		return report, fmt.Errorf("op=graph.build: %w", err)
	}
	for offset := 0; offset < len(pois); offset += b.NodeBatch {
		end := offset + b.NodeBatch
		if end > len(pois) {
			end = len(pois)
		}
		batch := pois[offset:end]
		if err := b.execute(ctx, func(ctx context.Context) error {
			return b.store.UpsertNodes(ctx, batch)
		}); err != nil {
			return report, fmt.Errorf("op=graph.build: nodes: %w", err)
		}
		report.Nodes += len(batch)
		observability.GraphNodesTotal.Add(float64(len(batch)))
	}

	validated, err := b.rels.ListByStatus(ctx, runID, domain.RelValidated)
	if err != nil {
		return report, fmt.Errorf("op=graph.build: %w", err)
	}
	for offset := 0; offset < len(validated); offset += b.NodeBatch {
		end := offset + b.NodeBatch
		if end > len(validated) {
			end = len(validated)
		}
		batch := validated[offset:end]
		if err := b.execute(ctx, func(ctx context.Context) error {
			return b.store.UpsertEdges(ctx, batch)
		}); err != nil {
			return report, fmt.Errorf("op=graph.build: edges: %w", err)
		}
		report.Edges += len(batch)
		observability.GraphEdgesTotal.Add(float64(len(batch)))
	}

	report.Duration = time.Since(start)
	slog.Info("graph projection complete",
		slog.String("run_id", runID),
		slog.Int("nodes", report.Nodes),
		slog.Int("edges", report.Edges),
		slog.Duration("duration", report.Duration))
	return report, nil
}

func (b *Builder) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.breakers == nil {
		return fn(ctx)
	}
	return b.breakers.Execute(ctx, breaker.ServiceGraph, fn, breaker.ExecuteOptions{MaxRetries: 2})
}
