package observability

import (
	"context"
	"log/slog"
)

// runScope carries a run id together with a logger that stamps it on every
// record, so deeper layers correlate their logs without threading the id
// through each signature.
type runScope struct {
	runID string
	lg    *slog.Logger
}

type runScopeKey struct{}

// WithRun binds runID to the context and derives a run-scoped logger from the
// process default. An empty id leaves the context untouched.
func WithRun(ctx context.Context, runID string) context.Context {
	if ctx == nil || runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runScopeKey{}, runScope{
		runID: runID,
		lg:    slog.Default().With(slog.String("run_id", runID)),
	})
}

// Log returns the run-scoped logger, or the process default outside a run.
func Log(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if s, ok := ctx.Value(runScopeKey{}).(runScope); ok {
			return s.lg
		}
	}
	return slog.Default()
}

// RunID returns the run id bound to ctx, empty outside a run.
func RunID(ctx context.Context) string {
	if ctx != nil {
		if s, ok := ctx.Value(runScopeKey{}).(runScope); ok {
			return s.runID
		}
	}
	return ""
}
