package preflight

import (
	"context"

	"spoolq/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every applicable check for cfg.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Queue directory", cfg.QueueDir()),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckSink(ctx, cfg),
	}

	// Stats backend (skipped when disabled)
	if cfg.Stats.Backend != config.StatsBackendOff {
		results = append(results, CheckStats(ctx, cfg))
	}
	return results
}

// Failed returns the checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
