// Package stats records best-effort counters. Increment never blocks the
// caller's primary work for long and never returns an error: a counter
// update that cannot complete quickly is dropped. Counters are therefore
// eventually consistent with queue state, not exact.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"spoolq/internal/config"
	"spoolq/internal/logging"
)

// Counter names.
const (
	Enqueued         = "enqueued"
	EnqueueFallback  = "enqueue_fallback"
	EnqueueFailed    = "enqueue_failed"
	Claimed          = "claimed"
	Completed        = "completed"
	Failed           = "failed"
	Requeued         = "requeued"
	RetriedInline    = "retried_inline"
	OrphansRecovered = "orphans_recovered"
	WorkerStarted    = "worker_started"
	WorkerIdleExit   = "worker_idle_exit"
)

// Recorder increments and reads counters.
type Recorder interface {
	Increment(name string)
	Snapshot(ctx context.Context) (map[string]int64, error)
	Close() error
}

// New builds the recorder selected by cfg.Stats.Backend.
func New(cfg *config.Config, logger *slog.Logger) (Recorder, error) {
	logger = logging.NewComponentLogger(logger, "stats")
	switch cfg.Stats.Backend {
	case config.StatsBackendFile, "":
		return NewFile(cfg.StatsDir(), logger), nil
	case config.StatsBackendRedis:
		return NewRedis(RedisOptions{
			Addr: cfg.Stats.RedisAddr,
			DB:   cfg.Stats.RedisDB,
			Key:  cfg.Stats.RedisKey,
		}, logger), nil
	case config.StatsBackendOff:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported stats backend %q", cfg.Stats.Backend)
	}
}

// Names returns snapshot keys in a stable order.
func Names(snapshot map[string]int64) []string {
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Nop discards increments.
type Nop struct{}

func (Nop) Increment(string) {}

func (Nop) Snapshot(context.Context) (map[string]int64, error) { return map[string]int64{}, nil }

func (Nop) Close() error { return nil }
