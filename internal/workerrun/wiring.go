// Package workerrun wires configuration into running components: the
// worker process entrypoint, the supervisor used by producers, and the
// enqueuer.
package workerrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"spoolq/internal/config"
	"spoolq/internal/enqueue"
	"spoolq/internal/logging"
	"spoolq/internal/queue"
	"spoolq/internal/runstate"
	"spoolq/internal/sequence"
	"spoolq/internal/sink"
	"spoolq/internal/stats"
	"spoolq/internal/supervisor"
	"spoolq/internal/workerctl"
)

// LaunchOutputFile captures stdout and stderr of detached processes.
const LaunchOutputFile = "worker.out"

// NewSequencer returns the sequencer for cfg.
func NewSequencer(cfg *config.Config, logger *slog.Logger) *sequence.Sequencer {
	return sequence.New(cfg.RunDir(), time.Duration(cfg.Sequencer.LockTimeoutMillis)*time.Millisecond, logger)
}

// OpenStore opens the work item store under the state directory.
func OpenStore(cfg *config.Config, logger *slog.Logger) (*queue.Store, *sequence.Sequencer, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, err
	}
	seq := NewSequencer(cfg, logger)
	store, err := queue.Open(cfg.QueueDir(), seq, queue.Options{
		MaxRetries:   cfg.Queue.MaxRetries,
		PriorityStep: cfg.Queue.PriorityStep,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, seq, nil
}

// OpenSink opens the SQLite sink named by cfg.
func OpenSink(cfg *config.Config, logger *slog.Logger) (*sink.SQLite, error) {
	return sink.OpenSQLite(cfg.Sink.DatabasePath, time.Duration(cfg.Sink.BusyTimeoutMillis)*time.Millisecond, logger)
}

// LaunchOptions describes how to re-invoke the current executable.
func LaunchOptions(cfg *config.Config, configPath string) (workerctl.LaunchOptions, error) {
	exe, err := os.Executable()
	if err != nil {
		return workerctl.LaunchOptions{}, fmt.Errorf("resolve executable: %w", err)
	}
	return workerctl.LaunchOptions{
		Executable: exe,
		ConfigPath: configPath,
		OutputPath: filepath.Join(cfg.Paths.LogDir, LaunchOutputFile),
	}, nil
}

// NewSupervisor builds a supervisor. claims may be nil when the store could
// not be opened.
func NewSupervisor(cfg *config.Config, claims supervisor.ClaimAger, launch workerctl.LaunchOptions, logger *slog.Logger) *supervisor.Supervisor {
	var sup *supervisor.Supervisor
	var trigger func(context.Context) error
	if cfg.Supervisor.Detach {
		trigger = workerctl.EnsureTrigger(launch)
	} else {
		trigger = func(ctx context.Context) error {
			_, err := sup.EnsureStarted(ctx)
			return err
		}
	}
	sup = supervisor.New(
		runstate.New(cfg.RunDir()),
		claims,
		workerctl.ExecLauncher{Options: launch},
		trigger,
		supervisor.OptionsFromConfig(cfg),
		logger,
	)
	return sup
}

// Producer bundles what a producer command needs.
type Producer struct {
	Enqueuer *enqueue.Enqueuer
	Store    *queue.Store
	closers  []func() error
}

// Close releases the sink and stats connections.
func (p *Producer) Close() error {
	var first error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewProducer wires an enqueuer with supervision and synchronous fallback.
// A store that cannot be opened is not fatal: the enqueuer falls back to the
// sink.
func NewProducer(cfg *config.Config, configPath string, logger *slog.Logger) (*Producer, error) {
	producer := &Producer{}

	recorder, err := stats.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	producer.closers = append(producer.closers, recorder.Close)

	var tokens enqueue.TokenSource
	var claims supervisor.ClaimAger
	store, seq, storeErr := OpenStore(cfg, logger)
	if storeErr == nil {
		producer.Store = store
		tokens = seq
		claims = store
	} else {
		tokens = NewSequencer(cfg, logger)
		logger.Warn("queue store unavailable", logging.Error(storeErr))
	}

	opts := enqueue.Options{Stats: recorder, Logger: logger}
	if cfg.Supervisor.AutoStart {
		if launch, err := LaunchOptions(cfg, configPath); err == nil {
			opts.Kicker = NewSupervisor(cfg, claims, launch, logger)
		} else {
			logger.Warn("worker supervision disabled", logging.Error(err))
		}
	}
	// The sink is opened lazily so the common path never touches the database.
	opts.Fallback = sink.Func(func(ctx context.Context, payload []byte) error {
		db, err := OpenSink(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Execute(ctx, payload)
	})

	producer.Enqueuer = enqueue.New(cfg, store, tokens, opts)
	return producer, nil
}
