package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"spoolq/internal/config"
	"spoolq/internal/logging"
	"spoolq/internal/queue"
	"spoolq/internal/runstate"
	"spoolq/internal/sink"
	"spoolq/internal/stats"
)

// ErrAlreadyRunning means another worker holds the ownership lock.
var ErrAlreadyRunning = errors.New("worker already running")

// OwnershipWait bounds how long a starting worker retries the ownership lock
// while health checks briefly hold it.
const OwnershipWait = 500 * time.Millisecond

// State is the worker lifecycle phase.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// ExitReason explains why Run returned without error.
type ExitReason string

const (
	ExitIdle     ExitReason = "idle"
	ExitShutdown ExitReason = "shutdown"
)

// Summary describes one worker lifetime.
type Summary struct {
	Identity  runstate.Identity
	Reason    ExitReason
	Processed int
	Completed int
	Failed    int
	Requeued  int
	Released  int
	Recovered queue.RecoverResult
}

// Worker consumes the queue.
type Worker struct {
	store  *queue.Store
	run    *runstate.Store
	sink   sink.Sink
	stats  stats.Recorder
	logger *slog.Logger

	batchSize          int
	pollInterval       time.Duration
	idleTimeout        time.Duration
	heartbeatInterval  time.Duration
	errorRetryInterval time.Duration
	orphanTimeout      time.Duration
	drainLimit         int
	busyRetries        int
	busyBackoff        time.Duration
	retention          time.Duration
	stagingMaxAge      time.Duration
	gcInterval         time.Duration

	notify chan struct{}

	mu      sync.RWMutex
	state   State
	summary Summary
}

// New constructs a Worker from configuration.
func New(cfg *config.Config, store *queue.Store, run *runstate.Store, target sink.Sink, recorder stats.Recorder, logger *slog.Logger) *Worker {
	if recorder == nil {
		recorder = stats.Nop{}
	}
	seconds := func(v int) time.Duration { return time.Duration(v) * time.Second }
	millis := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return &Worker{
		store:              store,
		run:                run,
		sink:               sink.Timeout(target, seconds(cfg.Sink.CallTimeout)),
		stats:              recorder,
		logger:             logging.NewComponentLogger(logger, "worker"),
		batchSize:          cfg.Queue.BatchSize,
		pollInterval:       millis(cfg.Worker.PollIntervalMillis),
		idleTimeout:        seconds(cfg.Worker.IdleTimeout),
		heartbeatInterval:  seconds(cfg.Worker.HeartbeatInterval),
		errorRetryInterval: seconds(cfg.Worker.ErrorRetryInterval),
		orphanTimeout:      seconds(cfg.Worker.OrphanTimeout),
		drainLimit:         cfg.Worker.DrainLimit,
		busyRetries:        cfg.Worker.BusyRetries,
		busyBackoff:        millis(cfg.Worker.BusyBackoffMillis),
		retention:          time.Duration(cfg.Queue.RetentionHours) * time.Hour,
		stagingMaxAge:      seconds(cfg.Queue.StagingMaxAge),
		gcInterval:         seconds(cfg.Queue.GCInterval),
		notify:             make(chan struct{}, 1),
		state:              StateStopped,
	}
}

// Notify wakes an idle worker early. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// State returns the current lifecycle phase.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// Run owns the queue until ctx is cancelled or the worker has been idle for
// the idle timeout. It returns ErrAlreadyRunning when another worker is live.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	own, ok, err := w.run.WaitOwnership(ctx, OwnershipWait)
	if err != nil {
		return Summary{}, err
	}
	if !ok {
		return Summary{}, ErrAlreadyRunning
	}
	return w.RunOwned(ctx, own)
}

// RunOwned is Run for a caller that already holds the ownership lock. The
// lock is released on return.
func (w *Worker) RunOwned(ctx context.Context, own *runstate.Ownership) (Summary, error) {
	w.setState(StateStarting)
	identity := runstate.NewIdentity()
	logger := w.logger.With(logging.String(logging.FieldWorkerID, identity.ID))
	w.summary = Summary{Identity: identity}

	defer func() {
		if err := w.run.ClearIfOwner(identity.ID); err != nil {
			logger.Warn("clear run records failed", logging.Error(err))
		}
		if err := own.Release(); err != nil {
			logger.Warn("release ownership failed", logging.Error(err))
		}
		w.setState(StateStopped)
	}()

	// The heartbeat goes first so a reader that sees the identity also sees
	// a heartbeat.
	if err := w.run.Beat(); err != nil {
		return w.summary, fmt.Errorf("publish heartbeat: %w", err)
	}
	if err := w.run.WriteIdentity(identity); err != nil {
		return w.summary, fmt.Errorf("publish identity: %w", err)
	}
	w.stats.Increment(stats.WorkerStarted)
	logger.Info("worker started",
		logging.Int("pid", identity.PID),
		logging.String(logging.FieldEventType, "worker_started"),
	)

	w.recoverOrphans(ctx, logger)
	w.collectGarbage(logger)

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go w.heartbeatLoop(hbCtx, &wg, logger)
	defer func() {
		stopHeartbeat()
		wg.Wait()
	}()

	w.setState(StateRunning)
	reason := w.loop(ctx, logger)
	w.summary.Reason = reason

	logger.Info("worker stopped",
		logging.String("reason", string(reason)),
		logging.Int("processed", w.summary.Processed),
		logging.Int("released", w.summary.Released),
		logging.String(logging.FieldEventType, "worker_stopped"),
	)
	return w.summary, nil
}

func (w *Worker) recoverOrphans(ctx context.Context, logger *slog.Logger) {
	result, err := w.store.RecoverOrphans(ctx, w.orphanTimeout)
	w.summary.Recovered = result
	if err != nil {
		logging.WarnWithContext(logger, "orphan recovery incomplete", "orphan_recovery_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on the queue directory"),
			logging.String(logging.FieldImpact, "some claimed items stay stuck until the next worker start"),
		)
	}
	for i := 0; i < result.Total(); i++ {
		w.stats.Increment(stats.OrphansRecovered)
	}
	if result.Total() > 0 {
		logger.Info("recovered orphaned items",
			logging.Int("requeued", result.Requeued),
			logging.Int("failed", result.Failed),
			logging.String(logging.FieldEventType, "orphans_recovered"),
		)
	}
}

func (w *Worker) collectGarbage(logger *slog.Logger) {
	result, err := w.store.GarbageCollect(w.retention, w.stagingMaxAge)
	if err != nil {
		logger.Warn("garbage collection failed", logging.Error(err))
		return
	}
	if result.Total() > 0 {
		logger.Info("garbage collected",
			logging.Int("completed", result.Completed),
			logging.Int("failed", result.Failed),
			logging.Int("staging", result.Staging),
		)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger) {
	defer wg.Done()
	interval := w.heartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.run.Beat(); err != nil {
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}
