package workerrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"spoolq/internal/config"
	"spoolq/internal/logging"
	"spoolq/internal/runstate"
	"spoolq/internal/stats"
	"spoolq/internal/supervisor"
	"spoolq/internal/worker"
)

// rotateSize is the worker.log size that triggers rotation at startup.
const rotateSize = 32 << 20

// Options configures worker process runtime behavior.
type Options struct {
	LogLevel string
}

// Run is the worker process entrypoint. It returns nil when another worker
// already owns the queue.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	run := runstate.New(cfg.RunDir())
	own, owned, err := run.WaitOwnership(signalCtx, worker.OwnershipWait)
	if err != nil {
		return fmt.Errorf("acquire worker ownership: %w", err)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			_ = own.Release()
		}
	}()
	// worker.log is only rotated by the process that owns the queue; a live
	// worker may still be writing to it otherwise.
	if owned {
		rotateWorkerLog(cfg.Paths.LogDir)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if !owned {
		logger.Info("another worker owns the queue, exiting",
			logging.String(logging.FieldEventType, "worker_already_running"),
		)
		return nil
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays, cfg.Paths.LogDir, "worker-*.log", "")

	store, _, err := OpenStore(cfg, logger)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}
	target, err := OpenSink(cfg, logger)
	if err != nil {
		logger.Error("open sink", logging.Error(err))
		return err
	}
	defer target.Close()

	recorder, err := stats.New(cfg, logger)
	if err != nil {
		return err
	}
	defer recorder.Close()

	w := worker.New(cfg, store, run, target, recorder, logger)
	handedOff = true
	summary, err := w.RunOwned(signalCtx, own)
	if err != nil {
		logging.ErrorWithContext(logger, "worker exited with error", "worker_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on paths.state_dir"),
		)
		return err
	}
	logger.Debug("worker summary",
		logging.Int("completed", summary.Completed),
		logging.Int("failed", summary.Failed),
		logging.Int("requeued", summary.Requeued),
	)
	return nil
}

// Ensure runs the full supervisor start path. It backs the detached
// "worker ensure" command that producers trigger.
func Ensure(ctx context.Context, cfg *config.Config, configPath string, opts Options) (supervisor.Result, error) {
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return supervisor.Result{}, fmt.Errorf("init logger: %w", err)
	}
	logger = logging.NewComponentLogger(logger, "ensure")

	store, _, err := OpenStore(cfg, logger)
	if err != nil {
		return supervisor.Result{}, err
	}
	launch, err := LaunchOptions(cfg, configPath)
	if err != nil {
		return supervisor.Result{}, err
	}
	result, err := NewSupervisor(cfg, store, launch, logger).EnsureStarted(ctx)
	if err != nil {
		logging.WarnWithContext(logger, "worker start failed", "worker_start_failed",
			logging.Error(err),
			logging.Any("state", result.State),
			logging.String(logging.FieldErrorHint, "inspect worker.out and worker.log in paths.log_dir"),
			logging.String(logging.FieldImpact, "pending items wait for the next start attempt"),
		)
	}
	return result, err
}

func rotateWorkerLog(dir string) {
	current := filepath.Join(dir, logging.WorkerLogFile)
	info, err := os.Stat(current)
	if err != nil || info.Size() < rotateSize {
		return
	}
	stamp := time.Now().UTC().Format("20060102T150405")
	_ = os.Rename(current, filepath.Join(dir, "worker-"+stamp+".log"))
}
