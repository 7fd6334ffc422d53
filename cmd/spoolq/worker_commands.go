package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"spoolq/internal/logging"
	"spoolq/internal/logs"
	"spoolq/internal/runstate"
	"spoolq/internal/supervisor"
	"spoolq/internal/workerctl"
	"spoolq/internal/workerrun"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Control the queue worker",
	}

	workerCmd.AddCommand(newWorkerRunCommand(ctx))
	workerCmd.AddCommand(newWorkerEnsureCommand(ctx))
	workerCmd.AddCommand(newWorkerStopCommand(ctx))
	workerCmd.AddCommand(newWorkerStatusCommand(ctx))
	workerCmd.AddCommand(newWorkerLogsCommand(ctx))
	return workerCmd
}

func newWorkerRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:    "run",
		Short:  "Run the worker in the foreground",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return workerrun.Run(cmd.Context(), cfg, workerrun.Options{LogLevel: ctx.logLevel()})
		},
	}
}

func newWorkerEnsureCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:    "ensure",
		Short:  "Start a worker unless a healthy one is running",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result, err := workerrun.Ensure(cmd.Context(), cfg, ctx.configPath, workerrun.Options{LogLevel: ctx.logLevel()})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case result.Launched:
				fmt.Fprintf(out, "Worker started (pid %d)\n", result.PID)
			default:
				fmt.Fprintln(out, "Worker already running")
			}
			return nil
		},
	}
}

func newWorkerStopCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running worker gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = time.Duration(cfg.Worker.StopGracePeriod) * time.Second
			}
			run := runstate.New(cfg.RunDir())
			out := cmd.OutOrStdout()
			identity, err := run.ReadIdentity()
			if errors.Is(err, runstate.ErrMissing) {
				fmt.Fprintln(out, "Worker is not running")
				return nil
			}
			if err != nil {
				return fmt.Errorf("read worker identity: %w", err)
			}
			if !workerctl.Alive(identity.PID) {
				_ = run.ClearIfOwner(identity.ID)
				fmt.Fprintln(out, "Worker is not running (cleared stale records)")
				return nil
			}

			forced, err := workerctl.Terminate(cmd.Context(), identity.PID, timeout)
			if err != nil {
				return fmt.Errorf("stop worker %d: %w", identity.PID, err)
			}
			if forced {
				_ = run.ClearIfOwner(identity.ID)
				fmt.Fprintf(out, "Worker %d killed after %s\n", identity.PID, timeout)
				return nil
			}
			fmt.Fprintf(out, "Worker %d stopped\n", identity.PID)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Grace period before the worker is killed (default worker.stop_grace_period)")
	return cmd
}

func newWorkerStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := supervisorHealth(cmd, ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, health)
			}
			for _, line := range renderWorkerHealth(health, shouldColorize(out)) {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func supervisorHealth(cmd *cobra.Command, ctx *commandContext) (supervisor.Health, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return supervisor.Health{}, err
	}
	store, err := ctx.openStore()
	if err != nil {
		return supervisor.Health{}, err
	}
	sup := supervisor.New(runstate.New(cfg.RunDir()), store, nil, nil, supervisor.OptionsFromConfig(cfg), ctx.logger())
	return sup.Status(cmd.Context()), nil
}

func renderWorkerHealth(health supervisor.Health, colorize bool) []string {
	report := health.Report
	kind := statusWarn
	switch report.State {
	case supervisor.StateHealthy:
		kind = statusOK
	case supervisor.StateStarting:
		kind = statusInfo
	case supervisor.StateUnhealthy, supervisor.StateStale:
		kind = statusError
	}
	message := string(report.State)
	if report.Reason != "" {
		message += " (" + report.Reason + ")"
	}
	lines := []string{renderStatusLine("Worker", kind, message, colorize)}
	if report.Identity != nil {
		lines = append(lines,
			renderStatusLine("PID", statusInfo, fmt.Sprintf("%d on %s", report.Identity.PID, report.Identity.Host), colorize),
			renderStatusLine("Uptime", statusInfo, formatAge(time.Since(report.Identity.StartedAt)), colorize),
		)
	}
	if report.HeartbeatAge > 0 {
		lines = append(lines, renderStatusLine("Heartbeat", statusInfo, formatAge(report.HeartbeatAge)+" ago", colorize))
	}
	if report.OldestClaimed > 0 {
		lines = append(lines, renderStatusLine("Oldest claim", statusInfo, formatAge(report.OldestClaimed), colorize))
	}
	lines = append(lines, renderStatusLine("Health cache", statusInfo, "fresh: "+yesNo(health.CacheFresh), colorize))
	if health.StarterLease != nil {
		lines = append(lines, renderStatusLine("Starter lease", statusWarn,
			fmt.Sprintf("held by pid %d", health.StarterLease.PID), colorize))
	}
	return lines
}

func newWorkerLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the worker log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Paths.LogDir, logging.WorkerLogFile)
			out := cmd.OutOrStdout()

			tail, offset, err := logs.Last(path, lines)
			if err != nil {
				return err
			}
			for _, line := range tail {
				fmt.Fprintln(out, line)
			}
			if !follow {
				return nil
			}
			return logs.Follow(cmd.Context(), path, offset, logs.DefaultPollInterval, func(line string) {
				fmt.Fprintln(out, line)
			})
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	return cmd
}
