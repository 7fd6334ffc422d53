// Package workerctl starts, checks, and terminates worker processes.
//
// Processes are started detached in their own session with stdio pointed at
// a log file or /dev/null, so they outlive the short-lived producer or CLI
// invocation that launched them. Liveness is checked with signal 0.
package workerctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const pollInterval = 50 * time.Millisecond

// ErrInvalidPID is returned when asked to signal an unusable pid.
var ErrInvalidPID = errors.New("invalid pid")

// Launcher starts a worker process and returns its pid.
type Launcher interface {
	Launch(ctx context.Context) (int, error)
}

// LaunchOptions controls how the spoolq executable is re-invoked.
type LaunchOptions struct {
	Executable string
	ConfigPath string
	// OutputPath receives the child's stdout and stderr; empty discards them.
	OutputPath string
}

func (o LaunchOptions) args(sub ...string) []string {
	args := append([]string(nil), sub...)
	if cfg := strings.TrimSpace(o.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	return args
}

// ExecLauncher launches "spoolq worker run" detached.
type ExecLauncher struct {
	Options LaunchOptions
}

// Launch implements Launcher.
func (l ExecLauncher) Launch(ctx context.Context) (int, error) {
	return Spawn(l.Options.Executable, l.Options.args("worker", "run"), l.Options.OutputPath)
}

// EnsureTrigger returns a function that runs "spoolq worker ensure" detached,
// for callers that must not wait on supervisor startup.
func EnsureTrigger(opts LaunchOptions) func(context.Context) error {
	return func(context.Context) error {
		_, err := Spawn(opts.Executable, opts.args("worker", "ensure"), opts.OutputPath)
		return err
	}
}

// Spawn starts executable with args in a new session and returns its pid
// without waiting for it. The child is reaped in the background.
func Spawn(executable string, args []string, outputPath string) (int, error) {
	if strings.TrimSpace(executable) == "" {
		return 0, errors.New("resolve executable: executable path is empty")
	}

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	var output *os.File
	if strings.TrimSpace(outputPath) != "" {
		output, err = os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open launch output %s: %w", outputPath, err)
		}
		defer output.Close()
	} else {
		output, err = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		defer output.Close()
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdin = devNull
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("launch %s: %w", strings.Join(args, " "), err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// WaitExit polls until pid is gone or timeout elapses. It reports whether
// the process exited.
func WaitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !Alive(pid)
		case <-time.After(pollInterval):
		}
	}
}

// Terminate sends SIGTERM to pid, waits up to grace for it to exit, and
// escalates to SIGKILL. forced reports whether SIGKILL was needed.
func Terminate(ctx context.Context, pid int, grace time.Duration) (forced bool, err error) {
	if pid <= 1 || pid == os.Getpid() {
		return false, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return false, nil
		}
		return false, fmt.Errorf("signal %d: %w", pid, err)
	}
	if WaitExit(ctx, pid, grace) {
		return false, nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return false, nil
		}
		return false, fmt.Errorf("kill %d: %w", pid, err)
	}
	if !WaitExit(ctx, pid, 2*time.Second) {
		return true, fmt.Errorf("process %d still alive after SIGKILL", pid)
	}
	return true, nil
}
