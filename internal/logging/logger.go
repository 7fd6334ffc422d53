package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"spoolq/internal/config"
)

// WorkerLogFile is the file name the worker process appends JSON logs to.
const WorkerLogFile = "worker.log"

// Options describes logger construction parameters.
type Options struct {
	Level       string
	Format      string
	OutputPaths []string
	Development bool
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	writer, err := openWriters(defaultSlice(opts.OutputPaths, []string{"stdout"}))
	if err != nil {
		return nil, err
	}
	handler, err := NewHandler(writer, opts.Format, opts.Level, opts.Development)
	if err != nil {
		return nil, err
	}
	return slog.New(handler), nil
}

// NewHandler builds a console or JSON handler writing to w.
func NewHandler(w io.Writer, format, level string, development bool) (slog.Handler, error) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(level))
	addSource := development || levelVar.Level() <= slog.LevelDebug

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return newJSONHandler(w, levelVar, addSource), nil
	case "console", "":
		return newPrettyHandler(w, levelVar, addSource), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", format)
	}
}

// NewFromConfig creates the worker logger: configured format on stdout, JSON
// appended to log_dir/worker.log.
func NewFromConfig(cfg *config.Config) (*slog.Logger, error) {
	if cfg == nil {
		return New(Options{Level: "info", Format: "console"})
	}

	base, err := New(Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Paths.LogDir) == "" {
		return base, nil
	}
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure log directory: %w", err)
	}
	fileWriter, err := openWriters([]string{filepath.Join(cfg.Paths.LogDir, WorkerLogFile)})
	if err != nil {
		return nil, err
	}
	fileHandler, err := NewHandler(fileWriter, "json", cfg.Logging.Level, false)
	if err != nil {
		return nil, err
	}
	return TeeLogger(base, fileHandler), nil
}

// NewCLI creates the logger used by short-lived producer and operator
// commands. Output goes to stderr so command output on stdout stays clean.
func NewCLI(cfg *config.Config, level string) *slog.Logger {
	format := "console"
	if cfg != nil && cfg.Logging.Format != "" {
		format = cfg.Logging.Format
	}
	if strings.TrimSpace(level) == "" {
		level = "warn"
	}
	handler, err := NewHandler(os.Stderr, format, level, false)
	if err != nil {
		return NewNop()
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultSlice(value []string, fallback []string) []string {
	if len(value) == 0 {
		return append([]string(nil), fallback...)
	}
	return append([]string(nil), value...)
}

func openWriters(outputPaths []string) (io.Writer, error) {
	seen := map[string]struct{}{}
	var writers []io.Writer

	for _, path := range outputPaths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}

		switch trimmed {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("ensure log directory: %w", err)
				}
			}
			file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", trimmed, err)
			}
			writers = append(writers, file)
		}
	}

	switch len(writers) {
	case 0:
		return os.Stdout, nil
	case 1:
		return writers[0], nil
	default:
		return io.MultiWriter(writers...), nil
	}
}
