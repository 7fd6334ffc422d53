package testsupport

import (
	"path/filepath"
	"testing"

	"spoolq/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test
// and timings short enough for fast tests. The directories are created.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Sink.DatabasePath = filepath.Join(base, "sink.db")
	cfgVal.Sink.CallTimeout = 2
	cfgVal.Worker.PollIntervalMillis = 10
	cfgVal.Worker.BusyBackoffMillis = 1
	cfgVal.Worker.HeartbeatInterval = 1
	cfgVal.Worker.HeartbeatTimeout = 5
	cfgVal.Worker.ErrorRetryInterval = 1
	cfgVal.Worker.ProcessingTimeout = 30
	cfgVal.Sequencer.LockTimeoutMillis = 200
	cfgVal.Supervisor.AutoStart = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return builder.cfg
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxRetries = n
	}
}

// WithPriorityStep overrides the retry priority demotion.
func WithPriorityStep(step int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.PriorityStep = step
	}
}

// WithStatsBackend selects the counter backend.
func WithStatsBackend(backend string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Stats.Backend = backend
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
