package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Paths contains directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Queue contains work item store settings.
type Queue struct {
	DefaultPriority int `toml:"default_priority"`
	MaxRetries      int `toml:"max_retries"`
	PriorityStep    int `toml:"priority_step"`
	BatchSize       int `toml:"batch_size"`
	RetentionHours  int `toml:"retention_hours"`
	StagingMaxAge   int `toml:"staging_max_age"`
	GCInterval      int `toml:"gc_interval"`
}

// Sequencer contains settings for item token generation.
type Sequencer struct {
	LockTimeoutMillis int `toml:"lock_timeout_ms"`
}

// Worker contains timing for the consumer process. Values are seconds
// unless the key says otherwise.
type Worker struct {
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
	IdleTimeout        int `toml:"idle_timeout"`
	PollIntervalMillis int `toml:"poll_interval_ms"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	OrphanTimeout      int `toml:"orphan_timeout"`
	ProcessingTimeout  int `toml:"processing_timeout"`
	DrainLimit         int `toml:"drain_limit"`
	BusyRetries        int `toml:"busy_retries"`
	BusyBackoffMillis  int `toml:"busy_backoff_ms"`
	StopGracePeriod    int `toml:"stop_grace_period"`
}

// Supervisor contains settings for worker liveness checks and startup.
type Supervisor struct {
	HealthCacheTTL int  `toml:"health_cache_ttl"`
	StartupWait    int  `toml:"startup_wait"`
	LockStale      int  `toml:"lock_stale"`
	IdentityWait   int  `toml:"identity_wait"`
	Detach         bool `toml:"detach"`
	AutoStart      bool `toml:"autostart"`
}

// Sink contains settings for the embedded database that items are applied to.
type Sink struct {
	DatabasePath      string `toml:"database_path"`
	CallTimeout       int    `toml:"call_timeout"`
	BusyTimeoutMillis int    `toml:"busy_timeout_ms"`
}

// Stats contains settings for best-effort counters.
type Stats struct {
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`
	RedisDB   int    `toml:"redis_db"`
	RedisKey  string `toml:"redis_key"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for spoolq.
//
// Configuration sections by subsystem:
//   - Paths: state and log directories
//   - Queue: priorities, retry policy, batch size, retention
//   - Sequencer: token counter lock timeout
//   - Worker: heartbeat, idle exit, drain, and sink retry timing
//   - Supervisor: health cache TTL and startup coordination
//   - Sink: embedded SQLite database
//   - Stats: counter backend
//   - Logging: log format, level, and retention
type Config struct {
	Paths      Paths      `toml:"paths"`
	Queue      Queue      `toml:"queue"`
	Sequencer  Sequencer  `toml:"sequencer"`
	Worker     Worker     `toml:"worker"`
	Supervisor Supervisor `toml:"supervisor"`
	Sink       Sink       `toml:"sink"`
	Stats      Stats      `toml:"stats"`
	Logging    Logging    `toml:"logging"`
}

// QueueDir returns the root of the four item areas and the staging area.
func (c *Config) QueueDir() string {
	return filepath.Join(c.Paths.StateDir, "queue")
}

// RunDir returns the directory holding worker identity, heartbeat, and lock records.
func (c *Config) RunDir() string {
	return filepath.Join(c.Paths.StateDir, "run")
}

// StatsDir returns the directory used by the file counter backend.
func (c *Config) StatsDir() string {
	return filepath.Join(c.Paths.StateDir, "stats")
}

// EnsureDirectories creates required directories for queue operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StateDir, c.QueueDir(), c.RunDir(), c.Paths.LogDir}
	if c.Stats.Backend == StatsBackendFile {
		dirs = append(dirs, c.StatsDir())
	}
	if dbDir := filepath.Dir(c.Sink.DatabasePath); strings.TrimSpace(c.Sink.DatabasePath) != "" {
		dirs = append(dirs, dbDir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
