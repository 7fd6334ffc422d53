package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate ensures configuration values are usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateSupervisor(); err != nil {
		return err
	}
	if err := c.validateSink(); err != nil {
		return err
	}
	if err := c.validateStats(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return errors.New("paths.state_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.DefaultPriority < minPriority || c.Queue.DefaultPriority > maxPriority {
		return fmt.Errorf("queue.default_priority must be between %d and %d", minPriority, maxPriority)
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must be >= 0")
	}
	if c.Queue.PriorityStep < 0 || c.Queue.PriorityStep > maxPriority-minPriority {
		return fmt.Errorf("queue.priority_step must be between 0 and %d", maxPriority-minPriority)
	}
	if c.Queue.RetentionHours < 0 {
		return errors.New("queue.retention_hours must be >= 0")
	}
	if c.Queue.StagingMaxAge <= 0 {
		return errors.New("queue.staging_max_age must be positive")
	}
	if c.Queue.GCInterval <= 0 {
		return errors.New("queue.gc_interval must be positive")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.HeartbeatInterval <= 0 {
		return errors.New("worker.heartbeat_interval must be positive")
	}
	if c.Worker.HeartbeatTimeout <= c.Worker.HeartbeatInterval {
		return errors.New("worker.heartbeat_timeout must be greater than worker.heartbeat_interval")
	}
	if c.Worker.IdleTimeout <= 0 {
		return errors.New("worker.idle_timeout must be positive")
	}
	if c.Worker.ErrorRetryInterval <= 0 {
		return errors.New("worker.error_retry_interval must be positive")
	}
	if c.Worker.OrphanTimeout < 0 {
		return errors.New("worker.orphan_timeout must be >= 0")
	}
	if budget := c.ItemBudget(); time.Duration(c.Worker.ProcessingTimeout)*time.Second <= budget {
		return fmt.Errorf("worker.processing_timeout must exceed (worker.busy_retries+1) * sink.call_timeout plus retry backoff (%s)", budget)
	}
	if c.Worker.DrainLimit < 0 {
		return errors.New("worker.drain_limit must be >= 0")
	}
	if c.Worker.BusyRetries < 0 {
		return errors.New("worker.busy_retries must be >= 0")
	}
	if c.Worker.StopGracePeriod <= 0 {
		return errors.New("worker.stop_grace_period must be positive")
	}
	return nil
}

func (c *Config) validateSupervisor() error {
	if c.Supervisor.HealthCacheTTL <= 0 || c.Supervisor.HealthCacheTTL > maxHealthCacheTTL {
		return fmt.Errorf("supervisor.health_cache_ttl must be between 1 and %d seconds", maxHealthCacheTTL)
	}
	if c.Supervisor.StartupWait <= 0 {
		return errors.New("supervisor.startup_wait must be positive")
	}
	if c.Supervisor.LockStale <= 0 {
		return errors.New("supervisor.lock_stale must be positive")
	}
	if c.Supervisor.IdentityWait <= 0 {
		return errors.New("supervisor.identity_wait must be positive")
	}
	return nil
}

func (c *Config) validateSink() error {
	if strings.TrimSpace(c.Sink.DatabasePath) == "" {
		return errors.New("sink.database_path must be set")
	}
	if c.Sink.CallTimeout <= 0 {
		return errors.New("sink.call_timeout must be positive")
	}
	if c.Sink.BusyTimeoutMillis < 0 {
		return errors.New("sink.busy_timeout_ms must be >= 0")
	}
	return nil
}

func (c *Config) validateStats() error {
	switch c.Stats.Backend {
	case StatsBackendFile, StatsBackendOff:
	case StatsBackendRedis:
		if c.Stats.RedisAddr == "" {
			return errors.New("stats.redis_addr must be set when stats.backend is redis")
		}
	default:
		return fmt.Errorf("unsupported stats.backend %q", c.Stats.Backend)
	}
	if c.Stats.RedisDB < 0 {
		return errors.New("stats.redis_db must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unsupported logging.format %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unsupported logging.level %q", c.Logging.Level)
	}
	return nil
}

// MaxBusyBackoff caps the worker's inline retry delay.
const MaxBusyBackoff = 2 * time.Second

// ItemBudget is the longest one item may legitimately spend in a single
// processing pass: every inline attempt running to sink.call_timeout plus
// the backoff between attempts.
func (c *Config) ItemBudget() time.Duration {
	attempts := max(c.Worker.BusyRetries, 0) + 1
	budget := time.Duration(attempts) * time.Duration(c.Sink.CallTimeout) * time.Second
	backoff := time.Duration(max(c.Worker.BusyBackoffMillis, 0)) * time.Millisecond
	for retry := 1; retry < attempts; retry++ {
		if backoff >= MaxBusyBackoff {
			budget += time.Duration(attempts-retry) * MaxBusyBackoff
			break
		}
		budget += backoff
		backoff = min(backoff*2, MaxBusyBackoff)
	}
	return budget
}
