package config

import (
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if value := strings.TrimSpace(os.Getenv("SPOOLQ_STATE_DIR")); value != "" {
		c.Paths.StateDir = value
	}
	if value := strings.TrimSpace(os.Getenv("SPOOLQ_REDIS_ADDR")); value != "" {
		c.Stats.RedisAddr = value
	}

	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Sink.DatabasePath, err = expandPath(c.Sink.DatabasePath); err != nil {
		return err
	}

	c.Stats.Backend = strings.ToLower(strings.TrimSpace(c.Stats.Backend))
	if c.Stats.Backend == "" {
		c.Stats.Backend = StatsBackendFile
	}
	c.Stats.RedisAddr = strings.TrimSpace(c.Stats.RedisAddr)
	c.Stats.RedisKey = strings.TrimSpace(c.Stats.RedisKey)
	if c.Stats.RedisKey == "" {
		c.Stats.RedisKey = defaultRedisKey
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}

	if c.Queue.DefaultPriority == 0 {
		c.Queue.DefaultPriority = defaultQueuePriority
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = defaultBatchSize
	}
	if c.Worker.PollIntervalMillis <= 0 {
		c.Worker.PollIntervalMillis = defaultPollIntervalMillis
	}
	if c.Worker.BusyBackoffMillis <= 0 {
		c.Worker.BusyBackoffMillis = defaultBusyBackoffMillis
	}
	if c.Sequencer.LockTimeoutMillis <= 0 {
		c.Sequencer.LockTimeoutMillis = defaultSequencerLockTimeout
	}
	return nil
}
