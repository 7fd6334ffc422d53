package config

const (
	defaultConfigPath             = "~/.config/spoolq/config.toml"
	defaultStateDir               = "~/.local/share/spoolq"
	defaultLogDir                 = "~/.local/share/spoolq/logs"
	defaultDatabasePath           = "~/.local/share/spoolq/sink.db"
	defaultQueuePriority          = 5
	defaultMaxRetries             = 3
	defaultPriorityStep           = 1
	defaultBatchSize              = 10
	defaultRetentionHours         = 168
	defaultStagingMaxAge          = 3600
	defaultGCInterval             = 3600
	defaultSequencerLockTimeout   = 1000
	defaultHeartbeatInterval      = 5
	defaultHeartbeatTimeout       = 30
	defaultIdleTimeout            = 300
	defaultPollIntervalMillis     = 500
	defaultErrorRetryInterval     = 5
	defaultProcessingTimeout      = 600
	defaultDrainLimit             = 5
	defaultBusyRetries            = 3
	defaultBusyBackoffMillis      = 100
	defaultStopGracePeriod        = 10
	defaultHealthCacheTTL         = 5
	defaultSupervisorStartupWait  = 10
	defaultSupervisorLockStale    = 30
	defaultSupervisorIdentityWait = 3
	defaultSinkCallTimeout        = 30
	defaultSinkBusyTimeoutMillis  = 1000
	defaultRedisKey               = "spoolq:stats"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultLogRetentionDays       = 30
	maxHealthCacheTTL             = 9
	minPriority                   = 1
	maxPriority                   = 10
)

// Stats backends.
const (
	StatsBackendFile  = "file"
	StatsBackendRedis = "redis"
	StatsBackendOff   = "off"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Queue: Queue{
			DefaultPriority: defaultQueuePriority,
			MaxRetries:      defaultMaxRetries,
			PriorityStep:    defaultPriorityStep,
			BatchSize:       defaultBatchSize,
			RetentionHours:  defaultRetentionHours,
			StagingMaxAge:   defaultStagingMaxAge,
			GCInterval:      defaultGCInterval,
		},
		Sequencer: Sequencer{
			LockTimeoutMillis: defaultSequencerLockTimeout,
		},
		Worker: Worker{
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
			IdleTimeout:        defaultIdleTimeout,
			PollIntervalMillis: defaultPollIntervalMillis,
			ErrorRetryInterval: defaultErrorRetryInterval,
			ProcessingTimeout:  defaultProcessingTimeout,
			DrainLimit:         defaultDrainLimit,
			BusyRetries:        defaultBusyRetries,
			BusyBackoffMillis:  defaultBusyBackoffMillis,
			StopGracePeriod:    defaultStopGracePeriod,
		},
		Supervisor: Supervisor{
			HealthCacheTTL: defaultHealthCacheTTL,
			StartupWait:    defaultSupervisorStartupWait,
			LockStale:      defaultSupervisorLockStale,
			IdentityWait:   defaultSupervisorIdentityWait,
			Detach:         true,
			AutoStart:      true,
		},
		Sink: Sink{
			DatabasePath:      defaultDatabasePath,
			CallTimeout:       defaultSinkCallTimeout,
			BusyTimeoutMillis: defaultSinkBusyTimeoutMillis,
		},
		Stats: Stats{
			Backend:  StatsBackendFile,
			RedisKey: defaultRedisKey,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
