package bootstrap

import (
	"time"

	"github.com/flyingrobots/wesley/components/migration/internal/admission"
	"github.com/flyingrobots/wesley/components/migration/internal/analyzer"
	"github.com/flyingrobots/wesley/components/migration/internal/batch"
	"github.com/flyingrobots/wesley/components/migration/internal/cic"
	"github.com/flyingrobots/wesley/components/migration/internal/executor"
	"github.com/flyingrobots/wesley/components/migration/internal/lockmon"
	"github.com/flyingrobots/wesley/components/migration/internal/safety"
	"github.com/flyingrobots/wesley/components/migration/internal/verify"
	"github.com/flyingrobots/wesley/pkg"
	"github.com/flyingrobots/wesley/pkg/mlog"
	"github.com/flyingrobots/wesley/pkg/mzap"
)

const ApplicationName = "wesley-migration"

// Config is the top level configuration struct for the entire application.
type Config struct {
	EnvName  string `env:"ENV_NAME"`
	LogLevel string `env:"LOG_LEVEL"`

	PostgresConnectionString string `env:"POSTGRES_CONNECTION_STRING"`
	MinServerVersion         int    `env:"POSTGRES_MIN_SERVER_VERSION"`

	MaxConcurrentOperations int   `env:"MAX_CONCURRENT_OPERATIONS"`
	BaseRateLimit           int64 `env:"BASE_RATE_LIMIT"`
	QueueLimit              int   `env:"QUEUE_LIMIT"`
	FailureThreshold        int64 `env:"CIRCUIT_FAILURE_THRESHOLD"`
	ResetTimeoutMs          int64 `env:"CIRCUIT_RESET_TIMEOUT_MS"`

	MaxBatchSize          int   `env:"MAX_BATCH_SIZE"`
	MaxBatchMemoryMB      int64 `env:"MAX_BATCH_MEMORY_MB"`
	AllowConcurrentSchema bool  `env:"ALLOW_CONCURRENT_SCHEMA"`
	LockTimeoutMs         int64 `env:"LOCK_TIMEOUT_MS"`

	MaxParallelTables int   `env:"MAX_PARALLEL_TABLES"`
	MaxRetries        int   `env:"MAX_RETRIES_PER_OPERATION"`
	MaxBackoffMs      int64 `env:"MAX_BACKOFF_MS"`
	MaxSavepoints     int   `env:"MAX_SAVEPOINTS"`

	MonitorIntervalMs       int64 `env:"LOCK_MONITOR_INTERVAL_MS"`
	DeadlockCheckIntervalMs int64 `env:"DEADLOCK_CHECK_INTERVAL_MS"`

	ChecksumAlgorithm  string `env:"CHECKSUM_ALGORITHM"`
	StrictVerification bool   `env:"STRICT_VERIFICATION"`
}

// NewConfig loads the configuration from the environment.
func NewConfig() *Config {
	cfg := &Config{}

	if err := pkg.SetConfigFromEnvVars(cfg); err != nil {
		panic(err)
	}

	return cfg
}

// InitLogger builds the zap-backed logger the run threads through context.
//
//nolint:ireturn
func InitLogger() mlog.Logger {
	return mzap.InitializeLogger()
}

func (c *Config) admissionConfig() admission.Config {
	cfg := admission.DefaultConfig()

	if c.MaxConcurrentOperations > 0 {
		cfg.MaxConcurrentOperations = c.MaxConcurrentOperations
	}

	if c.BaseRateLimit > 0 {
		cfg.BaseRateLimit = float64(c.BaseRateLimit)
	}

	if c.QueueLimit > 0 {
		cfg.QueueLimit = c.QueueLimit
	}

	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = uint32(c.FailureThreshold)
	}

	if c.ResetTimeoutMs > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutMs) * time.Millisecond
	}

	return cfg
}

func (c *Config) batchConfig() batch.Config {
	cfg := batch.DefaultConfig()
	cfg.AllowConcurrentSchema = c.AllowConcurrentSchema

	if c.MaxBatchSize > 0 {
		cfg.MaxBatchSize = c.MaxBatchSize
	}

	if c.MaxBatchMemoryMB > 0 {
		cfg.MaxMemoryMB = c.MaxBatchMemoryMB
	}

	if c.LockTimeoutMs > 0 {
		cfg.LockTimeoutMs = c.LockTimeoutMs
	}

	return cfg
}

func (c *Config) analyzerConfig() analyzer.Config {
	cfg := analyzer.DefaultConfig()

	if c.MaxParallelTables > 0 {
		cfg.MaxParallelism = c.MaxParallelTables
	}

	return cfg
}

func (c *Config) managerConfig() executor.ManagerConfig {
	cfg := executor.DefaultManagerConfig()

	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}

	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoffMs = c.MaxBackoffMs
	}

	if c.MaxSavepoints > 0 {
		cfg.MaxSavepoints = c.MaxSavepoints
	}

	return cfg
}

func (c *Config) monitorConfig() lockmon.Config {
	cfg := lockmon.DefaultConfig()

	if c.MonitorIntervalMs > 0 {
		cfg.MonitorInterval = time.Duration(c.MonitorIntervalMs) * time.Millisecond
	}

	if c.DeadlockCheckIntervalMs > 0 {
		cfg.DeadlockCheckInterval = time.Duration(c.DeadlockCheckIntervalMs) * time.Millisecond
	}

	return cfg
}

func (c *Config) verifierConfig() verify.Config {
	cfg := verify.DefaultConfig()
	cfg.Strict = c.StrictVerification

	if c.ChecksumAlgorithm != "" {
		cfg.Algorithm = c.ChecksumAlgorithm
	}

	return cfg
}

func (c *Config) cicConfig() cic.Config {
	return cic.Config{MinServerVersion: c.MinServerVersion}
}

func (c *Config) safetyLimits() safety.Limits {
	return safety.DefaultLimits()
}
