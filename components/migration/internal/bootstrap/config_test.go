package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/wesley/pkg/mlog"
)

func TestNewConfig_FromEnvironment(t *testing.T) {
	t.Setenv("POSTGRES_CONNECTION_STRING", "host=db dbname=app")
	t.Setenv("MAX_CONCURRENT_OPERATIONS", "4")
	t.Setenv("CIRCUIT_FAILURE_THRESHOLD", "7")
	t.Setenv("MAX_BATCH_SIZE", "25")
	t.Setenv("ALLOW_CONCURRENT_SCHEMA", "true")
	t.Setenv("CHECKSUM_ALGORITHM", "xxhash")
	t.Setenv("STRICT_VERIFICATION", "true")
	t.Setenv("LOCK_MONITOR_INTERVAL_MS", "250")

	cfg := NewConfig()

	assert.Equal(t, "host=db dbname=app", cfg.PostgresConnectionString)
	assert.Equal(t, 4, cfg.MaxConcurrentOperations)
	assert.Equal(t, int64(7), cfg.FailureThreshold)
	assert.Equal(t, 25, cfg.MaxBatchSize)
	assert.True(t, cfg.AllowConcurrentSchema)
}

func TestConfig_DerivedAdmission(t *testing.T) {
	cfg := &Config{MaxConcurrentOperations: 3, FailureThreshold: 2, ResetTimeoutMs: 1_500}

	derived := cfg.admissionConfig()

	assert.Equal(t, 3, derived.MaxConcurrentOperations)
	assert.Equal(t, uint32(2), derived.FailureThreshold)
	assert.Equal(t, 1_500*time.Millisecond, derived.ResetTimeout)
	assert.Greater(t, derived.BaseRateLimit, 0.0, "unset values keep defaults")
}

func TestConfig_DerivedBatch(t *testing.T) {
	cfg := &Config{MaxBatchSize: 5, MaxBatchMemoryMB: 128, AllowConcurrentSchema: true}

	derived := cfg.batchConfig()

	assert.Equal(t, 5, derived.MaxBatchSize)
	assert.Equal(t, int64(128), derived.MaxMemoryMB)
	assert.True(t, derived.AllowConcurrentSchema)
}

func TestConfig_DerivedMonitor(t *testing.T) {
	cfg := &Config{MonitorIntervalMs: 250, DeadlockCheckIntervalMs: 500}

	derived := cfg.monitorConfig()

	assert.Equal(t, 250*time.Millisecond, derived.MonitorInterval)
	assert.Equal(t, 500*time.Millisecond, derived.DeadlockCheckInterval)
}

func TestConfig_DerivedVerifier(t *testing.T) {
	cfg := &Config{ChecksumAlgorithm: "xxhash", StrictVerification: true}

	derived := cfg.verifierConfig()

	assert.Equal(t, "xxhash", derived.Algorithm)
	assert.True(t, derived.Strict)

	defaulted := (&Config{}).verifierConfig()
	assert.Equal(t, "sha256", defaulted.Algorithm)
}

func TestAdvisoryKey_Stable(t *testing.T) {
	assert.Equal(t, advisoryKey(ApplicationName), advisoryKey(ApplicationName))
	assert.NotEqual(t, advisoryKey("a"), advisoryKey("b"))
}

func TestNewService_Wiring(t *testing.T) {
	cfg := &Config{PostgresConnectionString: "host=localhost dbname=app"}

	service := NewService(cfg, &mlog.NoneLogger{})

	require.NotNil(t, service.Bus)
	require.NotNil(t, service.Connection)
	require.NotNil(t, service.Monitor)
	require.NotNil(t, service.Controller)
	require.NotNil(t, service.Registry)
	require.NotNil(t, service.Validator)
	require.NotNil(t, service.Verifier)
}
