package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearOrchEnv(t *testing.T) {
	t.Helper()
	names := []string{
		envMaxAttemptsPerStage, envStageDeadlineDefaultS, envGPULeaseTTLS,
		envGPULeaseRenewIntervalS, envGPULeaseAcquireMaxWaitS, envContextStoreAddress,
		envBrokerAddress, envTemporalAddressFallback, envSharedStorageRoot,
		envSubprocessStartupTimeout, envCacheReuseEnabled, envConfigFile,
	}
	for _, n := range names {
		prev, ok := os.LookupEnv(n)
		os.Unsetenv(n)
		if ok {
			t.Cleanup(func() { os.Setenv(n, prev) })
		}
	}
}

func TestLoad_DefaultsWhenEnvUnset(t *testing.T) {
	clearOrchEnv(t)

	cfg := Load(nil)

	assert.Equal(t, defaultMaxAttemptsPerStage, cfg.MaxAttemptsPerStage)
	assert.Equal(t, time.Duration(defaultStageDeadlineDefaultS)*time.Second, cfg.StageDeadlineDefault)
	assert.Equal(t, defaultBrokerAddress, cfg.BrokerAddress)
	assert.Equal(t, defaultContextStoreAddress, cfg.ContextStoreAddress)
	assert.Equal(t, defaultCacheReuseEnabled, cfg.CacheReuseEnabled)
}

func TestLoad_ReadsOverridesFromEnv(t *testing.T) {
	clearOrchEnv(t)
	t.Setenv(envMaxAttemptsPerStage, "5")
	t.Setenv(envGPULeaseTTLS, "120")
	t.Setenv(envSharedStorageRoot, "/mnt/shared")
	t.Setenv(envCacheReuseEnabled, "false")

	cfg := Load(nil)

	assert.Equal(t, 5, cfg.MaxAttemptsPerStage)
	assert.Equal(t, 120*time.Second, cfg.GPULeaseTTL)
	assert.Equal(t, "/mnt/shared", cfg.SharedStorageRoot)
	assert.False(t, cfg.CacheReuseEnabled)
}

func TestLoad_BrokerAddressFallsBackToTemporalAddress(t *testing.T) {
	clearOrchEnv(t)
	t.Setenv(envTemporalAddressFallback, "temporal.internal:7233")

	cfg := Load(nil)

	assert.Equal(t, "temporal.internal:7233", cfg.BrokerAddress)
}

func TestLoad_OrchBrokerAddressTakesPrecedenceOverTemporalAddress(t *testing.T) {
	clearOrchEnv(t)
	t.Setenv(envTemporalAddressFallback, "temporal.internal:7233")
	t.Setenv(envBrokerAddress, "broker.internal:9999")

	cfg := Load(nil)

	assert.Equal(t, "broker.internal:9999", cfg.BrokerAddress)
}

func TestLoad_FileDefaultsFillGapsBelowEnv(t *testing.T) {
	clearOrchEnv(t)
	dir := t.TempDir()
	path := dir + "/orchestrator.yaml"
	require.NoError(t, os.WriteFile(path, []byte(
		"max_attempts_per_stage: 7\n"+
			"shared_storage_root: /data/orch\n",
	), 0o644))
	t.Setenv(envConfigFile, path)
	t.Setenv(envMaxAttemptsPerStage, "9")

	cfg := Load(nil)

	assert.Equal(t, 9, cfg.MaxAttemptsPerStage, "env must win over file")
	assert.Equal(t, "/data/orch", cfg.SharedStorageRoot, "file fills gaps env leaves unset")
}

func TestLoad_UnreadableFileIsIgnored(t *testing.T) {
	clearOrchEnv(t)
	t.Setenv(envConfigFile, "/nonexistent/orchestrator.yaml")

	cfg := Load(nil)

	assert.Equal(t, defaultMaxAttemptsPerStage, cfg.MaxAttemptsPerStage)
}
