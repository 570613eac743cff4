// Package config loads the orchestrator's runtime configuration from the
// environment (with an optional YAML file beneath it for site-wide
// defaults), falling back to documented defaults, and logs the resolved
// value and its source at debug level.
package config

import (
	"time"

	"github.com/yivideo/orchestrator/internal/platform/envutil"
	"github.com/yivideo/orchestrator/internal/platform/logger"
)

type Config struct {
	MaxAttemptsPerStage      int
	StageDeadlineDefault     time.Duration
	GPULeaseTTL              time.Duration
	GPULeaseRenewInterval    time.Duration
	GPULeaseAcquireMaxWait   time.Duration
	ContextStoreAddress      string
	BrokerAddress            string
	SharedStorageRoot        string
	SubprocessStartupTimeout time.Duration
	CacheReuseEnabled        bool
}

const (
	envMaxAttemptsPerStage      = "ORCH_MAX_ATTEMPTS_PER_STAGE"
	envStageDeadlineDefaultS    = "ORCH_STAGE_DEADLINE_DEFAULT_S"
	envGPULeaseTTLS             = "ORCH_GPU_LEASE_TTL_S"
	envGPULeaseRenewIntervalS   = "ORCH_GPU_LEASE_RENEW_INTERVAL_S"
	envGPULeaseAcquireMaxWaitS  = "ORCH_GPU_LEASE_ACQUIRE_MAX_WAIT_S"
	envContextStoreAddress      = "ORCH_CONTEXT_STORE_ADDRESS"
	envBrokerAddress            = "ORCH_BROKER_ADDRESS"
	envTemporalAddressFallback  = "TEMPORAL_ADDRESS"
	envSharedStorageRoot        = "ORCH_SHARED_STORAGE_ROOT"
	envSubprocessStartupTimeout = "ORCH_SUBPROCESS_STARTUP_TIMEOUT_S"
	envCacheReuseEnabled        = "ORCH_CACHE_REUSE_ENABLED"
)

const (
	defaultMaxAttemptsPerStage      = 3
	defaultStageDeadlineDefaultS    = 600
	defaultGPULeaseTTLS             = 60
	defaultGPULeaseRenewIntervalS   = 20
	defaultGPULeaseAcquireMaxWaitS  = 300
	defaultContextStoreAddress      = "memory://"
	defaultBrokerAddress            = "localhost:7233"
	defaultSharedStorageRoot        = "/var/lib/orchestrator/shared"
	defaultSubprocessStartupTimeout = 30
	defaultCacheReuseEnabled        = true
)

// Load resolves every configuration option from, in precedence order, the
// environment, an optional ORCH_CONFIG_FILE YAML file, and finally the
// documented default, logging each resolution (value plus source) at
// debug level via log.
func Load(log *logger.Logger) Config {
	fd := loadFileDefaults(log)
	cfg := Config{
		MaxAttemptsPerStage:      resolveInt(log, envMaxAttemptsPerStage, defaultMaxAttemptsPerStage, fd.MaxAttemptsPerStage),
		StageDeadlineDefault:     resolveSeconds(log, envStageDeadlineDefaultS, defaultStageDeadlineDefaultS, fd.StageDeadlineDefaultS),
		GPULeaseTTL:              resolveSeconds(log, envGPULeaseTTLS, defaultGPULeaseTTLS, fd.GPULeaseTTLS),
		GPULeaseRenewInterval:    resolveSeconds(log, envGPULeaseRenewIntervalS, defaultGPULeaseRenewIntervalS, fd.GPULeaseRenewIntervalS),
		GPULeaseAcquireMaxWait:   resolveSeconds(log, envGPULeaseAcquireMaxWaitS, defaultGPULeaseAcquireMaxWaitS, fd.GPULeaseAcquireMaxWaitS),
		ContextStoreAddress:      resolveString(log, envContextStoreAddress, defaultContextStoreAddress, fd.ContextStoreAddress),
		BrokerAddress:            resolveBrokerAddress(log, fd.BrokerAddress),
		SharedStorageRoot:        resolveString(log, envSharedStorageRoot, defaultSharedStorageRoot, fd.SharedStorageRoot),
		SubprocessStartupTimeout: resolveSeconds(log, envSubprocessStartupTimeout, defaultSubprocessStartupTimeout, fd.SubprocessStartupTimeoutS),
		CacheReuseEnabled:        resolveBool(log, envCacheReuseEnabled, defaultCacheReuseEnabled, fd.CacheReuseEnabled),
	}
	return cfg
}

func resolveInt(log *logger.Logger, name string, def int, fileVal *int) int {
	if isSet(name) {
		v := envutil.Int(name, def)
		logResolved(log, name, v, "env")
		return v
	}
	if fileVal != nil {
		logResolved(log, name, *fileVal, "file")
		return *fileVal
	}
	logResolved(log, name, def, "default")
	return def
}

func resolveSeconds(log *logger.Logger, name string, defSeconds int, fileVal *int) time.Duration {
	return time.Duration(resolveInt(log, name, defSeconds, fileVal)) * time.Second
}

func resolveString(log *logger.Logger, name, def string, fileVal *string) string {
	if isSet(name) {
		v := envutil.String(name, def)
		logResolved(log, name, v, "env")
		return v
	}
	if fileVal != nil && *fileVal != "" {
		logResolved(log, name, *fileVal, "file")
		return *fileVal
	}
	logResolved(log, name, def, "default")
	return def
}

func resolveBool(log *logger.Logger, name string, def bool, fileVal *bool) bool {
	if isSet(name) {
		v := envutil.Bool(name, def)
		logResolved(log, name, v, "env")
		return v
	}
	if fileVal != nil {
		logResolved(log, name, *fileVal, "file")
		return *fileVal
	}
	logResolved(log, name, def, "default")
	return def
}

// resolveBrokerAddress honors ORCH_BROKER_ADDRESS first, then
// TEMPORAL_ADDRESS (the Temporal client's own convention), then the
// config file, then the default.
func resolveBrokerAddress(log *logger.Logger, fileVal *string) string {
	if v, ok := envutil.Lookup(envBrokerAddress); ok {
		logResolved(log, envBrokerAddress, v, "env")
		return v
	}
	if v, ok := envutil.Lookup(envTemporalAddressFallback); ok {
		logResolved(log, envTemporalAddressFallback, v, "env")
		return v
	}
	if fileVal != nil && *fileVal != "" {
		logResolved(log, envBrokerAddress, *fileVal, "file")
		return *fileVal
	}
	logResolved(log, envBrokerAddress, defaultBrokerAddress, "default")
	return defaultBrokerAddress
}

func isSet(name string) bool {
	_, ok := envutil.Lookup(name)
	return ok
}

func logResolved(log *logger.Logger, name string, value any, source string) {
	if log == nil {
		return
	}
	log.Debug("config resolved", "name", name, "value", value, "source", source)
}
