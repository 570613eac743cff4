package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yivideo/orchestrator/internal/platform/logger"
)

// envConfigFile names an optional YAML file providing a second-tier
// default layer beneath environment variables: env always wins, and the
// file fills in options the environment leaves unset, taking precedence
// over the hardcoded defaults, matching the precedence order the teacher's
// config loaders use for their own YAML-plus-env layering.
const envConfigFile = "ORCH_CONFIG_FILE"

// fileDefaults mirrors Config's fields as pointers, so an absent YAML key
// is distinguishable from an explicit zero value and never shadows the
// hardcoded default.
type fileDefaults struct {
	MaxAttemptsPerStage       *int    `yaml:"max_attempts_per_stage"`
	StageDeadlineDefaultS     *int    `yaml:"stage_deadline_default_s"`
	GPULeaseTTLS              *int    `yaml:"gpu_lease_ttl_s"`
	GPULeaseRenewIntervalS    *int    `yaml:"gpu_lease_renew_interval_s"`
	GPULeaseAcquireMaxWaitS   *int    `yaml:"gpu_lease_acquire_max_wait_s"`
	ContextStoreAddress       *string `yaml:"context_store_address"`
	BrokerAddress             *string `yaml:"broker_address"`
	SharedStorageRoot         *string `yaml:"shared_storage_root"`
	SubprocessStartupTimeoutS *int    `yaml:"subprocess_startup_timeout_s"`
	CacheReuseEnabled         *bool   `yaml:"cache_reuse_enabled"`
}

// loadFileDefaults reads and parses ORCH_CONFIG_FILE, if set. A missing or
// malformed file is logged and treated as "no file defaults" rather than
// an error, since the environment and hardcoded defaults are always
// sufficient on their own.
func loadFileDefaults(log *logger.Logger) fileDefaults {
	path := os.Getenv(envConfigFile)
	if path == "" {
		return fileDefaults{}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if log != nil {
			log.Warn("config file unreadable, ignoring", "path", path, "error", err)
		}
		return fileDefaults{}
	}
	var fd fileDefaults
	if err := yaml.Unmarshal(raw, &fd); err != nil {
		if log != nil {
			log.Warn("config file invalid yaml, ignoring", "path", path, "error", err)
		}
		return fileDefaults{}
	}
	if log != nil {
		log.Debug("loaded config file defaults", "path", path)
	}
	return fd
}
