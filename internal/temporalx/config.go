// Package temporalx wires a Temporal client and worker for the Stage
// Scheduler's Temporal Broker (SPEC_FULL.md §4.6), the self-hosted
// alternative to the in-process local broker.
package temporalx

import (
	"os"
	"strings"
)

type Config struct {
	Address   string
	Namespace string
	TaskQueue string

	ClientCertPath string
	ClientKeyPath  string
	ClientCAPath   string
}

// LoadConfig reads Temporal connection settings straight from the
// environment. The address comes from TEMPORAL_ADDRESS only: the
// BrokerAddress that internal/config resolves (ORCH_BROKER_ADDRESS, the
// config file's broker_address, or its default) is not passed here.
func LoadConfig() Config {
	return Config{
		Address:   strings.TrimSpace(os.Getenv("TEMPORAL_ADDRESS")),
		Namespace: orDefault(strings.TrimSpace(os.Getenv("TEMPORAL_NAMESPACE")), "orchestrator"),
		TaskQueue: orDefault(strings.TrimSpace(os.Getenv("TEMPORAL_TASK_QUEUE")), "orchestrator-stagechain"),

		ClientCertPath: strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_CERT_PATH")),
		ClientKeyPath:  strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_KEY_PATH")),
		ClientCAPath:   strings.TrimSpace(os.Getenv("TEMPORAL_CLIENT_CA_PATH")),
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
