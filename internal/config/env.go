package config

import (
	"os"
	"strconv"
)

// LoadFromEnv applies HELMSMAN_* environment overrides on top of whatever
// the file provided.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("HELMSMAN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if logLevel := os.Getenv("HELMSMAN_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if storeType := os.Getenv("HELMSMAN_STORE_TYPE"); storeType != "" {
		cfg.Store.Type = storeType
	}

	if dsn := os.Getenv("HELMSMAN_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}

	if strategy := os.Getenv("HELMSMAN_BALANCER_STRATEGY"); strategy != "" {
		cfg.Balancer.Strategy = strategy
	}

	if nodeID := os.Getenv("HELMSMAN_NODE_ID"); nodeID != "" {
		cfg.Cluster.NodeID = nodeID
	}
}
