package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Balancer BalancerConfig `yaml:"balancer"`
	Health   HealthConfig   `yaml:"health"`
	Failover FailoverConfig `yaml:"failover"`
	Cluster  ClusterConfig  `yaml:"cluster"`
}

type ServerConfig struct {
	Port     int    `yaml:"port" default:"8080"`
	LogLevel string `yaml:"log_level" default:"info"`
}

type StoreConfig struct {
	// Type selects the coordination store backend: "memory" or "postgres".
	Type string `yaml:"type" default:"memory"`
	DSN  string `yaml:"dsn"`
}

type BalancerConfig struct {
	Strategy        string          `yaml:"strategy" default:"round_robin"`
	MaxRetries      int             `yaml:"max_retries" default:"3"`
	RetryDelay      time.Duration   `yaml:"retry_delay" default:"100ms"`
	AffinityEnabled bool            `yaml:"affinity_enabled"`
	AffinityTTL     time.Duration   `yaml:"affinity_ttl" default:"30m"`
	Backends        []BackendConfig `yaml:"backends"`
}

type BackendConfig struct {
	ID             string `yaml:"id"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Weight         int    `yaml:"weight" default:"1"`
	MaxConnections int    `yaml:"max_connections"`
	HealthCheck    string `yaml:"health_check"` // name of a health check bound to this backend
}

type HealthConfig struct {
	Checks []CheckConfig `yaml:"checks"`
}

type CheckConfig struct {
	Name              string        `yaml:"name"`
	Type              string        `yaml:"type"`
	Target            string        `yaml:"target"`
	Interval          time.Duration `yaml:"interval"`
	Timeout           time.Duration `yaml:"timeout"`
	Retries           int           `yaml:"retries"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	SuccessThreshold  int           `yaml:"success_threshold"`
	ExpectStatus      int           `yaml:"expect_status"`
	ExpectBody        string        `yaml:"expect_body"`
	WarningThreshold  float64       `yaml:"warning_threshold"`
	CriticalThreshold float64       `yaml:"critical_threshold"`
}

type FailoverConfig struct {
	Strategy                  string        `yaml:"strategy" default:"active_passive"`
	FailureDetectionThreshold int           `yaml:"failure_detection_threshold" default:"3"`
	HealthCheckInterval       time.Duration `yaml:"health_check_interval" default:"10s"`
	HeartbeatInterval         time.Duration `yaml:"heartbeat_interval" default:"5s"`
	HeartbeatTimeout          time.Duration `yaml:"heartbeat_timeout" default:"30s"`
	RestorePrimary            string        `yaml:"restore_primary" default:"auto"`
	TriggersPerMinute         int           `yaml:"triggers_per_minute" default:"6"`
	Nodes                     []NodeConfig  `yaml:"nodes"`
}

type NodeConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Role string `yaml:"role"`
}

type ClusterConfig struct {
	NodeID            string        `yaml:"node_id"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	QuorumSize        int           `yaml:"quorum_size"`
	ElectionTimeout   time.Duration `yaml:"election_timeout" default:"15s"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" default:"2s"`
	LeaseTTL          time.Duration `yaml:"lease_ttl" default:"30s"`
	Peers             []NodeConfig  `yaml:"peers"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Store:  StoreConfig{Type: "memory"},
		Balancer: BalancerConfig{
			Strategy:    "round_robin",
			MaxRetries:  3,
			RetryDelay:  100 * time.Millisecond,
			AffinityTTL: 30 * time.Minute,
		},
		Failover: FailoverConfig{
			Strategy:                  "active_passive",
			FailureDetectionThreshold: 3,
			HealthCheckInterval:       10 * time.Second,
			HeartbeatInterval:         5 * time.Second,
			HeartbeatTimeout:          30 * time.Second,
			RestorePrimary:            "auto",
			TriggersPerMinute:         6,
		},
		Cluster: ClusterConfig{
			ElectionTimeout:   15 * time.Second,
			HeartbeatInterval: 2 * time.Second,
			LeaseTTL:          30 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Store.Type {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("postgres store requires a dsn")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	switch c.Failover.RestorePrimary {
	case "auto", "manual":
	default:
		return fmt.Errorf("restore_primary must be auto or manual, got %q", c.Failover.RestorePrimary)
	}
	for _, b := range c.Balancer.Backends {
		if b.ID == "" || b.Host == "" || b.Port == 0 {
			return fmt.Errorf("backend entries require id, host, and port")
		}
	}
	return nil
}
