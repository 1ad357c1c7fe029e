package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "round_robin", cfg.Balancer.Strategy)
	assert.Equal(t, "active_passive", cfg.Failover.Strategy)
	assert.Equal(t, "auto", cfg.Failover.RestorePrimary)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helmsman.yaml")
	data := `
server:
  port: 9000
  log_level: debug
store:
  type: postgres
  dsn: postgres://localhost/helmsman?sslmode=disable
balancer:
  strategy: least_connections
  retry_delay: 250ms
  backends:
    - id: web-1
      host: 10.0.0.1
      port: 8080
      weight: 2
failover:
  restore_primary: manual
cluster:
  node_id: coord-1
  quorum_size: 2
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Type)
	assert.Equal(t, "least_connections", cfg.Balancer.Strategy)
	assert.Equal(t, 250*time.Millisecond, cfg.Balancer.RetryDelay)
	require.Len(t, cfg.Balancer.Backends, 1)
	assert.Equal(t, 2, cfg.Balancer.Backends[0].Weight)
	assert.Equal(t, "manual", cfg.Failover.RestorePrimary)
	assert.Equal(t, "coord-1", cfg.Cluster.NodeID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/helmsman.yaml")
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HELMSMAN_PORT", "7070")
	t.Setenv("HELMSMAN_LOG_LEVEL", "warn")
	t.Setenv("HELMSMAN_STORE_TYPE", "postgres")
	t.Setenv("HELMSMAN_STORE_DSN", "postgres://db/helmsman")
	t.Setenv("HELMSMAN_BALANCER_STRATEGY", "random")
	t.Setenv("HELMSMAN_NODE_ID", "coord-9")

	cfg := Default()
	LoadFromEnv(cfg)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Server.LogLevel)
	assert.Equal(t, "postgres", cfg.Store.Type)
	assert.Equal(t, "postgres://db/helmsman", cfg.Store.DSN)
	assert.Equal(t, "random", cfg.Balancer.Strategy)
	assert.Equal(t, "coord-9", cfg.Cluster.NodeID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = -1 }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Type = "postgres" }, true},
		{"unknown store", func(c *Config) { c.Store.Type = "etcd" }, true},
		{"bad restore policy", func(c *Config) { c.Failover.RestorePrimary = "sometimes" }, true},
		{"backend missing host", func(c *Config) {
			c.Balancer.Backends = []BackendConfig{{ID: "web-1", Port: 80}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "helmsman.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o644))

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.OnReload(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9999, cfg.Server.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatcher_KeepsOldConfigOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "helmsman.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o644))

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	called := make(chan struct{}, 1)
	w.OnReload(func(*Config) { called <- struct{}{} })
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte(":::not yaml"), 0o644))

	select {
	case <-called:
		t.Fatal("callback fired for invalid config")
	case <-time.After(time.Second):
	}
}
