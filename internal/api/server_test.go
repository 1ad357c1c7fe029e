package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/balancer"
	"github.com/FairForge/helmsman/internal/cluster"
	"github.com/FairForge/helmsman/internal/config"
	"github.com/FairForge/helmsman/internal/coordstore"
	"github.com/FairForge/helmsman/internal/failover"
	"github.com/FairForge/helmsman/internal/health"
	"github.com/FairForge/helmsman/internal/metrics"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.New()
	store := coordstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	lb, err := balancer.New(balancer.Config{Strategy: "round_robin"}, m, logger)
	require.NoError(t, err)

	checker := health.NewChecker(logger)

	fo, err := failover.NewManager(failover.Config{}, store, m, logger)
	require.NoError(t, err)

	cl, err := cluster.NewManager(cluster.Config{NodeID: "coord-1", QuorumSize: 1}, store, m, logger)
	require.NoError(t, err)

	return NewServer(config.Default(), logger, m, lb, checker, fo, cl)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.Router(), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Contains(t, payload, "status")
	assert.Contains(t, payload, "uptime")
}

func TestServer_ReadyAndVersion(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.Router(), http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Router(), http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.Router(), http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "helmsman_")
}

func TestBalancerAPI_BackendLifecycle(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	// Add
	rec := doJSON(t, router, http.MethodPost, "/api/v1/balancer/backends", map[string]interface{}{
		"id": "web-1", "host": "10.0.0.1", "port": 8080, "weight": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate rejected
	rec = doJSON(t, router, http.MethodPost, "/api/v1/balancer/backends", map[string]interface{}{
		"id": "web-1", "host": "10.0.0.1", "port": 8080,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing fields rejected
	rec = doJSON(t, router, http.MethodPost, "/api/v1/balancer/backends", map[string]interface{}{
		"id": "web-2",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// List
	rec = doJSON(t, router, http.MethodGet, "/api/v1/balancer/backends", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var backends []balancer.Backend
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &backends))
	require.Len(t, backends, 1)
	assert.Equal(t, "web-1", backends[0].ID)

	// Status change
	rec = doJSON(t, router, http.MethodPut, "/api/v1/balancer/backends/web-1/status",
		map[string]string{"status": "draining"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/api/v1/balancer/backends/web-1/status",
		map[string]string{"status": "on-fire"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Weight change
	rec = doJSON(t, router, http.MethodPut, "/api/v1/balancer/backends/web-1/weight",
		map[string]int{"weight": 5})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/api/v1/balancer/backends/web-1/weight",
		map[string]int{"weight": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Stats
	rec = doJSON(t, router, http.MethodGet, "/api/v1/balancer/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Remove
	rec = doJSON(t, router, http.MethodDelete, "/api/v1/balancer/backends/web-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/balancer/backends/web-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBalancerAPI_DispatchWithEmptyPool(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.Router(), http.MethodPost, "/api/v1/balancer/dispatch",
		map[string]string{"path": "/"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAPI(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	id, err := s.checker.AddCheck(health.CheckConfig{
		Name:  "noop",
		Type:  health.CheckCustom,
		Probe: func() error { return nil },
	})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/health/checks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var results []health.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Len(t, results, 1)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/health/checks/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/health/checks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/health/summary", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAPI_CheckLifecycle(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/health/checks", map[string]interface{}{
		"name": "db-tcp", "type": "tcp", "target": "10.0.1.1:5432",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created["id"])

	// The new check is visible through the checker.
	_, ok := s.checker.Result(created["id"])
	assert.True(t, ok)

	// Custom checks need an in-process probe and are rejected over the wire.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/health/checks", map[string]interface{}{
		"name": "inline", "type": "custom",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Invalid definitions surface the checker's validation error.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/health/checks", map[string]interface{}{
		"name": "no-target", "type": "http",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/health/checks/"+created["id"], nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/health/checks/"+created["id"], nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFailoverAPI(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/failover/nodes", map[string]interface{}{
		"id": "db-1", "host": "10.0.1.1", "port": 5432, "role": "primary",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/failover/nodes", map[string]interface{}{
		"id": "db-2", "host": "10.0.1.2", "port": 5432, "role": "primary",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "second primary is rejected")

	rec = doJSON(t, router, http.MethodGet, "/api/v1/failover/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []failover.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	assert.Len(t, nodes, 1)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/failover/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/failover/trigger",
		map[string]string{"source": "db-1"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/failover/trigger",
		map[string]string{"target": "db-2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "source is required")

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/failover/nodes/db-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClusterAPI(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/cluster/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status cluster.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.QuorumSize)

	// Nobody elected yet.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/cluster/leader", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/cluster/heartbeat",
		map[string]interface{}{"node_id": "coord-2", "term": 2})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/cluster/transfer",
		map[string]string{"target": "coord-2"})
	assert.Equal(t, http.StatusConflict, rec.Code, "non-leader cannot transfer")
}
