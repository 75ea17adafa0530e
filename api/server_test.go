package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/orchestrator-go/internal/config"
	"github.com/0xmhha/orchestrator-go/types"
	"github.com/0xmhha/orchestrator-go/watcher"
	"github.com/0xmhha/orchestrator-go/workerpool"
)

type fakePool struct {
	workers []workerpool.WorkerSnapshot
}

func (f *fakePool) Workers() []workerpool.WorkerSnapshot { return f.workers }

type fakeBalancer struct {
	assignments []*types.TenantAssignment
}

func (f *fakeBalancer) Assignments() []*types.TenantAssignment { return f.assignments }

type fakeWatcher struct {
	networks []watcher.NetworkState
}

func (f *fakeWatcher) Networks() []watcher.NetworkState { return f.networks }

func newTestServer(deps Deps) *Server {
	cfg := config.APIConfig{Enabled: true, Host: "127.0.0.1", Port: 8080}
	return NewServer(cfg, deps, nil)
}

func doRequest(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(Deps{})

	rec := doRequest(t, s, "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("ready with no watcher", func(t *testing.T) {
		s := newTestServer(Deps{})

		rec := doRequest(t, s, "/readyz")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", decodeBody(t, rec)["status"])
	})

	t.Run("ready when all networks active", func(t *testing.T) {
		s := newTestServer(Deps{Watcher: &fakeWatcher{networks: []watcher.NetworkState{
			{Network: types.Network{ID: "ethereum-mainnet"}, Status: types.NetworkActive},
			{Network: types.Network{ID: "base-mainnet"}, Status: types.NetworkActive},
		}}})

		rec := doRequest(t, s, "/readyz")

		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("503 when a network is degraded", func(t *testing.T) {
		s := newTestServer(Deps{Watcher: &fakeWatcher{networks: []watcher.NetworkState{
			{Network: types.Network{ID: "ethereum-mainnet"}, Status: types.NetworkActive},
			{Network: types.Network{ID: "base-mainnet"}, Status: types.NetworkDegraded},
		}}})

		rec := doRequest(t, s, "/readyz")

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, "base-mainnet", body["network"])
	})
}

func TestWorkersEndpoint(t *testing.T) {
	t.Run("404 without a pool", func(t *testing.T) {
		s := newTestServer(Deps{})

		rec := doRequest(t, s, "/v1/workers")

		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("lists worker snapshots", func(t *testing.T) {
		s := newTestServer(Deps{Pool: &fakePool{workers: []workerpool.WorkerSnapshot{
			{ID: "worker-1", State: "running", TenantCount: 3, LastHeartbeat: time.Now()},
			{ID: "worker-2", State: "draining", TenantCount: 0, LastHeartbeat: time.Now()},
		}}})

		rec := doRequest(t, s, "/v1/workers")

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, float64(2), body["total_count"])
		workers, ok := body["workers"].([]any)
		require.True(t, ok)
		require.Len(t, workers, 2)
		first, ok := workers[0].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "worker-1", first["id"])
		assert.Equal(t, "running", first["state"])
	})
}

func TestAssignmentsEndpoint(t *testing.T) {
	t.Run("404 without a balancer", func(t *testing.T) {
		s := newTestServer(Deps{})

		rec := doRequest(t, s, "/v1/assignments")

		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("lists assignments", func(t *testing.T) {
		s := newTestServer(Deps{Balancer: &fakeBalancer{assignments: []*types.TenantAssignment{
			{TenantID: "tenant-a", WorkerID: "worker-1", Version: 2, Reason: types.ReasonInitial},
		}}})

		rec := doRequest(t, s, "/v1/assignments")

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, float64(1), body["total_count"])
		assignments, ok := body["assignments"].([]any)
		require.True(t, ok)
		require.Len(t, assignments, 1)
		first, ok := assignments[0].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "tenant-a", first["tenant_id"])
		assert.Equal(t, "worker-1", first["worker_id"])
	})
}

func TestNetworksEndpoint(t *testing.T) {
	t.Run("404 without a watcher", func(t *testing.T) {
		s := newTestServer(Deps{})

		rec := doRequest(t, s, "/v1/networks")

		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("lists network states", func(t *testing.T) {
		s := newTestServer(Deps{Watcher: &fakeWatcher{networks: []watcher.NetworkState{
			{Network: types.Network{ID: "ethereum-mainnet", ChainID: 1}, Status: types.NetworkActive, Cursor: 123, Head: 130},
		}}})

		rec := doRequest(t, s, "/v1/networks")

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, float64(1), body["total_count"])
		networks, ok := body["networks"].([]any)
		require.True(t, ok)
		require.Len(t, networks, 1)
		first, ok := networks[0].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "active", first["status"])
		assert.Equal(t, float64(123), first["cursor"])
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(Deps{})

	rec := doRequest(t, s, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}
