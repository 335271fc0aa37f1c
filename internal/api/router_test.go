package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofkm/agenthost/internal/config"
	"github.com/ofkm/agenthost/internal/docker"
	"github.com/ofkm/agenthost/internal/logger"
	"github.com/ofkm/agenthost/internal/registry"
	"github.com/ofkm/agenthost/pkg/types"
)

type fakeEngine struct {
	mu      sync.Mutex
	stopped bool
}

func (f *fakeEngine) Status() types.EngineStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "RUNNING"
	if f.stopped {
		state = "STOPPED"
	}
	return types.EngineStatus{HostID: "host-1", Version: "1.0.0", State: state, PendingReplies: 2}
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

type fixedInspector docker.ContainerState

func (f fixedInspector) ContainerState(ctx context.Context, containerID string) docker.ContainerState {
	return docker.ContainerState(f)
}

func newTestRouter(apiKey string) (http.Handler, *fakeEngine) {
	cfg := &config.Config{Status: config.StatusConfig{APIKey: apiKey}}
	engine := &fakeEngine{}

	store := registry.NewStore()
	store.Replace("file", []types.AgentDescriptor{
		{ID: "boxed", Isolation: types.IsolationContainer, ContainerID: "boxed-1"},
		{ID: "local", Isolation: types.IsolationLocalProfile, Profile: "p"},
	})

	return NewRouter(cfg, engine, store, fixedInspector(docker.StateRunning), logger.Discard()), engine
}

func do(t *testing.T, h http.Handler, method, path, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter("secret")

	w := do(t, router, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStatus(t *testing.T) {
	router, _ := newTestRouter("")

	w := do(t, router, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status types.EngineStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, "host-1", status.HostID)
	assert.Equal(t, 2, status.PendingReplies)
}

func TestAPIKeyRequired(t *testing.T) {
	router, engine := newTestRouter("secret")

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/status"},
		{http.MethodPost, "/api/engine/stop"},
		{http.MethodGet, "/api/agents"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, do(t, router, tt.method, tt.path, "").Code)
			assert.Equal(t, http.StatusUnauthorized, do(t, router, tt.method, tt.path, "wrong").Code)
		})
	}
	assert.Equal(t, "RUNNING", engine.Status().State)

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/api/status", "secret").Code)
}

func TestStopEngine(t *testing.T) {
	router, engine := newTestRouter("secret")

	w := do(t, router, http.MethodPost, "/api/engine/stop", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "STOPPED")
	assert.True(t, engine.stopped)

	// Stopping twice is harmless
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/engine/stop", "secret").Code)
}

func TestAgents(t *testing.T) {
	router, _ := newTestRouter("")

	w := do(t, router, http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Agents []struct {
			ID             string `json:"id"`
			Isolation      string `json:"isolation"`
			ContainerState string `json:"container_state"`
		} `json:"agents"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 2, body.Total)
	assert.Equal(t, "boxed", body.Agents[0].ID)
	assert.Equal(t, "running", body.Agents[0].ContainerState)
	assert.Equal(t, "local", body.Agents[1].ID)
	assert.Empty(t, body.Agents[1].ContainerState)

	w = do(t, router, http.MethodGet, "/api/agents/local", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"profile":"p"`)

	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/api/agents/ghost", "").Code)
}
