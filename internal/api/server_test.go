package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"behaviorbench/internal/behavior"
	"behaviorbench/internal/driver/sim"
	"behaviorbench/internal/eventbus"
	"behaviorbench/internal/llm"
	"behaviorbench/internal/models"
	"behaviorbench/internal/monitoring"
	"behaviorbench/internal/orchestrator"
	"behaviorbench/internal/profiles"
	"behaviorbench/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server *Server
	orch   *orchestrator.Orchestrator
	hub    *Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := eventbus.New(1024)
	drv := sim.New(sim.Options{})
	catalog := profiles.MustDefault()
	monitor := monitoring.NewMonitor(bus)
	sub := monitor.Attach(bus)

	orch := orchestrator.New(orchestrator.Deps{
		Repo:    repository.NewMemory(),
		Bus:     bus,
		Driver:  drv,
		Catalog: catalog,
		Models:  llm.NewRegistry(llm.Config{}),
		Clock:   behavior.NewScaledClock(600),
	}, orchestrator.DefaultConfig())
	hub := NewHub(bus)

	t.Cleanup(func() {
		hub.DropAll()
		orch.Close()
		sub.Unsubscribe()
		drv.Close()
		bus.Close()
	})
	return &fixture{server: NewServer(orch, catalog, monitor, hub), orch: orch, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func validRequest() orchestrator.RunRequest {
	return orchestrator.RunRequest{
		Scenario:        "cooperation",
		TargetModel:     "echo",
		Profiles:        []string{"leader", "follower"},
		DurationSeconds: 1800,
	}
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])
}

func TestHandleListProfiles(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/api/v1/profiles", nil)
	require.Equal(t, http.StatusOK, w.Code)

	defs := decode[[]map[string]any](t, w)
	require.Len(t, defs, len(profiles.IDs))
	for _, def := range defs {
		assert.Contains(t, def, "id")
		assert.Contains(t, def, "actionFrequency")
	}
}

func TestHandleCreateRun_Validation(t *testing.T) {
	f := newFixture(t)

	req := validRequest()
	req.Profiles = []string{"leader", "saboteur"}
	w := f.do(t, "POST", "/api/v1/runs", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "profiles", decode[map[string]any](t, w)["field"])

	w = f.do(t, "POST", "/api/v1/runs", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "GET", "/api/v1/runs", nil)
	assert.Empty(t, decode[[]models.TestRun](t, w))
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/api/v1/runs?start=false", validRequest())
	require.Equal(t, http.StatusCreated, w.Code)
	run := decode[models.TestRun](t, w)
	assert.Equal(t, models.RunCreated, run.Status)
	assert.Equal(t, models.DefaultPollInterval, run.Config.PollingIntervalMs)

	w = f.do(t, "POST", "/api/v1/runs/"+run.ID+"/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, "POST", "/api/v1/runs/"+run.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		w := f.do(t, "GET", "/api/v1/runs/"+run.ID, nil)
		return decode[RunSnapshot](t, w).Run.Status == models.RunExecuting
	}, 5*time.Second, time.Millisecond)

	snap := decode[RunSnapshot](t, f.do(t, "GET", "/api/v1/runs/"+run.ID, nil))
	require.Len(t, snap.Agents, 2)
	assert.Equal(t, 2, snap.Summary.Total)

	agentID := snap.Agents[1].ID
	w = f.do(t, "POST", "/api/v1/runs/"+run.ID+"/agents/"+agentID+"/pause", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, "POST", "/api/v1/runs/"+run.ID+"/agents/"+agentID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, "POST", "/api/v1/runs/"+run.ID+"/agents/"+agentID+"/resume", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, "POST", "/api/v1/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		w := f.do(t, "GET", "/api/v1/runs/"+run.ID, nil)
		return decode[RunSnapshot](t, w).Run.Status == models.RunCancelled
	}, 5*time.Second, time.Millisecond)

	leader := snap.Agents[0].ID
	w = f.do(t, "GET", "/api/v1/agents/"+leader+"/actions?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	actions := decode[[]models.BehavioralAction](t, w)
	require.NotEmpty(t, actions)
	assert.LessOrEqual(t, len(actions), 5)

	w = f.do(t, "GET", "/api/v1/agents/"+leader+"/actions?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleNotFound(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/v1/runs/missing", "/api/v1/runs/missing/agents", "/api/v1/agents/missing/actions", "/api/v1/interactions/missing"} {
		w := f.do(t, "GET", path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w := f.do(t, "POST", "/api/v1/runs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/api/v1/runs?start=false", validRequest())

	require.Eventually(t, func() bool {
		w := f.do(t, "GET", "/metrics", nil)
		return strings.Contains(w.Body.String(), `behaviorbench_run_transitions_total{status="created"} 1`)
	}, time.Second, time.Millisecond)

	w := f.do(t, "GET", "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[map[string]any](t, w), "uptime_seconds")
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()

	req := validRequest()
	req.DurationSeconds = 60
	w := f.do(t, "POST", "/api/v1/runs?start=false", req)
	require.Equal(t, http.StatusCreated, w.Code)
	run := decode[models.TestRun](t, w)

	conn := dial(t, srv, "?run="+run.ID)
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, http.StatusAccepted, f.do(t, "POST", "/api/v1/runs/"+run.ID+"/start", nil).Code)

	var (
		statuses []string
		lastSeq  uint64
	)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var frame struct {
			Seq     uint64          `json:"seq"`
			Type    string          `json:"type"`
			RunID   string          `json:"runId"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		assert.Equal(t, run.ID, frame.RunID)
		assert.Greater(t, frame.Seq, lastSeq)
		lastSeq = frame.Seq

		if frame.Type != string(eventbus.TypeRunStatus) {
			continue
		}
		var p eventbus.RunStatusPayload
		require.NoError(t, json.Unmarshal(frame.Payload, &p))
		statuses = append(statuses, string(p.Status))
		if p.Status.Terminal() {
			break
		}
	}
	assert.Equal(t, []string{"initializing", "coordination", "executing", "completing", "completed"}, statuses)
}

func TestHubDropAll(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, time.Millisecond)

	f.hub.DropAll()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	require.Eventually(t, func() bool { return f.hub.Count() == 0 }, time.Second, time.Millisecond)
}
