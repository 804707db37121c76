// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roclive/roc/internal/audit"
	"github.com/roclive/roc/internal/camera"
	"github.com/roclive/roc/internal/config"
	"github.com/roclive/roc/internal/connmgr"
	"github.com/roclive/roc/internal/health"
	"github.com/roclive/roc/internal/rules"
)

type staticStatus map[string]any

func (s staticStatus) StatusSnapshot() map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *connmgr.Manager, *camera.Supervisor) {
	t.Helper()
	manager := connmgr.NewManager()
	supervisor := camera.NewSupervisor(nil, config.CameraDefaults{})
	engine := rules.NewEngine(nil, nil)

	srv := NewServer("127.0.0.1:0", Deps{
		Health:      health.NewManager("test"),
		Connections: manager,
		Cameras:     supervisor,
		Engine:      engine,
		Status:      staticStatus{"game_state": "break"},
	})
	return srv, manager, supervisor
}

func get(t *testing.T, handler http.Handler, path string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	_ = res.Body.Close()
	return res, body
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.router()

	res, body := get(t, router, "/healthz")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `"healthy"`)

	res, _ = get(t, router, "/readyz")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestReadyReportsUnhealthyChecker(t *testing.T) {
	manager := connmgr.NewManager()
	supervisor := camera.NewSupervisor(nil, config.CameraDefaults{})
	healthMgr := health.NewManager("test")
	healthMgr.RegisterChecker(health.CheckFunc{
		CheckName: "obs_link",
		Fn: func(context.Context) health.CheckResult {
			return health.CheckResult{Status: health.StatusUnhealthy, Error: "link down"}
		},
	})
	srv := NewServer("127.0.0.1:0", Deps{
		Health:      healthMgr,
		Connections: manager,
		Cameras:     supervisor,
		Engine:      rules.NewEngine(nil, nil),
	})

	res, body := get(t, srv.router(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Contains(t, string(body), `"ready":false`)
}

func TestStatusMergesComponentSnapshots(t *testing.T) {
	srv, _, _ := newTestServer(t)

	res, body := get(t, srv.router(), "/api/status")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))

	want := map[string]any{
		"game_state":  "break",
		"connections": []any{},
		"cameras":     []any{},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status payload mismatch (-want +got):\n%s", diff)
	}
}

func TestRulesEndpointReturnsActiveSet(t *testing.T) {
	srv, _, _ := newTestServer(t)
	set, err := rules.Parse([]byte(`
meta:
  version: "2.0"
rules:
  - name: active_game
    priority: 100
    actions:
      - type: switch_scene
        scene: game
`))
	require.NoError(t, err)
	srv.deps.Engine.ReplaceSet(set)

	res, body := get(t, srv.router(), "/api/rules")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var got struct {
		Version string `json:"version"`
		Rules   []struct {
			Name     string
			Priority int
		} `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "2.0", got.Version)
	require.Len(t, got.Rules, 1)
	assert.Equal(t, "active_game", got.Rules[0].Name)
	assert.Equal(t, 100, got.Rules[0].Priority)
}

type fakeDispatcher struct {
	scenes []string
	err    error
}

func (d *fakeDispatcher) SwitchSceneNow(_ context.Context, scene string) error {
	if d.err != nil {
		return d.err
	}
	d.scenes = append(d.scenes, scene)
	return nil
}

type fakeSceneLog struct {
	changes []audit.SceneChange
	limit   int
}

func (l *fakeSceneLog) RecentSceneChanges(_ context.Context, limit int) ([]audit.SceneChange, error) {
	l.limit = limit
	return l.changes, nil
}

func TestManualSceneSwitch(t *testing.T) {
	srv, _, _ := newTestServer(t)
	dispatcher := &fakeDispatcher{}
	srv.deps.Scenes = dispatcher
	router := srv.router()

	req := httptest.NewRequest(http.MethodPost, "/api/scene", strings.NewReader(`{"scene":"break"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"break"}, dispatcher.scenes)

	// Missing scene name is a client error, not a dispatch.
	req = httptest.NewRequest(http.MethodPost, "/api/scene", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, dispatcher.scenes, 1)
}

func TestManualSceneSwitchWithoutDispatcher(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/scene", strings.NewReader(`{"scene":"break"}`))
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditScenesEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	sceneLog := &fakeSceneLog{changes: []audit.SceneChange{
		{ID: 2, Scene: "game", Previous: "breakout"},
		{ID: 1, Scene: "breakout"},
	}}
	srv.deps.Audit = sceneLog

	res, body := get(t, srv.router(), "/api/audit/scenes?limit=2")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 2, sceneLog.limit)

	var got struct {
		SceneChanges []audit.SceneChange `json:"scene_changes"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.SceneChanges, 2)
	assert.Equal(t, "game", got.SceneChanges[0].Scene)
}

func TestAuditScenesDisabled(t *testing.T) {
	srv, _, _ := newTestServer(t)

	res, _ := get(t, srv.router(), "/api/audit/scenes")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

type stubLink struct{}

func (stubLink) Probe(context.Context) error   { return nil }
func (stubLink) Connect(context.Context) error { return nil }
func (stubLink) Close()                        {}

func TestConnectionDisableRoute(t *testing.T) {
	srv, manager, _ := newTestServer(t)
	manager.Register("obs", stubLink{}, connmgr.LinkConfig{})
	router := srv.router()

	req := httptest.NewRequest(http.MethodPost, "/api/connections/obs/disable", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	st, ok := manager.Status("obs")
	require.True(t, ok)
	assert.Equal(t, connmgr.StateDisabled, st.State)

	req = httptest.NewRequest(http.MethodPost, "/api/connections/nope/disable", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetUnknownTargetsReturn404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.router()

	req := httptest.NewRequest(http.MethodPost, "/api/connections/nope/reset", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/cameras/nope/reset", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitReturns429(t *testing.T) {
	manager := connmgr.NewManager()
	supervisor := camera.NewSupervisor(nil, config.CameraDefaults{})
	srv := NewServer("127.0.0.1:0", Deps{
		Health:            health.NewManager("test"),
		Connections:       manager,
		Cameras:           supervisor,
		Engine:            rules.NewEngine(nil, nil),
		RequestsPerMinute: 3,
	})
	router := srv.router()

	var last int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
