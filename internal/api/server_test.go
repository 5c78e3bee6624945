package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorcam/plate.report/internal/calib"
	"github.com/colorcam/plate.report/internal/capture"
	"github.com/colorcam/plate.report/internal/config"
	"github.com/colorcam/plate.report/internal/geometry"
	"github.com/colorcam/plate.report/internal/motion"
	"github.com/colorcam/plate.report/internal/sensor"
	"github.com/colorcam/plate.report/internal/spectral"
	"github.com/colorcam/plate.report/internal/store"
	"github.com/colorcam/plate.report/internal/timeutil"
)

// fakeLink is a StageLink that tracks moves and serves a fixed position.
type fakeLink struct {
	mu       sync.Mutex
	moves    []geometry.Point
	pos      geometry.Point
	posKnown bool
	homed    bool
	onMove   func()
}

func (l *fakeLink) MoveTo(p geometry.Point, feedrate int) error {
	l.mu.Lock()
	l.moves = append(l.moves, p)
	l.pos = p
	l.posKnown = true
	cb := l.onMove
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (l *fakeLink) Home() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.homed = true
	l.pos = geometry.Point{}
	l.posKnown = true
	return nil
}

func (l *fakeLink) QueryPosition() (geometry.Point, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pos, l.posKnown
}

func (l *fakeLink) State() motion.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.homed {
		return motion.LinkHomed
	}
	return motion.LinkConnected
}

type testEnv struct {
	srv    *Server
	mux    *http.ServeMux
	link   *fakeLink
	engine *calib.Engine
	runner *capture.Runner
	cfg    *config.PlateConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC))
	sens := sensor.NewSynthetic(7)
	engine := calib.NewEngine(clock, calib.DefaultOptions())
	link := &fakeLink{}

	db, err := store.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runner := capture.NewRunner(link, sens, sens, engine, db, clock)

	cfg := config.DefaultPlateConfig()
	cfg.Corners = geometry.CornerSet{
		TopLeft:     geometry.Point{X: 10, Y: 10, Z: 50},
		TopRight:    geometry.Point{X: 60, Y: 10, Z: 50},
		BottomLeft:  geometry.Point{X: 10, Y: 40, Z: 50},
		BottomRight: geometry.Point{X: 60, Y: 40, Z: 50},
	}

	dir := t.TempDir()
	srv := NewServer(runner, engine, link, sens, sens, db, cfg,
		filepath.Join(dir, "plate.json"), filepath.Join(dir, "calibration.json"), clock)
	return &testEnv{srv: srv, mux: srv.ServeMux(), link: link, engine: engine, runner: runner, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.runner.State().Status != capture.RunStatusRunning
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "connected", resp.Link)
	assert.Equal(t, calib.ModeRaw, resp.Mode)
	assert.True(t, resp.CornersComplete)
	assert.False(t, resp.DarkSet)
	assert.Equal(t, capture.RunStatusIdle, resp.Run.Status)
}

func TestRunEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	runID := started["run_id"]
	require.NotEmpty(t, runID)

	env.waitIdle(t)
	assert.Equal(t, capture.RunStatusCompleted, env.runner.State().Status)

	// live readings
	rec = env.do(t, http.MethodGet, "/api/readings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var readings []capture.Reading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &readings))
	assert.Len(t, readings, env.cfg.Grid.Wells())

	// persisted readings
	rec = env.do(t, http.MethodGet, "/api/readings?run_id="+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stored []store.Measurement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Len(t, stored, env.cfg.Grid.Wells())

	// history shows the finished run
	rec = env.do(t, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []store.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, runID, history[0].RunID)
	assert.Equal(t, "completed", history[0].Status)
}

func TestRunRejectedWhenUntaught(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Corners = geometry.CornerSet{}
	rec := env.do(t, http.MethodPost, "/api/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestModeCycleAndSet(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/mode", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]calib.Mode
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, calib.ModeReflectance, resp["mode"])

	rec = env.do(t, http.MethodPost, "/api/mode", modeRequest{Mode: "ABS_TX"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, calib.ModeAbsTx, env.engine.Mode())

	rec = env.do(t, http.MethodPost, "/api/mode", modeRequest{Mode: "SEPIA"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCalibrateDarkAndBlank(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/calibrate", calibrateRequest{Kind: "dark"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, env.engine.References().Dark)

	rec = env.do(t, http.MethodPost, "/api/calibrate", calibrateRequest{Kind: "blank", Well: "B2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, env.engine.References().Blanks, "B2")
	require.NotEmpty(t, env.link.moves, "blank capture moves to the well first")

	rec = env.do(t, http.MethodPost, "/api/calibrate", calibrateRequest{Kind: "blank"})
	assert.Equal(t, http.StatusConflict, rec.Code, "blank requires a well")

	rec = env.do(t, http.MethodPost, "/api/calibrate", calibrateRequest{Kind: "prism"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCalibratePersistsPayload(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/calibrate", calibrateRequest{Kind: "dark"})
	require.Equal(t, http.StatusOK, rec.Code)

	payload, err := capture.LoadPayload(env.srv.payloadPath)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.NotNil(t, payload.Dark)
	assert.Equal(t, env.cfg.Grid.Rows, payload.Layout.Rows)
}

func TestCornerTeachingFromStagePosition(t *testing.T) {
	env := newTestEnv(t)
	env.link.pos = geometry.Point{X: 11.5, Y: 9.25, Z: 47}
	env.link.posKnown = true

	rec := env.do(t, http.MethodPost, "/api/corners", cornerRequest{Corner: "top_left"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, geometry.Point{X: 11.5, Y: 9.25, Z: 47}, env.cfg.Corners.TopLeft)

	// config persisted alongside
	loaded, err := config.LoadPlateConfig(env.srv.cfgPath)
	require.NoError(t, err)
	assert.Equal(t, env.cfg.Corners.TopLeft, loaded.Corners.TopLeft)
}

func TestCornerTeachingRejectsUnknownPosition(t *testing.T) {
	env := newTestEnv(t)
	env.link.posKnown = false
	rec := env.do(t, http.MethodPost, "/api/corners", cornerRequest{Corner: "top_left"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHomeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/home", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.link.homed)
}

func TestLiveReadingAppliesDisplaySmoothing(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var first liveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Len(t, first.Raw, spectral.NumChannels)
	assert.Equal(t, first.Raw, first.Smoothed, "the filter starts at the first frame")
	assert.Equal(t, calib.ModeRaw, first.Derived.Mode)

	rec = env.do(t, http.MethodGet, "/api/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var second liveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.Len(t, second.Smoothed, spectral.NumChannels)
	for i := range second.Smoothed {
		want := 0.30*second.Raw[i] + 0.70*first.Smoothed[i]
		assert.InDelta(t, want, second.Smoothed[i], 1e-9)
	}
}

func TestLiveReadingConflictsWithActiveRun(t *testing.T) {
	env := newTestEnv(t)
	block := make(chan struct{})
	env.link.mu.Lock()
	env.link.onMove = func() { <-block }
	env.link.mu.Unlock()

	rec := env.do(t, http.MethodPost, "/api/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		return env.runner.State().Status == capture.RunStatusRunning
	}, time.Second, time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/live", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a run owns the sensor")

	close(block)
	env.waitIdle(t)
}

func TestSpectrumEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/run", nil)
	env.waitIdle(t)

	rec := env.do(t, http.MethodGet, "/spectrum.png?well=A1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = env.do(t, http.MethodGet, "/charts/spectrum?well=A1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "A1")

	rec = env.do(t, http.MethodGet, "/spectrum.png?well=Z9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodDiscipline(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		method string
		target string
	}{
		{http.MethodPost, "/api/state"},
		{http.MethodGet, "/api/run"},
		{http.MethodGet, "/api/cancel"},
		{http.MethodDelete, "/api/mode"},
		{http.MethodGet, "/api/calibrate"},
		{http.MethodGet, "/api/home"},
	}
	for _, tt := range tests {
		rec := env.do(t, tt.method, tt.target, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", tt.method, tt.target)
	}
}
