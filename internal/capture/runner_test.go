package capture

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorcam/plate.report/internal/calib"
	"github.com/colorcam/plate.report/internal/geometry"
	"github.com/colorcam/plate.report/internal/sensor"
	"github.com/colorcam/plate.report/internal/spectral"
	"github.com/colorcam/plate.report/internal/timeutil"
)

// fakeStage records moves and can fail on selected wells or trigger a
// callback after each move.
type fakeStage struct {
	mu      sync.Mutex
	moves   []geometry.Point
	failAt  map[int]error
	onMove  func(n int)
	moveErr error
}

func (s *fakeStage) MoveTo(p geometry.Point, feedrate int) error {
	s.mu.Lock()
	s.moves = append(s.moves, p)
	n := len(s.moves)
	err := s.moveErr
	if e, ok := s.failAt[n]; ok {
		err = e
	}
	cb := s.onMove
	s.mu.Unlock()
	if cb != nil {
		cb(n)
	}
	return err
}

func (s *fakeStage) Moves() []geometry.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]geometry.Point, len(s.moves))
	copy(out, s.moves)
	return out
}

type recordedRun struct {
	runID  string
	status string
	wells  []string
}

// fakeRecorder captures the persistence calls for assertions.
type fakeRecorder struct {
	mu  sync.Mutex
	run recordedRun
}

func (r *fakeRecorder) RecordRun(runID string, startedAt time.Time, mode string, g geometry.Grid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.runID = runID
	return nil
}

func (r *fakeRecorder) RecordMeasurement(runID, well string, capturedAt time.Time, raw spectral.Vector, derived calib.Derived) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.wells = append(r.run.wells, well)
	return nil
}

func (r *fakeRecorder) FinishRun(runID string, completedAt time.Time, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.status = status
	return nil
}

func (r *fakeRecorder) snapshot() recordedRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.run
	out.wells = append([]string(nil), r.run.wells...)
	return out
}

func testParams(rows, cols int) Params {
	return Params{
		Corners: geometry.CornerSet{
			TopLeft:     geometry.Point{X: 10, Y: 10, Z: 50},
			TopRight:    geometry.Point{X: 60, Y: 10, Z: 50},
			BottomLeft:  geometry.Point{X: 10, Y: 40, Z: 50},
			BottomRight: geometry.Point{X: 60, Y: 40, Z: 50},
		},
		Grid:     geometry.Grid{Rows: rows, Cols: cols},
		Averages: 1,
	}
}

func waitForFinish(t *testing.T, r *Runner) RunState {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.State().Status != RunStatusRunning
	}, 5*time.Second, 5*time.Millisecond)
	return r.State()
}

func newTestRunner(stage Stage, rec Recorder) (*Runner, *sensor.Synthetic) {
	sens := sensor.NewSynthetic(1)
	engine := calib.NewEngine(timeutil.NewMockClock(time.Unix(1756, 0)), calib.DefaultOptions())
	return NewRunner(stage, sens, sens, engine, rec, timeutil.NewMockClock(time.Unix(1756, 0))), sens
}

func TestRunVisitsEveryWellInSerpentineOrder(t *testing.T) {
	stage := &fakeStage{}
	rec := &fakeRecorder{}
	r, _ := newTestRunner(stage, rec)

	p := testParams(2, 3)
	runID, err := r.Start(context.Background(), p)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	state := waitForFinish(t, r)
	assert.Equal(t, RunStatusCompleted, state.Status)
	assert.Equal(t, 6, state.DoneWells)
	require.Len(t, state.Readings, 6)

	var visited []string
	for _, reading := range state.Readings {
		visited = append(visited, reading.Well)
		assert.Empty(t, reading.Err)
		assert.Len(t, reading.Raw, spectral.NumChannels)
	}
	assert.Equal(t, []string{"A1", "A2", "A3", "B3", "B2", "B1"}, visited)

	run := rec.snapshot()
	assert.Equal(t, runID, run.runID)
	assert.Equal(t, string(RunStatusCompleted), run.status)
	assert.Equal(t, visited, run.wells)
}

func TestRunIsolatesPerWellFailures(t *testing.T) {
	stage := &fakeStage{failAt: map[int]error{2: errors.New("axis stall")}}
	rec := &fakeRecorder{}
	r, _ := newTestRunner(stage, rec)

	_, err := r.Start(context.Background(), testParams(1, 4))
	require.NoError(t, err)

	state := waitForFinish(t, r)
	assert.Equal(t, RunStatusCompleted, state.Status, "one bad well must not abort the plate")
	assert.Equal(t, []string{"A2"}, state.FailedWells)
	require.Len(t, state.Readings, 4)
	assert.Contains(t, state.Readings[1].Err, "axis stall")
	assert.Nil(t, state.Readings[1].Raw)

	// failed well is not persisted
	assert.Equal(t, []string{"A1", "A3", "A4"}, rec.snapshot().wells)
}

func TestRunCancellationMidGrid(t *testing.T) {
	var r *Runner
	stage := &fakeStage{}
	stage.onMove = func(n int) {
		if n == 3 {
			r.Cancel()
		}
	}
	r, _ = newTestRunner(stage, nil)

	_, err := r.Start(context.Background(), testParams(8, 12))
	require.NoError(t, err)

	state := waitForFinish(t, r)
	assert.Equal(t, RunStatusCancelled, state.Status)
	assert.Less(t, state.DoneWells, state.TotalWells)
	assert.GreaterOrEqual(t, state.DoneWells, 3, "wells measured before cancellation are kept")
	require.NotNil(t, state.CompletedAt)
}

func TestStartRejectsSecondRun(t *testing.T) {
	block := make(chan struct{})
	stage := &fakeStage{}
	stage.onMove = func(n int) {
		if n == 1 {
			<-block
		}
	}
	r, _ := newTestRunner(stage, nil)

	_, err := r.Start(context.Background(), testParams(2, 2))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(stage.Moves()) >= 1 }, time.Second, time.Millisecond)

	_, err = r.Start(context.Background(), testParams(2, 2))
	assert.ErrorContains(t, err, "already in progress")

	close(block)
	waitForFinish(t, r)
}

func TestStartFailsFastWithoutCorners(t *testing.T) {
	r, _ := newTestRunner(&fakeStage{}, nil)
	p := testParams(2, 2)
	p.Corners = geometry.CornerSet{}
	_, err := r.Start(context.Background(), p)
	var cornersErr *geometry.IncompleteCornersError
	require.ErrorAs(t, err, &cornersErr)
	assert.Equal(t, RunStatusIdle, r.State().Status)
}

func TestBlankRunRecordsBlanksAndWritesPayload(t *testing.T) {
	stage := &fakeStage{}
	sens := sensor.NewSynthetic(1)
	engine := calib.NewEngine(timeutil.NewMockClock(time.Unix(1756, 0)), calib.DefaultOptions())
	r := NewRunner(stage, sens, sens, engine, nil, timeutil.NewMockClock(time.Unix(1756, 0)))

	p := testParams(2, 3)
	p.RecordBlanks = true
	p.PayloadPath = filepath.Join(t.TempDir(), "calibration.json")
	_, err := r.Start(context.Background(), p)
	require.NoError(t, err)

	state := waitForFinish(t, r)
	require.Equal(t, RunStatusCompleted, state.Status)
	for _, reading := range state.Readings {
		assert.Nil(t, reading.Derived.Values, "blank runs store references, not reductions")
	}
	assert.Len(t, engine.References().Blanks, 6)

	payload, err := LoadPayload(p.PayloadPath)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Len(t, payload.Blanks, 6)
	assert.Contains(t, payload.Blanks, "B2")
}

func TestCancelledBlankRunEmitsPartialPayload(t *testing.T) {
	var r *Runner
	stage := &fakeStage{}
	stage.onMove = func(n int) {
		if n == 3 {
			r.Cancel()
		}
	}
	sens := sensor.NewSynthetic(1)
	engine := calib.NewEngine(timeutil.NewMockClock(time.Unix(1756, 0)), calib.DefaultOptions())
	r = NewRunner(stage, sens, sens, engine, nil, timeutil.NewMockClock(time.Unix(1756, 0)))

	p := testParams(8, 12)
	p.RecordBlanks = true
	p.PayloadPath = filepath.Join(t.TempDir(), "calibration.json")
	_, err := r.Start(context.Background(), p)
	require.NoError(t, err)

	state := waitForFinish(t, r)
	require.Equal(t, RunStatusCancelled, state.Status)

	payload, err := LoadPayload(p.PayloadPath)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Len(t, payload.Blanks, state.DoneWells-len(state.FailedWells),
		"payload holds exactly the wells visited before cancellation")
	assert.Less(t, len(payload.Blanks), state.TotalWells)
}

func TestRunReducesThroughActiveMode(t *testing.T) {
	stage := &fakeStage{}
	sens := sensor.NewSynthetic(1)
	engine := calib.NewEngine(timeutil.NewMockClock(time.Unix(1756, 0)), calib.DefaultOptions())
	require.NoError(t, engine.SetMode(calib.ModeReflectance))
	r := NewRunner(stage, sens, sens, engine, nil, timeutil.NewMockClock(time.Unix(1756, 0)))

	_, err := r.Start(context.Background(), testParams(1, 1))
	require.NoError(t, err)
	state := waitForFinish(t, r)
	require.Len(t, state.Readings, 1)
	assert.Equal(t, calib.ModeReflectance, state.Readings[0].Derived.Mode)
	assert.Equal(t, calib.ModeReflectance, state.Mode)
}
