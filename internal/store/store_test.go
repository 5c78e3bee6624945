package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorcam/plate.report/internal/calib"
	"github.com/colorcam/plate.report/internal/geometry"
	"github.com/colorcam/plate.report/internal/spectral"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rampVector(start float64) spectral.Vector {
	v := spectral.Zero()
	for i := range v {
		v[i] = start + float64(i)
	}
	return v
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	started := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	grid := geometry.Grid{Rows: 4, Cols: 6}

	require.NoError(t, s.RecordRun("run-1", started, "RAW", grid))
	require.NoError(t, s.FinishRun("run-1", started.Add(2*time.Minute), "completed"))

	history, err := s.RunHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	run := history[0]
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, grid, run.Grid)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, 2*time.Minute, run.CompletedAt.Sub(run.StartedAt))
}

func TestFinishUnknownRun(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.FinishRun("no-such-run", time.Now(), "completed"))
}

func TestMeasurementRoundTrip(t *testing.T) {
	s := newTestStore(t)
	started := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordRun("run-1", started, "ABSORBANCE", geometry.Grid{Rows: 2, Cols: 2}))

	derived := calib.Derived{
		Mode:    calib.ModeAbsorbance,
		Values:  rampVector(0.1),
		Percent: rampVector(50),
	}
	require.NoError(t, s.RecordMeasurement("run-1", "A1", started.Add(time.Second), rampVector(1000), derived))

	rawOnly := calib.Derived{Mode: calib.ModeRaw, Values: rampVector(2000)}
	require.NoError(t, s.RecordMeasurement("run-1", "A2", started.Add(2*time.Second), rampVector(2000), rawOnly))

	got, err := s.Measurements("run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "A1", got[0].Well)
	assert.Equal(t, "ABSORBANCE", got[0].Mode)
	assert.Equal(t, rampVector(1000), got[0].Raw)
	assert.Equal(t, rampVector(0.1), got[0].Values)
	assert.Equal(t, rampVector(50), got[0].Percent)

	assert.Equal(t, "A2", got[1].Well)
	assert.Nil(t, got[1].Percent, "RAW mode has no percent column")
}

func TestRunHistoryOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordRun(
			string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour), "RAW", geometry.Grid{Rows: 1, Cols: 1}))
	}

	history, err := s.RunHistory(3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "e", history[0].RunID, "newest first")
	assert.Equal(t, "d", history[1].RunID)
	assert.Equal(t, "c", history[2].RunID)
}

func TestMeasurementsEmptyRun(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Measurements("absent")
	require.NoError(t, err)
	assert.Empty(t, got)
}
