package capture

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colorcam/plate.report/internal/calib"
	"github.com/colorcam/plate.report/internal/geometry"
	"github.com/colorcam/plate.report/internal/sensor"
	"github.com/colorcam/plate.report/internal/spectral"
	"github.com/colorcam/plate.report/internal/timeutil"
)

// RunStatus represents the lifecycle of a plate run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// Stage is the motion surface a run needs. *motion.Session implements it.
type Stage interface {
	MoveTo(p geometry.Point, feedrate int) error
}

// Recorder persists run results. *store.Store implements it; a nil
// Recorder disables persistence.
type Recorder interface {
	RecordRun(runID string, startedAt time.Time, mode string, g geometry.Grid) error
	RecordMeasurement(runID, well string, capturedAt time.Time, raw spectral.Vector, derived calib.Derived) error
	FinishRun(runID string, completedAt time.Time, status string) error
}

// Reading is one well's result within a run. Err is set when the well
// failed; its vectors are then nil.
type Reading struct {
	Well       string          `json:"well"`
	Position   geometry.Point  `json:"position"`
	Raw        spectral.Vector `json:"raw,omitempty"`
	Derived    calib.Derived   `json:"derived"`
	CapturedAt time.Time       `json:"captured_at"`
	Err        string          `json:"error,omitempty"`
}

// RunState is a snapshot of the current or most recent run.
type RunState struct {
	Status      RunStatus     `json:"status"`
	RunID       string        `json:"run_id,omitempty"`
	Mode        calib.Mode    `json:"mode,omitempty"`
	Grid        geometry.Grid `json:"grid"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	TotalWells  int           `json:"total_wells"`
	DoneWells   int           `json:"done_wells"`
	CurrentWell string        `json:"current_well,omitempty"`
	Readings    []Reading     `json:"readings"`
	FailedWells []string      `json:"failed_wells,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Params are the inputs fixed at Start time for one run.
type Params struct {
	Corners  geometry.CornerSet
	Grid     geometry.Grid
	Feedrate int
	Settle   time.Duration
	RowPause time.Duration
	Averages int

	// RecordBlanks stores each well's raw average as that well's blank
	// reference instead of reducing it; PayloadPath, when set, receives
	// the calibration payload at the end of the run (partial results
	// included on cancellation).
	RecordBlanks bool
	PayloadPath  string
}

// Runner executes plate runs in the background, one at a time.
type Runner struct {
	stage    Stage
	src      sensor.FrameSource
	ill      sensor.Illuminator
	engine   *calib.Engine
	recorder Recorder
	clock    timeutil.Clock

	mu     sync.RWMutex
	state  RunState
	cancel context.CancelFunc
}

// NewRunner wires a runner. recorder may be nil.
func NewRunner(stage Stage, src sensor.FrameSource, ill sensor.Illuminator, engine *calib.Engine, recorder Recorder, clock timeutil.Clock) *Runner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Runner{
		stage:    stage,
		src:      src,
		ill:      ill,
		engine:   engine,
		recorder: recorder,
		clock:    clock,
		state:    RunState{Status: RunStatusIdle},
	}
}

// State returns a copy of the run state safe for concurrent readers.
func (r *Runner) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state := r.state
	readings := make([]Reading, len(r.state.Readings))
	copy(readings, r.state.Readings)
	state.Readings = readings
	failed := make([]string, len(r.state.FailedWells))
	copy(failed, r.state.FailedWells)
	state.FailedWells = failed
	return state
}

// Start validates the parameters, derives every well position up front,
// and launches the run in a background goroutine. It returns immediately;
// progress is observed through State.
func (r *Runner) Start(ctx context.Context, p Params) (string, error) {
	if err := p.Grid.Validate(); err != nil {
		return "", err
	}
	if p.Feedrate <= 0 {
		p.Feedrate = 3000
	}
	if p.Averages < 1 {
		p.Averages = 3
	}

	// Derive all positions before touching state so an untaught plate
	// fails fast without disturbing the previous run's results.
	positions, err := geometry.AllPositions(p.Corners, p.Grid)
	if err != nil {
		return "", err
	}
	order := geometry.VisitOrder(p.Grid)

	r.mu.Lock()
	if r.state.Status == RunStatusRunning {
		r.mu.Unlock()
		return "", fmt.Errorf("capture: run already in progress")
	}
	runID := uuid.NewString()
	now := r.clock.Now()
	r.state = RunState{
		Status:     RunStatusRunning,
		RunID:      runID,
		Mode:       r.engine.Mode(),
		Grid:       p.Grid,
		StartedAt:  &now,
		TotalWells: len(order),
		Readings:   make([]Reading, 0, len(order)),
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	if r.recorder != nil {
		if err := r.recorder.RecordRun(runID, now, string(r.engine.Mode()), p.Grid); err != nil {
			log.Printf("capture: record run %s: %v", runID, err)
		}
	}

	go r.run(runCtx, runID, p, positions, order)
	return runID, nil
}

// Cancel requests cooperative cancellation of the active run. It is a
// no-op when nothing is running.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) run(ctx context.Context, runID string, p Params, positions map[string]geometry.Point, order []string) {
	if err := r.ill.SetIlluminated(true); err != nil {
		r.finish(runID, RunStatusFailed, fmt.Sprintf("illumination: %v", err))
		return
	}
	defer func() {
		if err := r.ill.SetIlluminated(false); err != nil {
			log.Printf("capture: illumination off: %v", err)
		}
	}()

	prevRow := -1
	for _, well := range order {
		select {
		case <-ctx.Done():
			r.emitPayload(p)
			r.finish(runID, RunStatusCancelled, "")
			return
		default:
		}

		r.mu.Lock()
		r.state.CurrentWell = well
		r.mu.Unlock()

		row, _, _ := geometry.ParseWellID(well, p.Grid)
		reading := r.measureWell(well, positions[well], p, row != prevRow)
		prevRow = row

		r.mu.Lock()
		r.state.Readings = append(r.state.Readings, reading)
		r.state.DoneWells++
		if reading.Err != "" {
			r.state.FailedWells = append(r.state.FailedWells, well)
		}
		r.mu.Unlock()

		if reading.Err == "" && r.recorder != nil {
			if err := r.recorder.RecordMeasurement(runID, well, reading.CapturedAt, reading.Raw, reading.Derived); err != nil {
				log.Printf("capture: record %s/%s: %v", runID, well, err)
			}
		}
	}
	r.emitPayload(p)
	r.finish(runID, RunStatusCompleted, "")
}

// emitPayload writes the calibration payload for blank-recording runs.
// Cancelled runs still emit: the payload carries whichever wells were
// visited before the stop.
func (r *Runner) emitPayload(p Params) {
	if !p.RecordBlanks || p.PayloadPath == "" {
		return
	}
	payload, err := NewPayload(r.engine, p.Corners, p.Grid, r.clock.Now())
	if err != nil {
		log.Printf("capture: build payload: %v", err)
		return
	}
	if err := payload.Save(p.PayloadPath); err != nil {
		log.Printf("capture: save payload: %v", err)
	}
}

// measureWell moves, settles, samples, and reduces one well. Errors are
// folded into the reading so one bad well never aborts the plate.
func (r *Runner) measureWell(well string, pos geometry.Point, p Params, rowChanged bool) Reading {
	reading := Reading{Well: well, Position: pos, CapturedAt: r.clock.Now()}

	if err := r.stage.MoveTo(pos, p.Feedrate); err != nil {
		reading.Err = fmt.Sprintf("move: %v", err)
		return reading
	}
	settle := p.Settle
	if rowChanged && p.RowPause > settle {
		settle = p.RowPause
	}
	if settle > 0 {
		r.clock.Sleep(settle)
	}

	raw, err := sensor.Sample(r.src, p.Averages)
	if err != nil {
		reading.Err = fmt.Sprintf("sample: %v", err)
		return reading
	}

	reading.CapturedAt = r.clock.Now()
	reading.Raw = raw
	if p.RecordBlanks {
		r.engine.SetBlank(well, calib.Blank{I0: raw, CapturedAt: reading.CapturedAt})
	} else {
		reading.Derived = r.engine.Reduce(raw, well)
	}
	return reading
}

func (r *Runner) finish(runID string, status RunStatus, errMsg string) {
	now := r.clock.Now()
	r.mu.Lock()
	r.state.Status = status
	r.state.CompletedAt = &now
	r.state.CurrentWell = ""
	r.state.Error = errMsg
	r.cancel = nil
	r.mu.Unlock()

	if r.recorder != nil {
		if err := r.recorder.FinishRun(runID, now, string(status)); err != nil {
			log.Printf("capture: finish run %s: %v", runID, err)
		}
	}
}
