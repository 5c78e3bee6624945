// Package calib owns the calibration reference state (dark, white, per-well
// blanks) and converts raw channel vectors into derived physical quantities.
package calib

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/colorcam/plate.report/internal/sensor"
	"github.com/colorcam/plate.report/internal/spectral"
	"github.com/colorcam/plate.report/internal/timeutil"
)

// Mode selects the derived quantity produced by Reduce.
type Mode string

const (
	ModeRaw           Mode = "RAW"
	ModeReflectance   Mode = "REFLECTANCE"
	ModeAbsorbance    Mode = "ABSORBANCE"
	ModeTransmittance Mode = "TRANSMITTANCE"
	ModeAbsTx         Mode = "ABS_TX"
)

// modeCycle is the order CycleMode steps through.
var modeCycle = []Mode{ModeRaw, ModeReflectance, ModeAbsorbance, ModeTransmittance, ModeAbsTx}

// ratioEps floors reflectance/transmittance ratios and log arguments so the
// derived quantities stay finite for any input, including all-zero frames.
const ratioEps = 1e-9

// pctCeil caps the percent display quantities.
const pctCeil = 1e6

// Defaults carried over from the bench-proven sensor scripts.
const (
	DefaultCountsFloor = 1.0 // counts floor after dark subtraction
	DefaultAverages    = 3   // reads averaged per capture
	DefaultDarkFlush   = 2   // frames discarded after LED-off settle

	DefaultDarkSettle  = 800 * time.Millisecond
	DefaultWhiteSettle = 150 * time.Millisecond
)

// Blank is a per-well transmission reference with its capture time.
type Blank struct {
	I0         spectral.Vector `json:"I0"`
	CapturedAt time.Time       `json:"timestamp"`
}

// References is an immutable snapshot of the engine's reference state.
// Dark and White are nil when unset; Blanks contains only wells with a
// captured blank.
type References struct {
	Dark   spectral.Vector
	White  spectral.Vector
	Blanks map[string]Blank
}

// Derived is the output of Reduce: the primary per-channel quantity for the
// active mode plus its companion percent display column (nil for RAW).
type Derived struct {
	Mode    Mode            `json:"mode"`
	Values  spectral.Vector `json:"values"`
	Percent spectral.Vector `json:"percent,omitempty"`
}

// Options tunes capture discipline and flooring.
type Options struct {
	// CountsFloor is the minimum dark-subtracted intensity, in counts.
	CountsFloor float64
	// Averages is the number of frames averaged per reference capture.
	Averages int
	// DarkSettle is how long the illumination is held off before a dark
	// capture; DarkFlush frames are then discarded to let the sensor
	// transient decay before the averaged sample is taken.
	DarkSettle time.Duration
	DarkFlush  int
	// WhiteSettle is how long the illumination is held on before white and
	// blank captures.
	WhiteSettle time.Duration
}

// DefaultOptions returns the standard capture discipline.
func DefaultOptions() Options {
	return Options{
		CountsFloor: DefaultCountsFloor,
		Averages:    DefaultAverages,
		DarkSettle:  DefaultDarkSettle,
		DarkFlush:   DefaultDarkFlush,
		WhiteSettle: DefaultWhiteSettle,
	}
}

// Engine holds the calibration state for the process lifetime. References
// are replaced wholesale under the write lock so readers never observe a
// half-updated vector.
type Engine struct {
	mu     sync.RWMutex
	mode   Mode
	dark   spectral.Vector
	white  spectral.Vector
	blanks map[string]Blank

	opts  Options
	clock timeutil.Clock
}

// NewEngine creates an Engine in RAW mode with all references unset.
func NewEngine(clock timeutil.Clock, opts Options) *Engine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if opts.CountsFloor <= 0 {
		opts.CountsFloor = DefaultCountsFloor
	}
	if opts.Averages < 1 {
		opts.Averages = DefaultAverages
	}
	return &Engine{
		mode:   ModeRaw,
		blanks: make(map[string]Blank),
		opts:   opts,
		clock:  clock,
	}
}

// Mode returns the active display mode.
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetMode switches the active display mode. Mode changes never invalidate
// stored references.
func (e *Engine) SetMode(m Mode) error {
	for _, known := range modeCycle {
		if m == known {
			e.mu.Lock()
			e.mode = m
			e.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("calib: unknown mode %q", m)
}

// CycleMode advances to the next mode in the fixed cycle and returns it.
func (e *Engine) CycleMode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, m := range modeCycle {
		if m == e.mode {
			e.mode = modeCycle[(i+1)%len(modeCycle)]
			return e.mode
		}
	}
	e.mode = ModeRaw
	return e.mode
}

// CaptureDark forces the illumination off, waits for the LED and sensor
// transients to decay, discards the flush frames, then stores the averaged
// sample as the global dark reference.
func (e *Engine) CaptureDark(src sensor.FrameSource, ill sensor.Illuminator) (spectral.Vector, error) {
	if ill != nil {
		if err := ill.SetIlluminated(false); err != nil {
			return nil, fmt.Errorf("calib: illumination off: %w", err)
		}
		e.clock.Sleep(e.opts.DarkSettle)
	}
	for i := 0; i < e.opts.DarkFlush; i++ {
		if _, err := src.ReadFrame(); err != nil {
			return nil, fmt.Errorf("calib: dark flush frame: %w", err)
		}
	}
	vec, err := sensor.Sample(src, e.opts.Averages)
	if err != nil {
		return nil, fmt.Errorf("calib: dark capture: %w", err)
	}
	e.mu.Lock()
	e.dark = vec
	e.mu.Unlock()
	return vec.Clone(), nil
}

func (e *Engine) captureLit(src sensor.FrameSource, ill sensor.Illuminator) (spectral.Vector, error) {
	if ill != nil {
		if err := ill.SetIlluminated(true); err != nil {
			return nil, fmt.Errorf("calib: illumination on: %w", err)
		}
		e.clock.Sleep(e.opts.WhiteSettle)
	}
	return sensor.Sample(src, e.opts.Averages)
}

// CaptureWhite stores the averaged full-illumination sample as the global
// white reference (the reflectance denominator).
func (e *Engine) CaptureWhite(src sensor.FrameSource, ill sensor.Illuminator) (spectral.Vector, error) {
	vec, err := e.captureLit(src, ill)
	if err != nil {
		return nil, fmt.Errorf("calib: white capture: %w", err)
	}
	e.mu.Lock()
	e.white = vec
	e.mu.Unlock()
	return vec.Clone(), nil
}

// CaptureBlank stores the averaged sample as the transmission denominator
// for the given well.
func (e *Engine) CaptureBlank(well string, src sensor.FrameSource, ill sensor.Illuminator) (spectral.Vector, error) {
	vec, err := e.captureLit(src, ill)
	if err != nil {
		return nil, fmt.Errorf("calib: blank capture for %s: %w", well, err)
	}
	e.mu.Lock()
	e.blanks[well] = Blank{I0: vec, CapturedAt: e.clock.Now()}
	e.mu.Unlock()
	return vec.Clone(), nil
}

// SetDark replaces the dark reference (nil clears it).
func (e *Engine) SetDark(v spectral.Vector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v == nil {
		e.dark = nil
		return
	}
	e.dark = v.Clone()
}

// SetWhite replaces the white reference (nil clears it).
func (e *Engine) SetWhite(v spectral.Vector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v == nil {
		e.white = nil
		return
	}
	e.white = v.Clone()
}

// SetBlank replaces the blank reference for a well.
func (e *Engine) SetBlank(well string, b Blank) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blanks[well] = Blank{I0: b.I0.Clone(), CapturedAt: b.CapturedAt}
}

// ReplaceBlanks swaps the entire blank map, dropping wells not present in
// the new set.
func (e *Engine) ReplaceBlanks(blanks map[string]Blank) {
	next := make(map[string]Blank, len(blanks))
	for well, b := range blanks {
		next[well] = Blank{I0: b.I0.Clone(), CapturedAt: b.CapturedAt}
	}
	e.mu.Lock()
	e.blanks = next
	e.mu.Unlock()
}

// References returns a snapshot of the current reference state.
func (e *Engine) References() References {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := References{Blanks: make(map[string]Blank, len(e.blanks))}
	if e.dark != nil {
		snap.Dark = e.dark.Clone()
	}
	if e.white != nil {
		snap.White = e.white.Clone()
	}
	for well, b := range e.blanks {
		snap.Blanks[well] = Blank{I0: b.I0.Clone(), CapturedAt: b.CapturedAt}
	}
	return snap
}

// CountsFloor returns the configured counts floor.
func (e *Engine) CountsFloor() float64 { return e.opts.CountsFloor }

// darkOrZero returns the dark reference, or a zero vector matching width.
func darkOrZero(dark spectral.Vector, width int) spectral.Vector {
	if dark != nil && len(dark) == width {
		return dark
	}
	return make(spectral.Vector, width)
}

// Reduce converts a raw channel vector into the active mode's derived
// quantities. It is a pure function of its inputs and the reference
// snapshot: missing references yield defined zero vectors, never errors,
// because the live display path must keep running pre-calibration.
func (e *Engine) Reduce(raw spectral.Vector, well string) Derived {
	e.mu.RLock()
	mode := e.mode
	dark := e.dark
	white := e.white
	blank, haveBlank := e.blanks[well]
	floor := e.opts.CountsFloor
	e.mu.RUnlock()

	switch mode {
	case ModeReflectance:
		r, pct := reflectance(raw, dark, white, floor)
		return Derived{Mode: mode, Values: r, Percent: pct}
	case ModeAbsorbance:
		r, pct := reflectance(raw, dark, white, floor)
		a := make(spectral.Vector, len(r))
		for i, ri := range r {
			a[i] = -math.Log10(max(ri, ratioEps))
		}
		return Derived{Mode: mode, Values: a, Percent: pct}
	case ModeTransmittance:
		t, pct := transmittance(raw, dark, blank.I0, haveBlank, floor)
		return Derived{Mode: mode, Values: t, Percent: pct}
	case ModeAbsTx:
		a, pct := beerLambert(raw, dark, blank.I0, haveBlank, floor)
		return Derived{Mode: mode, Values: a, Percent: pct}
	default:
		return Derived{Mode: ModeRaw, Values: raw.Clone()}
	}
}

// reflectance computes R = (S-D)/(W-D) with floors, plus the %R column.
// An unset white reference is a defined degenerate case yielding zeros.
func reflectance(raw, dark, white spectral.Vector, floor float64) (r, pct spectral.Vector) {
	n := len(raw)
	r = make(spectral.Vector, n)
	pct = make(spectral.Vector, n)
	if white == nil || len(white) != n {
		return r, pct
	}
	d := darkOrZero(dark, n)
	s, err := spectral.SubtractFloor(raw, d, floor)
	if err != nil {
		return r, pct
	}
	w, err := spectral.SubtractFloor(white, d, floor)
	if err != nil {
		return r, pct
	}
	for i := 0; i < n; i++ {
		r[i] = max(s[i]/w[i], ratioEps)
		pct[i] = min(r[i]*100, pctCeil)
	}
	return r, pct
}

// transmittance computes T = (I-D)/(I0-D) with floors, plus the %T column.
func transmittance(raw, dark, blank spectral.Vector, haveBlank bool, floor float64) (t, pct spectral.Vector) {
	n := len(raw)
	t = make(spectral.Vector, n)
	pct = make(spectral.Vector, n)
	if !haveBlank || len(blank) != n {
		return t, pct
	}
	d := darkOrZero(dark, n)
	it, err := spectral.SubtractFloor(raw, d, floor)
	if err != nil {
		return t, pct
	}
	i0, err := spectral.SubtractFloor(blank, d, floor)
	if err != nil {
		return t, pct
	}
	for i := 0; i < n; i++ {
		t[i] = max(it[i]/i0[i], ratioEps)
		pct[i] = min(t[i]*100, pctCeil)
	}
	return t, pct
}

// beerLambert computes true transmission absorbance A = log10((I0-D)/(I-D))
// with both intensities floored before the ratio, and %T = 100*10^(-A)
// clipped to [ratioEps, pctCeil].
func beerLambert(raw, dark, blank spectral.Vector, haveBlank bool, floor float64) (a, pct spectral.Vector) {
	n := len(raw)
	a = make(spectral.Vector, n)
	pct = make(spectral.Vector, n)
	if !haveBlank || len(blank) != n {
		return a, pct
	}
	d := darkOrZero(dark, n)
	it, err := spectral.SubtractFloor(raw, d, floor)
	if err != nil {
		return a, pct
	}
	i0, err := spectral.SubtractFloor(blank, d, floor)
	if err != nil {
		return a, pct
	}
	for i := 0; i < n; i++ {
		a[i] = math.Log10(i0[i] / it[i])
		pct[i] = min(max(100*math.Pow(10, -a[i]), ratioEps), pctCeil)
	}
	return a, pct
}
