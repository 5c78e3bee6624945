// Package capture orchestrates a plate run: it walks the serpentine visit
// order, moves the stage to each well, samples the sensor, reduces the
// reading through the calibration engine, and records the results.
package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/colorcam/plate.report/internal/calib"
	"github.com/colorcam/plate.report/internal/geometry"
	"github.com/colorcam/plate.report/internal/spectral"
)

// DefaultPayloadPath is where calibration state is persisted between
// process restarts.
const DefaultPayloadPath = "config/calibration.json"

// WellLayout is the plate snapshot embedded in a payload so stale blanks
// can be detected when the plate definition changes.
type WellLayout struct {
	Rows      int                       `json:"num_rows"`
	Cols      int                       `json:"num_cols"`
	Positions map[string]geometry.Point `json:"well_positions"`
}

// CapturePayload is the persisted calibration state: the dark and blank
// references plus the plate layout they were captured against.
type CapturePayload struct {
	Timestamp time.Time              `json:"timestamp"`
	Labels    []string               `json:"labels"`
	Eps       float64                `json:"eps"`
	Blanks    map[string]calib.Blank `json:"blanks"`
	Dark      spectral.Vector        `json:"dark,omitempty"`
	White     spectral.Vector        `json:"white,omitempty"`
	Layout    WellLayout             `json:"well_config"`
}

// NewPayload snapshots the engine's references together with the plate
// layout.
func NewPayload(eng *calib.Engine, corners geometry.CornerSet, g geometry.Grid, now time.Time) (*CapturePayload, error) {
	positions, err := geometry.AllPositions(corners, g)
	if err != nil {
		return nil, err
	}
	refs := eng.References()
	return &CapturePayload{
		Timestamp: now,
		Labels:    spectral.Labels(),
		Eps:       eng.CountsFloor(),
		Blanks:    refs.Blanks,
		Dark:      refs.Dark,
		White:     refs.White,
		Layout: WellLayout{
			Rows:      g.Rows,
			Cols:      g.Cols,
			Positions: positions,
		},
	}, nil
}

// Save writes the payload atomically next to the target path.
func (p *CapturePayload) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("capture: encode payload: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("capture: create payload directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".calibration-*.json")
	if err != nil {
		return fmt.Errorf("capture: create temp payload: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("capture: write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("capture: close payload: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("capture: replace payload: %w", err)
	}
	return nil
}

// LoadPayload reads a persisted payload. A missing file is not an error;
// it returns (nil, nil) so startup can proceed with unset references.
func LoadPayload(path string) (*CapturePayload, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("capture: read payload: %w", err)
	}
	p := &CapturePayload{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("capture: parse payload: %w", err)
	}
	return p, nil
}

// Restore loads the payload's references into the engine, reconciled
// against the current grid: blanks for wells that no longer exist are
// dropped, and wells with no stored blank simply stay unset. Returns the
// well IDs that were dropped.
func (p *CapturePayload) Restore(eng *calib.Engine, g geometry.Grid) []string {
	if p.Dark != nil {
		eng.SetDark(p.Dark)
	}
	if p.White != nil {
		eng.SetWhite(p.White)
	}
	kept := make(map[string]calib.Blank, len(p.Blanks))
	var dropped []string
	for well, blank := range p.Blanks {
		if _, _, err := geometry.ParseWellID(well, g); err != nil {
			dropped = append(dropped, well)
			continue
		}
		kept[well] = blank
	}
	eng.ReplaceBlanks(kept)
	return dropped
}
