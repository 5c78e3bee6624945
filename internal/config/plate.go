// Package config loads and persists the plate definition used by the
// capture pipeline: grid dimensions, taught corner positions, and the
// serial link settings for the stage controller.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/colorcam/plate.report/internal/geometry"
	"github.com/colorcam/plate.report/internal/motion"
)

// DefaultPlatePath is where the plate definition is stored between runs.
const DefaultPlatePath = "config/plate.json"

// maxFileSize bounds config reads (1MB). A plate definition is a few
// hundred bytes; anything larger is a wrong file.
const maxFileSize = 1 * 1024 * 1024

// PlateConfig is the persisted plate definition. Fields omitted from the
// JSON file keep their zero values and are caught by Validate, except the
// optional tunables which fall back through their Get methods.
type PlateConfig struct {
	Grid    geometry.Grid      `json:"grid"`
	Corners geometry.CornerSet `json:"corners"`

	// Serial link settings for the stage controller. Empty PortPath means
	// probe for one at startup.
	PortPath string             `json:"port_path,omitempty"`
	Port     motion.PortOptions `json:"port,omitempty"`

	// Optional capture tunables, duration fields as strings like "250ms".
	Feedrate     *int    `json:"feedrate,omitempty"`
	SettleTime   *string `json:"settle_time,omitempty"`
	RowPauseTime *string `json:"row_pause_time,omitempty"`
	Averages     *int    `json:"averages,omitempty"`
}

// DefaultPlateConfig returns the definition for a standard 24-well plate
// with no corners taught yet.
func DefaultPlateConfig() *PlateConfig {
	return &PlateConfig{
		Grid: geometry.Grid{Rows: 4, Cols: 6},
	}
}

// LoadPlateConfig reads and validates a plate definition. The path must
// have a .json extension and the file must be under the max size.
func LoadPlateConfig(path string) (*PlateConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &PlateConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the plate definition atomically: to a temp file in the same
// directory, then renamed over the target.
func (c *PlateConfig) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid configuration: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".plate-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close config file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// Validate checks grid dimensions, port settings, and the optional
// tunables. Corners are allowed to be incomplete here; position derivation
// reports missing corners at use time.
func (c *PlateConfig) Validate() error {
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	if _, err := c.Port.Normalize(); err != nil {
		return fmt.Errorf("invalid port settings: %w", err)
	}
	if c.Feedrate != nil && *c.Feedrate <= 0 {
		return fmt.Errorf("feedrate must be positive, got %d", *c.Feedrate)
	}
	if c.Averages != nil && *c.Averages < 1 {
		return fmt.Errorf("averages must be at least 1, got %d", *c.Averages)
	}
	if c.SettleTime != nil && *c.SettleTime != "" {
		if _, err := time.ParseDuration(*c.SettleTime); err != nil {
			return fmt.Errorf("invalid settle_time %q: %w", *c.SettleTime, err)
		}
	}
	if c.RowPauseTime != nil && *c.RowPauseTime != "" {
		if _, err := time.ParseDuration(*c.RowPauseTime); err != nil {
			return fmt.Errorf("invalid row_pause_time %q: %w", *c.RowPauseTime, err)
		}
	}
	return nil
}

// GetFeedrate returns the move feedrate or the controller default.
func (c *PlateConfig) GetFeedrate() int {
	if c.Feedrate == nil {
		return motion.DefaultFeedrate
	}
	return *c.Feedrate
}

// GetSettleTime returns the per-well settle delay or the default.
func (c *PlateConfig) GetSettleTime() time.Duration {
	if c.SettleTime == nil || *c.SettleTime == "" {
		return 250 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.SettleTime)
	if err != nil {
		return 250 * time.Millisecond
	}
	return d
}

// GetRowPauseTime returns the extra settle applied on row changes, where
// the stage travels furthest, or the default.
func (c *PlateConfig) GetRowPauseTime() time.Duration {
	if c.RowPauseTime == nil || *c.RowPauseTime == "" {
		return 600 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.RowPauseTime)
	if err != nil {
		return 600 * time.Millisecond
	}
	return d
}

// GetAverages returns the frames averaged per reading or the default.
func (c *PlateConfig) GetAverages() int {
	if c.Averages == nil {
		return 3
	}
	return *c.Averages
}
