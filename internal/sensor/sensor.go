// Package sensor defines the contract the core expects from the spectral
// sensor collaborator. Driver/version differences are the collaborator's
// concern; the core sees a fixed capability surface.
package sensor

import (
	"github.com/colorcam/plate.report/internal/spectral"
)

// FrameSource triggers one measurement cycle and returns all channel counts
// in the fixed system-wide channel order.
type FrameSource interface {
	ReadFrame() (spectral.Vector, error)
}

// Illuminator controls the on-board illumination source, when present.
// Implementations without an LED may treat this as a no-op.
type Illuminator interface {
	SetIlluminated(on bool) error
}

// Sample reads n frames (minimum 1) from src and returns their elementwise
// mean. Reference captures and per-well samples both go through here so a
// single read path is exercised everywhere.
func Sample(src FrameSource, n int) (spectral.Vector, error) {
	if n < 1 {
		n = 1
	}
	frames := make([]spectral.Vector, 0, n)
	for i := 0; i < n; i++ {
		f, err := src.ReadFrame()
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return spectral.Average(frames)
}
