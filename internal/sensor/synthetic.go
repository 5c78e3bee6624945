package sensor

import (
	"math"
	"math/rand"
	"sync"

	"github.com/colorcam/plate.report/internal/spectral"
)

// Synthetic is a software sensor for dev mode and tests. It produces a
// smooth spectrum with reproducible pseudo-noise, attenuated when the
// illumination is off so dark captures look plausible.
type Synthetic struct {
	mu          sync.Mutex
	rng         *rand.Rand
	illuminated bool
	frames      int
}

// NewSynthetic creates a Synthetic sensor seeded for reproducible output.
func NewSynthetic(seed int64) *Synthetic {
	return &Synthetic{
		rng:         rand.New(rand.NewSource(seed)),
		illuminated: true,
	}
}

// ReadFrame returns one synthetic measurement cycle.
func (s *Synthetic) ReadFrame() (spectral.Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++

	out := make(spectral.Vector, spectral.NumChannels)
	for i := range out {
		// A broad hump peaking mid-spectrum, plus a little channel noise.
		base := 2000 + 8000*math.Exp(-math.Pow(float64(i)-6, 2)/8)
		if !s.illuminated {
			base = 40
		}
		out[i] = base + s.rng.Float64()*base*0.01
	}
	return out, nil
}

// SetIlluminated toggles the simulated LED.
func (s *Synthetic) SetIlluminated(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.illuminated = on
	return nil
}

// Frames returns the number of measurement cycles triggered so far.
func (s *Synthetic) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}
