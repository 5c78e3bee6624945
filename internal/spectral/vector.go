package spectral

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Vector is an ordered sequence of per-channel values. All vectors flowing
// through the calibration pipeline have length NumChannels; the operations
// below reject mixed widths rather than silently truncating.
type Vector []float64

// ErrNoFrames is returned when averaging an empty frame set.
var ErrNoFrames = errors.New("spectral: no frames to average")

// LengthMismatchError reports two vectors of different widths reaching an
// elementwise operation.
type LengthMismatchError struct {
	Want, Got int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("spectral: channel length mismatch: want %d, got %d", e.Want, e.Got)
}

// Zero returns an all-zero vector of the standard channel width.
func Zero() Vector {
	return make(Vector, NumChannels)
}

// Clone returns a copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Average returns the elementwise arithmetic mean of the given frames.
// All frames must share the same width; at least one frame is required.
func Average(frames []Vector) (Vector, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	width := len(frames[0])
	acc := make(Vector, width)
	for _, f := range frames {
		if len(f) != width {
			return nil, &LengthMismatchError{Want: width, Got: len(f)}
		}
		floats.Add(acc, f)
	}
	floats.Scale(1/float64(len(frames)), acc)
	return acc, nil
}

// SubtractFloor returns max(a[i]-b[i], floor) elementwise. The floor is a
// deliberate bias: it keeps downstream denominators strictly positive at the
// cost of accuracy near the noise floor.
func SubtractFloor(a, b Vector, floor float64) (Vector, error) {
	if len(a) != len(b) {
		return nil, &LengthMismatchError{Want: len(a), Got: len(b)}
	}
	out := make(Vector, len(a))
	for i := range a {
		out[i] = max(a[i]-b[i], floor)
	}
	return out, nil
}

// EMA returns alpha*sample + (1-alpha)*prev elementwise. It is used only for
// live display smoothing; stored reference vectors are plain averages.
func EMA(prev, sample Vector, alpha float64) (Vector, error) {
	if len(prev) != len(sample) {
		return nil, &LengthMismatchError{Want: len(prev), Got: len(sample)}
	}
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("spectral: alpha %v out of range (0,1]", alpha)
	}
	out := make(Vector, len(prev))
	for i := range prev {
		out[i] = alpha*sample[i] + (1-alpha)*prev[i]
	}
	return out, nil
}
