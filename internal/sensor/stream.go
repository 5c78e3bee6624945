package sensor

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/colorcam/plate.report/internal/spectral"
)

// StreamSource reads frames from a line-oriented serial sensor board. A
// frame is requested with "READ" and arrives as one comma-separated line of
// channel counts; illumination is switched with "LED 1" / "LED 0".
type StreamSource struct {
	mu sync.Mutex
	rw io.ReadWriter
	br *bufio.Reader
}

// NewStreamSource wraps an open sensor link.
func NewStreamSource(rw io.ReadWriter) *StreamSource {
	return &StreamSource{rw: rw, br: bufio.NewReader(rw)}
}

// ReadFrame requests and parses one frame. Blank lines are skipped; a line
// with the wrong channel count is an error, not a short vector.
func (s *StreamSource) ReadFrame() (spectral.Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.rw.Write([]byte("READ\n")); err != nil {
		return nil, fmt.Errorf("sensor: request frame: %w", err)
	}
	for {
		line, err := s.br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("sensor: read frame: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return parseFrame(line)
	}
}

func parseFrame(line string) (spectral.Vector, error) {
	segments := strings.Split(line, ",")
	if len(segments) != spectral.NumChannels {
		return nil, fmt.Errorf("sensor: frame has %d channels, want %d", len(segments), spectral.NumChannels)
	}
	frame := spectral.Zero()
	for i, segment := range segments {
		v, err := strconv.ParseFloat(strings.TrimSpace(segment), 64)
		if err != nil {
			return nil, fmt.Errorf("sensor: parse channel %d: %w", i, err)
		}
		frame[i] = v
	}
	return frame, nil
}

// SetIlluminated switches the sensor board LED.
func (s *StreamSource) SetIlluminated(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := "LED 0\n"
	if on {
		cmd = "LED 1\n"
	}
	if _, err := s.rw.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("sensor: set illumination: %w", err)
	}
	return nil
}
