package sensor

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorcam/plate.report/internal/spectral"
)

// loopback serves canned response lines and records writes.
type loopback struct {
	in  *strings.Reader
	out bytes.Buffer
}

func newLoopback(responses string) *loopback {
	return &loopback{in: strings.NewReader(responses)}
}

func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }

func TestStreamSourceReadFrame(t *testing.T) {
	lb := newLoopback("100,200,300,400,500,600,700,800,900,1000,1100,1200,1300\n")
	src := NewStreamSource(lb)

	frame, err := src.ReadFrame()
	require.NoError(t, err)
	require.Len(t, frame, spectral.NumChannels)
	assert.Equal(t, 100.0, frame[0])
	assert.Equal(t, 1300.0, frame[12])
	assert.Equal(t, "READ\n", lb.out.String())
}

func TestStreamSourceSkipsBlankLines(t *testing.T) {
	lb := newLoopback("\n\n1,2,3,4,5,6,7,8,9,10,11,12,13\n")
	src := NewStreamSource(lb)
	frame, err := src.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, 13.0, frame[12])
}

func TestStreamSourceRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"too few channels", "1,2,3\n"},
		{"too many channels", strings.Repeat("1,", 13) + "1\n"},
		{"non-numeric", "1,2,3,4,5,x,7,8,9,10,11,12,13\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewStreamSource(newLoopback(tt.line))
			_, err := src.ReadFrame()
			assert.Error(t, err)
		})
	}
}

func TestStreamSourceIllumination(t *testing.T) {
	lb := newLoopback("")
	src := NewStreamSource(lb)
	require.NoError(t, src.SetIlluminated(true))
	require.NoError(t, src.SetIlluminated(false))
	assert.Equal(t, "LED 1\nLED 0\n", lb.out.String())
}
