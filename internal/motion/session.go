// Package motion manages the command/acknowledgment exchange with the stage
// controller over a serial byte stream, and the derived operations the
// capture layer needs: home, move-and-settle, position query.
package motion

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/colorcam/plate.report/internal/geometry"
	"github.com/colorcam/plate.report/internal/timeutil"
)

// LinkState tracks the lifecycle of the controller link.
type LinkState string

const (
	LinkDisconnected LinkState = "disconnected"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkHomed        LinkState = "homed"
)

// DefaultFeedrate is the linear move speed in mm/min.
const DefaultFeedrate = 3000

// Timeouts for the protocol exchanges. A plain command ack arrives within
// milliseconds; M400 blocks until the motion queue drains, so move and home
// waits are far longer.
const (
	DefaultAckTimeout  = 5 * time.Second
	DefaultMoveTimeout = 120 * time.Second
	DefaultPosTimeout  = 2 * time.Second
)

// Config tunes session timeouts.
type Config struct {
	AckTimeout  time.Duration
	MoveTimeout time.Duration
	PosTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MoveTimeout <= 0 {
		c.MoveTimeout = DefaultMoveTimeout
	}
	if c.PosTimeout <= 0 {
		c.PosTimeout = DefaultPosTimeout
	}
	return c
}

// Session owns a controller link. A reader goroutine owns the byte stream
// and publishes decoded lines; command exchanges are serialized by a mutex
// so concurrent callers cannot interleave protocol bytes.
type Session struct {
	port  Porter
	clock timeutil.Clock
	cfg   Config

	lines  chan string
	closed chan struct{}

	commandMu sync.Mutex

	stateMu sync.Mutex
	state   LinkState

	closeOnce sync.Once
}

// NewSession wraps an open port and starts the line reader.
func NewSession(port Porter, clock timeutil.Clock, cfg Config) *Session {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Session{
		port:   port,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		lines:  make(chan string, 16),
		closed: make(chan struct{}),
		state:  LinkConnected,
	}
	go s.readLoop()
	return s
}

// State returns the current link state.
func (s *Session) State() LinkState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st LinkState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// decodeLine converts raw bytes to a string without ever failing: valid
// UTF-8 passes through, anything else is read byte-for-byte as Latin-1 so a
// garbled fragment cannot stall the read loop.
func decodeLine(raw []byte) string {
	raw = []byte(strings.TrimRight(string(raw), "\r"))
	if utf8.Valid(raw) {
		return string(raw)
	}
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}

// readLoop owns the byte stream: it decodes each line and publishes it.
// The channel is dropped-on-full for unsolicited chatter so a slow consumer
// never backs up the port.
func (s *Session) readLoop() {
	defer close(s.lines)
	scan := bufio.NewScanner(s.port)
	for scan.Scan() {
		line := decodeLine(scan.Bytes())
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		case <-s.closed:
			return
		default:
			// channel full: drop the oldest to keep fresh lines flowing
			select {
			case <-s.lines:
			default:
			}
			select {
			case s.lines <- line:
			default:
			}
		}
	}
}

// ackOf classifies a response line. The match is a case-insensitive
// substring check because controllers decorate acks ("ok T:210", "Error:9").
func ackOf(line string) (ok, failed bool) {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "ok"), strings.Contains(lower, "error")
}

// sendWait writes one command line and blocks until an "ok" (nil), an
// explicit "error" ack (ProtocolError), or the bounded wait elapses
// (TimeoutError). Retry policy belongs to the caller.
func (s *Session) sendWait(command string, wait time.Duration) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	if err := s.writeLine(command); err != nil {
		return err
	}

	deadline := s.clock.After(wait)
	for {
		select {
		case line, open := <-s.lines:
			if !open {
				return ErrClosed
			}
			ok, failed := ackOf(line)
			if failed {
				return &ProtocolError{Command: command, Line: line}
			}
			if ok {
				return nil
			}
			// informational chatter between command and ack; keep reading
		case <-deadline:
			return &TimeoutError{Command: command, Wait: wait}
		case <-s.closed:
			return ErrClosed
		}
	}
}

func (s *Session) writeLine(command string) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	n, err := s.port.Write([]byte(command + "\n"))
	if err != nil {
		return fmt.Errorf("motion: write %q: %w", command, err)
	}
	if n != len(command)+1 {
		return fmt.Errorf("motion: short write for %q", command)
	}
	return nil
}

// Send issues a raw command line and waits for its acknowledgment.
func (s *Session) Send(command string) error {
	return s.sendWait(command, s.cfg.AckTimeout)
}

// MoveTo queues a linear move and then blocks until the motion queue is
// empty. The controller acks G1 on receipt, not completion, so the M400
// exchange is what guarantees the stage has physically arrived.
func (s *Session) MoveTo(p geometry.Point, feedrate int) error {
	if feedrate <= 0 {
		feedrate = DefaultFeedrate
	}
	cmd := fmt.Sprintf("G1 X%.2f Y%.2f Z%.2f F%d", p.X, p.Y, p.Z, feedrate)
	if err := s.sendWait(cmd, s.cfg.AckTimeout); err != nil {
		return err
	}
	return s.WaitIdle()
}

// WaitIdle blocks until all queued moves have completed.
func (s *Session) WaitIdle() error {
	return s.sendWait("M400", s.cfg.MoveTimeout)
}

// Home homes all axes and marks the link homed.
func (s *Session) Home() error {
	if err := s.sendWait("G28", s.cfg.MoveTimeout); err != nil {
		return err
	}
	s.setState(LinkHomed)
	return nil
}

// QueryPosition asks the controller to report its current position and
// parses the AXIS:value response tokens. The second return is false when no
// parseable report arrived within the bounded window; callers must treat
// that as "retry or prompt", never as the origin.
func (s *Session) QueryPosition() (geometry.Point, bool) {
	// A position poll must not queue behind a pending move wait; when a
	// command exchange is in flight, report unknown and let the caller
	// poll again.
	if !s.commandMu.TryLock() {
		return geometry.Point{}, false
	}
	defer s.commandMu.Unlock()

	if err := s.writeLine("M114"); err != nil {
		return geometry.Point{}, false
	}

	var report geometry.Point
	var haveReport bool
	deadline := s.clock.After(s.cfg.PosTimeout)
	for {
		select {
		case line, open := <-s.lines:
			if !open {
				return geometry.Point{}, false
			}
			if p, ok := parsePositionReport(line); ok && !haveReport {
				report, haveReport = p, true
			}
			// The ack trails the report. It must be consumed here: left
			// queued, the next command would mistake it for its own ack.
			if ok, failed := ackOf(line); ok || failed {
				return report, haveReport
			}
		case <-deadline:
			return report, haveReport
		case <-s.closed:
			return geometry.Point{}, false
		}
	}
}

// parsePositionReport extracts X/Y/Z from a report such as
// "X:100.00 Y:200.00 Z:50.00 E:0.00 Count X:0 Y:0 Z:0". All three axes must
// be present in the same line for the report to count.
func parsePositionReport(line string) (geometry.Point, bool) {
	if !strings.Contains(line, "X:") {
		return geometry.Point{}, false
	}
	var p geometry.Point
	var haveX, haveY, haveZ bool
	for _, tok := range strings.Fields(line) {
		key, val, found := strings.Cut(tok, ":")
		if !found {
			continue
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			continue
		}
		switch key {
		case "X":
			if !haveX {
				p.X, haveX = f, true
			}
		case "Y":
			if !haveY {
				p.Y, haveY = f, true
			}
		case "Z":
			if !haveZ {
				p.Z, haveZ = f, true
			}
		}
	}
	if haveX && haveY && haveZ {
		return p, true
	}
	return geometry.Point{}, false
}

// Close shuts the session down and closes the underlying port.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.setState(LinkDisconnected)
		err = s.port.Close()
	})
	return err
}
