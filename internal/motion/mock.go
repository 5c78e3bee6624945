package motion

import (
	"io"
	"strings"
	"sync"
)

// ScriptedPort emulates the stage controller for tests and dev mode. Each
// written command line is matched against the script by prefix and the
// configured response lines are queued for the reader. Unknown commands are
// acked with a plain "ok" so a dev session behaves like cooperative
// firmware.
type ScriptedPort struct {
	mu       sync.Mutex
	script   map[string][]string
	pending  []byte
	dataCond *sync.Cond
	closed   bool

	writes []string
}

// NewScriptedPort builds a mock port. Script keys are command prefixes
// ("G1", "M114"); values are the response lines sent back for a match.
func NewScriptedPort(script map[string][]string) *ScriptedPort {
	p := &ScriptedPort{script: script}
	p.dataCond = sync.NewCond(&p.mu)
	return p
}

// Inject queues unsolicited lines as if the controller emitted them.
func (p *ScriptedPort) Inject(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range lines {
		p.pending = append(p.pending, []byte(line+"\n")...)
	}
	p.dataCond.Broadcast()
}

// InjectRaw queues raw bytes without line framing, for exercising decode
// and framing edge cases.
func (p *ScriptedPort) InjectRaw(raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, raw...)
	p.dataCond.Broadcast()
}

// Writes returns every command line written so far, in order.
func (p *ScriptedPort) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	copy(out, p.writes)
	return out
}

// Read blocks until data is available or the port is closed, matching
// real serial port semantics.
func (p *ScriptedPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.pending) == 0 {
		if p.closed {
			return 0, io.EOF
		}
		p.dataCond.Wait()
	}
	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// Write records the command and queues the scripted response.
func (p *ScriptedPort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	for _, line := range strings.Split(strings.TrimRight(string(buf), "\n"), "\n") {
		p.writes = append(p.writes, line)
		for _, resp := range p.respond(line) {
			p.pending = append(p.pending, []byte(resp+"\n")...)
		}
	}
	p.dataCond.Broadcast()
	return len(buf), nil
}

func (p *ScriptedPort) respond(command string) []string {
	var best string
	for prefix := range p.script {
		if strings.HasPrefix(command, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return p.script[best]
	}
	return []string{"ok"}
}

// Close unblocks pending readers.
func (p *ScriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.dataCond.Broadcast()
	return nil
}
