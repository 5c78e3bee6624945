package motion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/colorcam/plate.report/internal/timeutil"
)

// Connector probes for the stage controller and establishes a session.
type Connector struct {
	Opts     PortOptions
	Open     Opener
	List     Lister
	Clock    timeutil.Clock
	Cfg      Config
	Attempts int
	Backoff  time.Duration
}

func (c Connector) withDefaults() Connector {
	if c.Open == nil {
		c.Open = OpenSerial
	}
	if c.List == nil {
		c.List = ListSerialPorts
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	return c
}

// FindPort scans candidate device paths and returns the first one that can
// actually be opened. A successful probe open is immediately closed; the
// caller reopens through Connect so the session owns the handle.
func (c Connector) FindPort() (string, error) {
	c = c.withDefaults()
	names, err := c.List()
	if err != nil {
		return "", fmt.Errorf("motion: list ports: %w", err)
	}
	candidates := CandidatePorts(names)
	if len(candidates) == 0 {
		return "", ErrNoPortFound
	}
	for _, name := range candidates {
		port, err := c.Open(name, c.Opts)
		if err != nil {
			log.Printf("motion: probe %s: %v", name, err)
			continue
		}
		_ = port.Close()
		return name, nil
	}
	return "", ErrNoPortFound
}

// Connect opens the named port (or probes for one when name is empty) and
// returns a live session. Each attempt gets a fresh open; attempts are
// bounded and separated by a fixed backoff.
func (c Connector) Connect(ctx context.Context, name string) (*Session, error) {
	c = c.withDefaults()
	var lastErr error
	for attempt := 1; attempt <= c.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := name
		if target == "" {
			found, err := c.FindPort()
			if err != nil {
				lastErr = err
				c.sleep(ctx)
				continue
			}
			target = found
		}
		port, err := c.Open(target, c.Opts)
		if err != nil {
			lastErr = fmt.Errorf("motion: open %s: %w", target, err)
			log.Printf("motion: connect attempt %d/%d: %v", attempt, c.Attempts, lastErr)
			c.sleep(ctx)
			continue
		}
		return NewSession(port, c.Clock, c.Cfg), nil
	}
	if lastErr == nil {
		lastErr = ErrNoPortFound
	}
	return nil, lastErr
}

func (c Connector) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-c.Clock.After(c.Backoff):
	}
}
