package motion

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoPortFound is returned when every candidate serial port has been
// probed without success.
var ErrNoPortFound = errors.New("motion: no usable serial port found")

// ErrClosed is returned for operations on a closed session.
var ErrClosed = errors.New("motion: session closed")

// TimeoutError reports a command that saw neither "ok" nor "error" within
// the bounded wait. It is distinct from ProtocolError: the controller said
// nothing, rather than refusing.
type TimeoutError struct {
	Command string
	Wait    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("motion: no acknowledgment for %q within %s", e.Command, e.Wait)
}

// ProtocolError reports an explicit "error" acknowledgment from the
// controller. The raw response line is preserved for the operator.
type ProtocolError struct {
	Command string
	Line    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("motion: controller rejected %q: %s", e.Command, e.Line)
}
