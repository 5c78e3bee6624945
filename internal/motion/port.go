package motion

import (
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"
)

// Porter is the minimal surface the session needs from a serial port. The
// abstraction enables protocol tests without real stage hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// PortOptions describes the serial connection parameters for the stage
// controller link.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies controller defaults for any
// unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	if parity == "" {
		parity = "N"
	}
	switch parity {
	case "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	opts.Parity = parity

	return opts, nil
}

// SerialMode converts the options into the serial.Mode structure required
// by go.bug.st/serial when opening a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.StopBits(opts.StopBits),
	}
	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", opts.Parity)
	}

	return mode, nil
}

// Opener opens a serial port at the given path. Injected so connection
// logic can be tested without hardware.
type Opener func(path string, opts PortOptions) (Porter, error)

// OpenSerial is the production Opener backed by go.bug.st/serial.
func OpenSerial(path string, opts PortOptions) (Porter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}

// excludedPort reports whether a device path is a console, GPIO UART, or
// bluetooth endpoint that is never the stage controller.
func excludedPort(path string) bool {
	lower := strings.ToLower(path)
	for _, excluded := range []string{"ttyama0", "ttys0", "bluetooth"} {
		if strings.Contains(lower, excluded) {
			return true
		}
	}
	return false
}

// likelyStagePort reports whether a device path looks like a USB serial
// adapter.
func likelyStagePort(path string) bool {
	lower := strings.ToLower(path)
	for _, hint := range []string{"ttyusb", "ttyacm", "usbserial", "usbmodem"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// Lister enumerates serial device paths on the host. Injected so port
// selection can be tested without hardware.
type Lister func() ([]string, error)

// ListSerialPorts is the production Lister backed by go.bug.st/serial.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// CandidatePorts orders device paths for probing, USB-style adapters first.
// Devices with no USB hint are kept as a fallback tail so an unusual adapter
// name still gets probed; console and bluetooth devices are dropped.
func CandidatePorts(all []string) []string {
	var preferred, fallback []string
	for _, p := range all {
		switch {
		case excludedPort(p):
		case likelyStagePort(p):
			preferred = append(preferred, p)
		default:
			fallback = append(fallback, p)
		}
	}
	return append(preferred, fallback...)
}
