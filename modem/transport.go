package modem

//go:generate go tool mockgen -destination=mock_transport.go -package=modem . Transport,Dialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to a modem.
//
// A Transport is assumed to be already connected and ready for use. Typical
// implementations include serial ports, pseudo-terminals driven by a
// simulator, or in-memory fakes used for testing.
//
// Read may return 0, nil when no data arrived within the transport's own
// read timeout. The reader loop treats that as a poll boundary.
type Transport interface {
	io.ReadWriteCloser
}

// ClearToSender is implemented by transports with hardware flow control.
// ClearToSend reports whether the modem is ready to accept more bytes.
type ClearToSender interface {
	ClearToSend() (bool, error)
}

// InputResetter is implemented by transports that can discard bytes
// received by the driver but not yet read.
type InputResetter interface {
	ResetInputBuffer() error
}

// Dialer opens a Transport to a modem.
//
// Dialer abstracts how the modem connection is created (for example, via a
// serial port, a simulator or a test double) and is intended to be used
// during modem construction only. Once a Transport is obtained, the Dialer is
// no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// openPort is replaced in tests.
var openPort = serial.Open

// SerialDialer opens a modem over a serial port using go.bug.st/serial.
type SerialDialer struct {
	// PortName is the device path, e.g. /dev/ttyUSB0.
	PortName string
	// BaudRate is used when Mode is nil. Defaults to 115200.
	BaudRate int
	// Mode overrides the default 8N1 mode.
	Mode *serial.Mode
	// FlowControl enables CTS checks before each written chunk. The port
	// itself is opened with RTS asserted.
	FlowControl bool
	// ReadTimeout bounds each read so the reader loop gets regular poll
	// boundaries. Defaults to 100ms.
	ReadTimeout time.Duration
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, errors.New("modem: serial port name is required")
	}
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = 115200
		}
		mode = &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
	}
	if d.FlowControl {
		withRTS := *mode
		withRTS.InitialStatusBits = &serial.ModemOutputBits{RTS: true, DTR: true}
		mode = &withRTS
	}

	port, err := openPort(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("modem: open %s: %w", d.PortName, err)
	}

	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 100 * time.Millisecond
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("modem: set read timeout: %w", err)
	}

	return &serialTransport{Port: port, flowControl: d.FlowControl}, nil
}

// serialTransport adapts a serial.Port to Transport. The embedded port
// already satisfies InputResetter.
type serialTransport struct {
	serial.Port
	flowControl bool
}

var (
	_ ClearToSender = (*serialTransport)(nil)
	_ InputResetter = (*serialTransport)(nil)
)

func (s *serialTransport) ClearToSend() (bool, error) {
	if !s.flowControl {
		return true, nil
	}
	bits, err := s.GetModemStatusBits()
	if err != nil {
		return false, err
	}
	return bits.CTS, nil
}
