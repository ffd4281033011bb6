package modem

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when the Dialer hands back no Transport.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, and by commands issued after Close.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned when Loop is called while another Loop is
	// still reading from the same Modem.
	ErrLoopRunning = errors.New("loop already running")

	// ErrInvalidRequest is returned before anything is written when a Request
	// combines options that cannot work together.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrProtocol is returned when the modem answers a command with a bare
	// ERROR.
	ErrProtocol = errors.New("modem returned ERROR")

	// ErrMissingReply is returned when OK arrives but the reply line the
	// command expected never did.
	//
	// The modem always sends the reply before the final result code, so this
	// usually means the expected prefix does not match the firmware's reply.
	ErrMissingReply = errors.New("OK before expected reply")

	// ErrTimeout is returned when a command does not complete before its
	// deadline.
	ErrTimeout = errors.New("timeout waiting for response")

	// ErrWriteTimeout is returned when the transport does not accept all
	// bytes of a write before the deadline, typically because the modem
	// holds CTS low.
	ErrWriteTimeout = errors.New("timeout writing to transport")
)

// CMEError is the coded failure report "+CME ERROR:<code>".
//
// With verbose reporting enabled (AT+CMEE=2) the modem sends text instead
// of a number. Code is -1 in that case and Text carries the report.
type CMEError struct {
	Code int
	Text string
}

func (e *CMEError) Error() string {
	if e.Code < 0 {
		return "+CME ERROR: " + e.Text
	}
	return fmt.Sprintf("+CME ERROR: %d", e.Code)
}

// CommandError carries the context of a failed command: the command text,
// the correlator flags at the time of failure and the last lines seen.
type CommandError struct {
	Command string
	State   SessionState
	Recent  []Line
	Err     error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command %q: %v (%s)", e.Command, e.Err, e.State)
	if len(e.Recent) > 0 {
		b.WriteString(" recent:")
		for _, l := range e.Recent {
			fmt.Fprintf(&b, " %q", l.Raw)
		}
	}
	return b.String()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ErrorKind tags a failure so that callers can switch on it instead of
// matching error values one by one.
type ErrorKind int

const (
	KindUnknown   ErrorKind = iota
	KindProtocol            // bare ERROR or missing reply
	KindCoded               // +CME ERROR
	KindTimeout             // deadline exceeded
	KindFraming             // malformed binary payload header
	KindTransport           // read or write failure on the transport
	KindInvalid             // rejected before reaching the modem
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindCoded:
		return "coded"
	case KindTimeout:
		return "timeout"
	case KindFraming:
		return "framing"
	case KindTransport:
		return "transport"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// framingError is implemented by errors reporting a malformed payload
// frame, such as framing.FormatError.
type framingError interface {
	FramingError() bool
}

// KindOf classifies err. nil and unrecognised errors are KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var cme *CMEError
	var fe framingError
	switch {
	case errors.As(err, &cme):
		return KindCoded
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrMissingReply):
		return KindProtocol
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrWriteTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &fe) && fe.FramingError():
		return KindFraming
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrNoDialer):
		return KindInvalid
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return KindTransport
	}
	return KindUnknown
}
