// Package at holds the wire vocabulary of the AT command protocol: line
// terminators, final result codes, the input prompt and helpers to tokenize
// and classify raw modem output.
package at

const (
	// Terminal Control
	CR       = "\r"
	LF       = "\n"
	CRLF     = "\r\n"
	Prompt   = ">"
	Verb     = "AT"
	FieldSep = ","

	// Reply separator between a reply verb and its fields
	ReplySep = ":"

	// Final result codes
	OK       = "OK"
	ERROR    = "ERROR"
	CmeError = "+CME ERROR:"
)

// Kind is the context-free classification of a single line of modem output.
//
// Whether a text line is the reply to the running command, a continuation of
// a multiline reply, an echo or something unexpected depends on the command in
// flight and is decided by the command layer.
type Kind int

const (
	KindText     Kind = iota // anything not matched below
	KindLinefeed             // a bare CRLF
	KindOK                   // final OK
	KindError                // final bare ERROR
	KindCMEError             // +CME ERROR:<code>
	KindPrompt               // ">" input prompt
)

func (k Kind) String() string {
	switch k {
	case KindLinefeed:
		return "linefeed"
	case KindOK:
		return "ok"
	case KindError:
		return "error"
	case KindCMEError:
		return "cme_error"
	case KindPrompt:
		return "prompt"
	default:
		return "text"
	}
}
