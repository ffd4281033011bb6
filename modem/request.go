package modem

import (
	"fmt"
	"strings"
	"time"

	"i4.energy/across/cellmodem/at"
)

// ReplyMode tells the correlator which information response, if any, the
// command produces before its final result code.
type ReplyMode struct {
	exact  bool
	prefix string
}

// NoReply expects nothing but OK.
func NoReply() ReplyMode { return ReplyMode{} }

// ExactReply expects a reply named after the command verb, e.g. "+CCID:"
// for "AT+CCID?".
func ExactReply() ReplyMode { return ReplyMode{exact: true} }

// NamedReply expects a reply with an explicit prefix, for commands whose
// reply verb differs from the command verb.
func NamedReply(prefix string) ReplyMode { return ReplyMode{prefix: prefix} }

func (r ReplyMode) expected() bool {
	return r.exact || r.prefix != ""
}

// prefixFor resolves the reply prefix for cmd. Empty means no reply.
func (r ReplyMode) prefixFor(cmd string) string {
	if r.exact {
		return at.ReplyPrefix(cmd)
	}
	return r.prefix
}

func (r ReplyMode) String() string {
	switch {
	case r.exact:
		return "exact"
	case r.prefix != "":
		return "named(" + r.prefix + ")"
	default:
		return "none"
	}
}

// Request describes one command invocation.
type Request struct {
	// Command is the command text without terminator, e.g. "AT+CCID?".
	Command string
	// Reply selects the expected information response.
	Reply ReplyMode
	// Multiline captures every line from the reply up to OK.
	Multiline bool
	// OutputPath streams a multiline capture into this file instead of
	// memory.
	OutputPath string
	// Input is written once the modem shows the ">" prompt.
	Input []byte
	// Timeout bounds the whole exchange. Zero uses the configured default.
	Timeout time.Duration
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.Command) == "":
		return fmt.Errorf("%w: empty command", ErrInvalidRequest)
	case r.Multiline && !r.Reply.expected():
		return fmt.Errorf("%w: multiline reply requires an expected reply", ErrInvalidRequest)
	case r.OutputPath != "" && !r.Multiline:
		return fmt.Errorf("%w: output path requires a multiline reply", ErrInvalidRequest)
	case r.Timeout < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidRequest)
	}
	return nil
}

// text is the command without trailing terminators.
func (r Request) text() string {
	return strings.TrimRight(r.Command, at.CRLF)
}

func (r Request) wire() []byte {
	return []byte(r.text() + at.CRLF)
}

// Reply is the outcome of a completed command.
type Reply struct {
	// Fields are the comma separated fields of the first reply line.
	Fields []string
	// Lines holds the raw multiline capture, reply line included, when it
	// was kept in memory.
	Lines [][]byte
	// Path is the finalized capture file when Request.OutputPath was set.
	Path string
}

// Field returns field i or "" when the reply has fewer fields.
func (r *Reply) Field(i int) string {
	if r == nil || i < 0 || i >= len(r.Fields) {
		return ""
	}
	return r.Fields[i]
}
