package modem

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"i4.energy/across/cellmodem/at"
)

// staleSkew is how far before the command write a line may have been read
// before it is reported as stale.
const staleSkew = 20 * time.Millisecond

// SessionState holds the correlator flags of the command in flight.
type SessionState struct {
	SawLinefeed  bool
	SawReply     bool
	SawOK        bool
	InputPending bool
}

func (s SessionState) String() string {
	return fmt.Sprintf("saw_linefeed=%t saw_reply=%t saw_ok=%t input_pending=%t",
		s.SawLinefeed, s.SawReply, s.SawOK, s.InputPending)
}

func (s SessionState) complete() bool {
	return s.SawOK && s.SawReply && !s.InputPending
}

// captureSink receives the lines of a multiline reply.
type captureSink interface {
	write(p []byte) error
	close() error
}

type memorySink struct {
	lines [][]byte
}

func (s *memorySink) write(p []byte) error {
	s.lines = append(s.lines, p)
	return nil
}

func (s *memorySink) close() error { return nil }

type fileSink struct {
	f *os.File
	w *bufio.Writer
}

func newFileSink(path string) (*fileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

func (s *fileSink) write(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

func (s *fileSink) close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// session correlates the lines of one command.
type session struct {
	m        *Modem
	req      Request
	command  string
	prefix   []byte
	state    SessionState
	deadline time.Time
	sentAt   time.Time
	// linefeed is the raw linefeed behind SawLinefeed
	linefeed []byte
	fields   []string
	sink     captureSink
	recent   *history
	logger   *slog.Logger
}

// SendCommand writes req.Command and correlates the modem's output with
// it until the command completes, fails or times out.
//
// A command is complete once OK was seen, the expected reply (if any) was
// matched and any input payload was written after the ">" prompt. ERROR
// and +CME ERROR end the command at once. Notifications interleaved with
// the reply never reach the correlator.
//
// The whole exchange is bounded by one deadline: the earlier of the
// request timeout and the deadline of ctx. Concurrent calls are serialized.
// Failures are returned as *CommandError; the core never retries.
func (m *Modem) SendCommand(ctx context.Context, req Request) (*Reply, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if m.closed.Load() {
		return nil, ErrAlreadyClosed
	}

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	start := time.Now()
	timeout := req.Timeout
	if timeout == 0 {
		timeout = m.config.atTimeout
	}
	deadline := start.Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s := &session{
		m:        m,
		req:      req,
		command:  req.text(),
		prefix:   []byte(req.Reply.prefixFor(req.Command)),
		deadline: deadline,
		recent:   newHistory(m.config.historySize),
		logger:   m.logger.With("command", req.text()),
	}
	s.state.SawReply = !req.Reply.expected()
	s.state.InputPending = req.Input != nil

	reply, err := s.run(ctx)
	m.metrics.commandDone(err, time.Since(start))
	return reply, err
}

func (s *session) run(ctx context.Context) (*Reply, error) {
	if s.req.Multiline {
		if s.req.OutputPath != "" {
			sink, err := newFileSink(s.req.OutputPath)
			if err != nil {
				return nil, s.fail(fmt.Errorf("open output: %w", err))
			}
			s.sink = sink
		} else {
			s.sink = &memorySink{}
		}
	}
	closed := false
	defer func() {
		if s.sink != nil && !closed {
			s.sink.close()
		}
	}()

	sentAt, err := s.m.write(ctx, s.deadline, s.req.wire())
	if err != nil {
		return nil, s.fail(err)
	}
	s.sentAt = sentAt
	if s.req.Input != nil {
		s.logger.Debug("Command with input data", "remaining", time.Until(s.deadline))
	}

	for !s.state.complete() {
		line, ok, err := s.m.fifo.pop(ctx, s.deadline)
		if err != nil {
			return nil, s.fail(err)
		}
		if !ok {
			s.logger.Error("Timeout waiting for response", "state", s.state.String())
			return nil, s.fail(ErrTimeout)
		}
		s.recent.add(line)
		if err := s.apply(ctx, line); err != nil {
			return nil, s.fail(err)
		}
	}

	reply := &Reply{Fields: s.fields}
	if s.sink != nil {
		closed = true
		if err := s.sink.close(); err != nil {
			return nil, s.fail(fmt.Errorf("finalize output: %w", err))
		}
		switch sink := s.sink.(type) {
		case *memorySink:
			reply.Lines = sink.lines
		case *fileSink:
			reply.Path = s.req.OutputPath
		}
	}
	return reply, nil
}

// apply classifies one line in the context of the command and updates the
// session. A non-nil error ends the command.
func (s *session) apply(ctx context.Context, line Line) error {
	if line.At.Add(staleSkew).Before(s.sentAt) {
		s.logger.Debug("Line read before command was sent", "line", wire(line.Raw), "read_at", line.At, "sent_at", s.sentAt)
	}

	kind := at.Classify(line.Raw)
	switch {
	case kind == at.KindLinefeed:
		if s.state.SawOK {
			s.anomaly("linefeed_after_ok", "Got linefeed after OK")
		}
		if s.state.SawLinefeed {
			s.anomaly("double_linefeed", "Got consecutive linefeeds")
			if s.capturing() {
				if err := s.capture(s.linefeed); err != nil {
					return err
				}
			}
		}
		s.state.SawLinefeed = true
		s.linefeed = line.Raw

	case kind == at.KindOK:
		if !s.state.SawLinefeed {
			s.anomaly("ok_before_linefeed", "Got OK before linefeed")
		}
		s.state.SawOK = true
		s.state.SawLinefeed = false
		if !s.state.SawReply {
			return ErrMissingReply
		}

	case kind == at.KindError:
		s.state.SawLinefeed = false
		return ErrProtocol

	case kind == at.KindCMEError:
		s.state.SawLinefeed = false
		code, text := at.CMECode(line.Raw)
		return &CMEError{Code: code, Text: text}

	case len(s.prefix) > 0 && bytes.HasPrefix(line.Raw, s.prefix):
		if !s.state.SawLinefeed {
			s.anomaly("reply_before_linefeed", "Got reply before linefeed")
		}
		if s.capturing() && s.state.SawLinefeed {
			// payload line that happens to start with the prefix
			if err := s.capture(s.linefeed); err != nil {
				return err
			}
		}
		s.state.SawLinefeed = false
		if s.state.SawReply && !s.req.Multiline {
			s.logger.Warn("Got unexpected repeated reply", "line", wire(line.Raw))
			return nil
		}
		if !s.state.SawReply {
			s.fields = at.Fields(line.Raw, string(s.prefix))
		}
		s.state.SawReply = true
		if s.req.Multiline {
			return s.capture(line.Raw)
		}

	case s.capturing():
		// Continuation payloads may contain blank lines.
		if s.state.SawLinefeed {
			if err := s.capture(s.linefeed); err != nil {
				return err
			}
			s.state.SawLinefeed = false
		}
		return s.capture(line.Raw)

	case bytes.HasPrefix(line.Raw, []byte(s.command)):
		// echo

	case kind == at.KindPrompt && s.state.InputPending:
		if !s.state.SawLinefeed {
			s.logger.Debug("Got prompt before linefeed")
		}
		s.state.SawLinefeed = false
		if _, err := s.m.write(ctx, s.deadline, s.req.Input); err != nil {
			return fmt.Errorf("write input: %w", err)
		}
		s.state.InputPending = false

	default:
		s.logger.Warn("Got unexpected line", "line", wire(line.Raw))
	}
	return nil
}

// capturing reports whether continuation lines belong to the capture.
func (s *session) capturing() bool {
	return s.req.Multiline && s.state.SawReply && !s.state.SawOK
}

func (s *session) capture(p []byte) error {
	if err := s.sink.write(p); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func (s *session) anomaly(kind, msg string) {
	s.logger.Warn(msg, "state", s.state.String())
	s.m.metrics.anomaly(kind)
}

func (s *session) fail(err error) error {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return err
	}
	return &CommandError{
		Command: s.command,
		State:   s.state,
		Recent:  s.recent.lines(),
		Err:     err,
	}
}
