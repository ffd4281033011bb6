package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"i4.energy/across/cellmodem/at"
)

const (
	readChunkSize = 4096
	// maxPartialLine bounds how many unterminated bytes are held back. A
	// binary payload without line breaks is handed on in pieces of this size.
	maxPartialLine = 64 * 1024
)

// lineBuffer tokenizes transport input with at.Splitter. It belongs to
// Loop, so a flush drops partially received lines at once.
type lineBuffer struct {
	buf []byte
}

func (b *lineBuffer) feed(p []byte) {
	b.buf = append(b.buf, p...)
}

// next returns the next complete token, or nil when more input is needed.
func (b *lineBuffer) next() []byte {
	for len(b.buf) > 0 {
		advance, token, _ := at.Splitter(b.buf, false)
		if advance == 0 {
			break
		}
		line := bytes.Clone(token)
		b.buf = append(b.buf[:0], b.buf[advance:]...)
		if len(line) > 0 {
			return line
		}
	}
	if len(b.buf) >= maxPartialLine {
		line := bytes.Clone(b.buf)
		b.reset()
		return line
	}
	return nil
}

// drain returns what is left once no more input will arrive.
func (b *lineBuffer) drain() [][]byte {
	var lines [][]byte
	for len(b.buf) > 0 {
		advance, token, _ := at.Splitter(b.buf, true)
		if advance == 0 {
			advance = len(b.buf)
			token = b.buf
		}
		if len(token) > 0 {
			lines = append(lines, bytes.Clone(token))
		}
		b.buf = append(b.buf[:0], b.buf[advance:]...)
	}
	return lines
}

func (b *lineBuffer) reset() {
	b.buf = b.buf[:0]
}

// chunk is one transport read.
type chunk struct {
	data []byte
	at   time.Time
	err  error
}

// readerState is owned by Loop.
type readerState struct {
	// pending is the linefeed look-ahead buffer
	pending *Line
	// flushedAt drops input read before the last flush
	flushedAt time.Time
}

// Loop is the reader loop. It must run in its own goroutine for as long as
// the modem is used, and it is the only code that reads from the transport.
//
// Every line is classified: unsolicited notifications go straight to their
// handler, everything else is queued for the command in flight. A bare
// linefeed is held back until the next line shows whether it belongs to a
// notification.
//
// The transport is read by a single goroutine that lives as long as the
// modem, so Loop may be restarted after ctx is done without losing input.
//
// Loop returns io.EOF when the transport is closed, ctx.Err() when ctx is
// done and ErrLoopRunning if another Loop is active.
//
// Usage:
//
//	m, err := modem.New(ctx, config)
//	if err != nil { return err }
//	m.RegisterNotification("+CEREG", onRegistration)
//
//	go m.Loop(ctx)
//
//	reply, err := m.SendCommand(ctx, modem.Request{Command: "AT+CCID?", Reply: modem.ExactReply()})
func (m *Modem) Loop(ctx context.Context) error {
	if !m.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.loopRunning.Store(false)

	m.readOnce.Do(func() { go m.readChunks() })

	state := &readerState{}
	for {
		if m.flushRequested.Load() {
			m.flush(state)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-m.done:
			return io.EOF

		case <-m.wake:

		case c := <-m.chunks:
			if len(c.data) > 0 && !c.at.Before(state.flushedAt) {
				m.lines.feed(c.data)
				for raw := m.lines.next(); raw != nil; raw = m.lines.next() {
					m.route(state, Line{Raw: raw, At: c.at})
				}
			}
			if c.err != nil {
				if errors.Is(c.err, io.EOF) || m.closed.Load() {
					for _, raw := range m.lines.drain() {
						m.route(state, Line{Raw: raw, At: c.at})
					}
					return io.EOF
				}
				return fmt.Errorf("read transport: %w", c.err)
			}
		}
	}
}

// readChunks reads the transport until a read fails or the modem is
// closed. Reads that return no data are skipped.
func (m *Modem) readChunks() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := m.transport.Read(buf)
		if n == 0 && err == nil {
			if m.closed.Load() {
				return
			}
			continue
		}

		c := chunk{at: time.Now(), err: err}
		if n > 0 {
			c.data = bytes.Clone(buf[:n])
		}
		select {
		case m.chunks <- c:
		case <-m.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// route applies the reader loop's classification to one line.
func (m *Modem) route(state *readerState, line Line) {
	if !m.binaryTransfer.Load() {
		m.logger.Debug("rx", "data", wire(line.Raw))
	}

	if at.IsLinefeed(line.Raw) {
		if state.pending != nil {
			// Resynchronise: the first linefeed is passed on, the second
			// becomes the look-ahead.
			m.logger.Warn("Two linefeeds received in a row")
			m.metrics.anomaly("double_linefeed")
			m.enqueue(*state.pending, "linefeed")
		}
		state.pending = &line
		return
	}

	if !utf8.Valid(line.Raw) {
		if !m.binaryTransfer.Load() {
			m.warnBadData.Do(func() {
				m.logger.Warn("Received non UTF-8 data", "data", wire(line.Raw))
			})
			m.metrics.anomaly("invalid_utf8")
		}
		m.forward(state, line, "binary")
		return
	}

	if n, payload, ok := m.lookupNotification(line.Raw); ok {
		if state.pending == nil {
			// Seen right after power-on, before the first linefeed.
			m.logger.Warn("Notification received before linefeed", "prefix", n.Prefix)
			m.metrics.anomaly("notification_before_linefeed")
			state.pending = &Line{Raw: []byte(at.CRLF), At: line.At}
		}

		if isSolicitedReply(n, payload) {
			m.forward(state, line, "reply")
			return
		}

		state.pending = nil
		m.metrics.lineRouted("notification")
		m.dispatch(n, payload)
		return
	}

	m.forward(state, line, "response")
}

// forward queues line, preceded by the buffered linefeed if there is one.
func (m *Modem) forward(state *readerState, line Line, route string) {
	if state.pending != nil {
		m.enqueue(*state.pending, "linefeed")
		state.pending = nil
	}
	m.enqueue(line, route)
}

func (m *Modem) enqueue(line Line, route string) {
	m.metrics.lineRouted(route)
	m.fifo.push(line)
}
