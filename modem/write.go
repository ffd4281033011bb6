package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// maxLoggedBytes truncates transport traffic in debug logs.
const maxLoggedBytes = 1024

// wire formats raw transport bytes for logs.
type wire []byte

func (w wire) LogValue() slog.Value {
	if len(w) > maxLoggedBytes {
		return slog.StringValue(strconv.Quote(string(w[:maxLoggedBytes])) + fmt.Sprintf("...(%d bytes)", len(w)))
	}
	return slog.StringValue(strconv.Quote(string(w)))
}

// write sends data in chunks of at most writeChunkSize bytes. With
// hardware flow control each chunk waits for CTS. All waiting is bounded by
// deadline. write returns the time the last byte was handed over.
func (m *Modem) write(ctx context.Context, deadline time.Time, data []byte) (time.Time, error) {
	cts, _ := m.transport.(ClearToSender)

	for off := 0; off < len(data); {
		if cts != nil {
			if err := m.awaitClearToSend(ctx, deadline, cts); err != nil {
				return time.Time{}, err
			}
		}

		end := min(off+m.config.writeChunkSize, len(data))
		n, err := m.writeChunk(ctx, deadline, data[off:end])
		off += n
		if errors.Is(err, ErrWriteTimeout) {
			return time.Time{}, fmt.Errorf("%w: %d of %d bytes written", err, off, len(data))
		}
		if err != nil {
			return time.Time{}, err
		}

		if off < len(data) && !time.Now().Before(deadline) {
			return time.Time{}, fmt.Errorf("%w: %d of %d bytes written", ErrWriteTimeout, off, len(data))
		}
	}

	m.logger.Debug("tx", "data", wire(data))
	return time.Now(), nil
}

type writeResult struct {
	n   int
	err error
}

// writeChunk runs one transport write and waits for it no longer than
// deadline. A write that is still blocked when writeChunk gives up holds
// m.writing until it returns, so later writes cannot interleave with it.
func (m *Modem) writeChunk(ctx context.Context, deadline time.Time, p []byte) (int, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case m.writing <- struct{}{}:
	case <-timer.C:
		return 0, fmt.Errorf("%w: previous write still blocked", ErrWriteTimeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.done:
		return 0, ErrAlreadyClosed
	}

	p = bytes.Clone(p)
	result := make(chan writeResult, 1)
	go func() {
		defer func() { <-m.writing }()
		n, err := m.transport.Write(p)
		result <- writeResult{n: n, err: err}
	}()

	select {
	case res := <-result:
		if res.err != nil {
			return res.n, fmt.Errorf("write transport: %w", res.err)
		}
		return res.n, nil
	case <-timer.C:
		m.logger.Warn("Transport write blocked past the deadline", "bytes", len(p))
		return 0, ErrWriteTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.done:
		return 0, ErrAlreadyClosed
	}
}

func (m *Modem) awaitClearToSend(ctx context.Context, deadline time.Time, cts ClearToSender) error {
	for {
		ready, err := cts.ClearToSend()
		if err != nil {
			return fmt.Errorf("read CTS: %w", err)
		}
		if ready {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: CTS not asserted", ErrWriteTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.config.ctsPollInterval):
		}
	}
}
