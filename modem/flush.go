package modem

import (
	"context"
	"fmt"
	"time"
)

// RequestBufferFlush asks the reader loop to discard everything received
// so far: queued lines, the buffered linefeed, partially read bytes and the
// driver's input buffer when the transport can reset it. The flush happens
// at the start of the loop's next iteration.
func (m *Modem) RequestBufferFlush() {
	m.flushRequested.Store(true)
	m.signalLoop()
}

// AwaitFlushComplete waits until the reader loop has performed the
// requested flush.
func (m *Modem) AwaitFlushComplete(ctx context.Context) error {
	if !m.flushRequested.Load() {
		return nil
	}

	ticker := time.NewTicker(m.config.flushPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("buffer flush not completed: %w", ctx.Err())
		case <-m.done:
			return ErrAlreadyClosed
		case <-ticker.C:
			if !m.flushRequested.Load() {
				return nil
			}
		}
	}
}

// ResetInputBuffers flushes the input side and returns once stale data is
// gone. Used after a power cycle and before resynchronising with the modem.
func (m *Modem) ResetInputBuffers(ctx context.Context) error {
	m.RequestBufferFlush()
	if err := m.AwaitFlushComplete(ctx); err != nil {
		return err
	}
	if n := m.fifo.clear(); n > 0 {
		m.logger.Debug("Dropped lines queued during flush", "count", n)
	}
	return nil
}

// flush runs on the reader loop.
func (m *Modem) flush(state *readerState) {
	dropped := m.fifo.clear()
	state.pending = nil
	state.flushedAt = time.Now()
	m.lines.reset()

	if r, ok := m.transport.(InputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			m.logger.Warn("Failed to reset transport input buffer", "error", err)
		}
	}

	m.flushRequested.Store(false)
	m.metrics.flushed()
	m.logger.Debug("Input buffers flushed", "dropped", dropped)
}
