package modem

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// TestTransport is a test helper that simulates a serial transport using channels.
// Reads wait briefly for queued data and return 0, nil when none arrives, the
// way a serial port with a read timeout does.
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	closed   bool
	written  [][]byte
	// OnWrite, when set, is called with every write. It typically answers
	// through SendData.
	OnWrite func(p []byte)
	// ReadTimeout is how long Read waits for data, 10ms when zero. Set it
	// before the loop starts.
	ReadTimeout time.Duration

	cts    atomic.Bool
	resets atomic.Int32
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	t := &TestTransport{
		readChan: make(chan []byte, 64),
	}
	t.cts.Store(true)
	return t
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	t.written = append(t.written, append([]byte(nil), p...))
	onWrite := t.OnWrite
	t.mu.Unlock()

	if onWrite != nil {
		onWrite(p)
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	select {
	case data, ok := <-t.readChan:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, data), nil
	case <-time.After(t.readTimeout()):
		return 0, nil
	}
}

func (t *TestTransport) readTimeout() time.Duration {
	if t.ReadTimeout > 0 {
		return t.ReadTimeout
	}
	return 10 * time.Millisecond
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Written returns everything written so far, one entry per Write call.
func (t *TestTransport) Written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.written...)
}

// SetClearToSend sets the simulated CTS line.
func (t *TestTransport) SetClearToSend(ready bool) {
	t.cts.Store(ready)
}

func (t *TestTransport) ClearToSend() (bool, error) {
	return t.cts.Load(), nil
}

func (t *TestTransport) ResetInputBuffer() error {
	t.resets.Add(1)
	return nil
}

// InputResets reports how often ResetInputBuffer was called.
func (t *TestTransport) InputResets() int {
	return int(t.resets.Load())
}

// TransportDialer hands out a fixed Transport.
type TransportDialer struct {
	Transport Transport
}

func (d TransportDialer) Dial(_ context.Context) (Transport, error) {
	return d.Transport, nil
}
