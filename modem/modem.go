package modem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Modem is the AT command protocol engine of a cellular modem.
//
// One goroutine runs Loop for the lifetime of the connection. It is the only
// reader of the transport: notifications are dispatched inline to their
// handlers and every other line is queued for the command in flight.
// Commands are issued with SendCommand, one at a time.
type Modem struct {
	// transport provides the physical connection to the modem
	transport Transport
	// config contains the engine settings
	config  Config
	logger  *slog.Logger
	metrics *Metrics

	// fifo carries lines from Loop to SendCommand
	fifo *lineQueue
	// notifications is the dispatch table, keyed by the text before ":"
	notifications map[string]*Notification

	// cmdMu serializes SendCommand
	cmdMu sync.Mutex

	closed         atomic.Bool
	loopRunning    atomic.Bool
	binaryTransfer atomic.Bool
	flushRequested atomic.Bool
	// readOnce starts the read goroutine on the first Loop
	readOnce sync.Once
	// chunks carries transport reads to Loop
	chunks chan chunk
	// lines holds bytes not yet tokenized, owned by Loop
	lines lineBuffer
	// writing is held while a transport write is in progress
	writing chan struct{}
	// wake interrupts Loop's wait for the next line
	wake chan struct{}
	// done is closed by Close
	done chan struct{}

	// warnBadData throttles warnings about non UTF-8 lines
	warnBadData rate.Sometimes
}

// New creates a new Modem with the given configuration and opens its
// transport. Register notifications, then start Loop before issuing
// commands.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	return &Modem{
		transport:     transport,
		config:        config,
		logger:        config.logger,
		metrics:       newMetrics(config.registerer),
		fifo:          newLineQueue(),
		notifications: make(map[string]*Notification),
		chunks:        make(chan chunk),
		writing:       make(chan struct{}, 1),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		warnBadData:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}, nil
}

// SetBinaryTransfer marks a large binary transfer as in progress. While set,
// lines that are not valid UTF-8 are expected and not logged.
func (m *Modem) SetBinaryTransfer(on bool) {
	m.binaryTransfer.Store(on)
}

// Close shuts down the modem and releases all resources.
// Closing the transport ends a running Loop. After calling Close(), the
// modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	close(m.done)

	if err := m.transport.Close(); err != nil {
		return err
	}
	return nil
}

func (m *Modem) String() string {
	return fmt.Sprintf("Modem{loop=%t binary=%t queued=%d}",
		m.loopRunning.Load(), m.binaryTransfer.Load(), m.fifo.len())
}

func (m *Modem) signalLoop() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
