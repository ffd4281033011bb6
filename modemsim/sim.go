// Package modemsim simulates a SARA-R5 module on a pseudo-terminal. The
// engine talks to the terminal side exactly as it would to a serial port,
// while the simulator answers on the controlling side from a small command
// table backed by an in-memory filesystem.
package modemsim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"i4.energy/across/cellmodem/modem"
)

// Capacity is the size of the simulated filesystem.
const Capacity = 1 << 20

const closeTimeout = time.Second

// Simulator is a scripted modem behind a pty pair.
type Simulator struct {
	// ptmx is the controlling side the simulator reads commands from
	ptmx *os.File
	// tty is handed to the engine by Dial
	tty *os.File

	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	dialed   bool
	echo     bool
	iccid    string
	imei     string
	model    string
	ceregN   int
	stat     int
	cscon    bool
	files    map[string][]byte
	scripted map[string][]string
	received []string

	closeOnce sync.Once
	done      chan struct{}
}

// Option customizes a Simulator.
type Option func(*Simulator)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIdentity sets the ICCID, IMEI and model the simulator reports.
func WithIdentity(iccid, imei, model string) Option {
	return func(s *Simulator) {
		s.iccid, s.imei, s.model = iccid, imei, model
	}
}

// WithFile preloads a file into the simulated filesystem.
func WithFile(name string, data []byte) Option {
	return func(s *Simulator) {
		s.files[name] = append([]byte(nil), data...)
	}
}

// New opens the pty pair, puts the terminal side into raw mode so bytes
// pass unchanged, and starts answering commands.
func New(opts ...Option) (*Simulator, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}

	if err := makeRaw(tty); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, fmt.Errorf("raw mode: %w", err)
	}

	s := &Simulator{
		ptmx:     ptmx,
		tty:      tty,
		logger:   slog.New(slog.DiscardHandler),
		iccid:    "8944500601200212345",
		imei:     "351234567890123",
		model:    "SARA-R520-02B",
		stat:     1,
		files:    make(map[string][]byte),
		scripted: make(map[string][]string),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.serve()
	return s, nil
}

// makeRaw switches tty to raw mode without taking the descriptor out of
// the runtime poller, so closing it still interrupts a pending read.
func makeRaw(tty *os.File) error {
	rc, err := tty.SyscallConn()
	if err != nil {
		return err
	}
	var rawErr error
	if err := rc.Control(func(fd uintptr) {
		_, rawErr = term.MakeRaw(int(fd))
	}); err != nil {
		return err
	}
	return rawErr
}

// Name is the device path of the terminal side.
func (s *Simulator) Name() string {
	return s.tty.Name()
}

// Dial hands out the terminal side. It implements modem.Dialer and can be
// used once.
func (s *Simulator) Dial(ctx context.Context) (modem.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialed {
		return nil, errors.New("modemsim: already dialed")
	}
	s.dialed = true
	return s.tty, nil
}

// Script overrides the answer to cmd. Each answer is written verbatim and
// used once, the last one repeats. An empty answer leaves the command
// unanswered.
func (s *Simulator) Script(cmd string, answers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted[cmd] = append(s.scripted[cmd], answers...)
}

// Received returns the commands seen so far.
func (s *Simulator) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Emit sends an unsolicited line such as "+CSCON: 1".
func (s *Simulator) Emit(line string) error {
	return s.write([]byte("\r\n" + line + "\r\n"))
}

// SetRegistration changes the registration status and reports it the
// way the module does for AT+CEREG=1.
func (s *Simulator) SetRegistration(stat int) error {
	s.mu.Lock()
	s.stat = stat
	n := s.ceregN
	s.mu.Unlock()
	if n == 0 {
		return nil
	}
	return s.Emit(fmt.Sprintf("+CEREG: %d", stat))
}

// SetSignalling changes the RRC connection state and reports it as +CSCON.
func (s *Simulator) SetSignalling(connected bool) error {
	s.mu.Lock()
	s.cscon = connected
	s.mu.Unlock()
	return s.Emit(fmt.Sprintf("+CSCON: %d", boolInt(connected)))
}

// File returns a copy of a file in the simulated filesystem.
func (s *Simulator) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return append([]byte(nil), data...), ok
}

// Close stops the simulator. The terminal side is closed as well, which
// ends the engine's reader loop if it is still running.
func (s *Simulator) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ptmx.Close()
		s.tty.Close()
		select {
		case <-s.done:
		case <-time.After(closeTimeout):
			s.logger.Warn("Simulator did not stop in time")
		}
	})
	return err
}

func (s *Simulator) write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.ptmx.Write(p)
	return err
}

func (s *Simulator) serve() {
	defer close(s.done)

	r := bufio.NewReader(s.ptmx)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Debug("Simulator stopped", "error", err)
			}
			return
		}
		cmd := trimCommand(line)
		if cmd == "" {
			continue
		}

		s.logger.Debug("Simulator received", "command", cmd)
		if err := s.handle(r, cmd); err != nil {
			s.logger.Debug("Simulator stopped", "error", err)
			return
		}
	}
}
