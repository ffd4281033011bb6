package sara

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/cellmodem/modem"
)

// responder answers commands written to a TestTransport from a script.
type responder struct {
	tr *modem.TestTransport

	mu       sync.Mutex
	replies  map[string][]string
	commands []string
	uploads  map[string]upload
	// input is set while the script waits for an upload payload
	input    *[]byte
	inputLen int
}

type upload struct {
	dst *[]byte
	n   int
}

func newResponder(tr *modem.TestTransport) *responder {
	r := &responder{tr: tr, replies: make(map[string][]string), uploads: make(map[string]upload)}
	tr.OnWrite = r.onWrite
	return r
}

// on queues reply for the next occurrence of cmd. Replies for the same
// command are used in order; the last one repeats.
func (r *responder) on(cmd string, reply ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[cmd] = append(r.replies[cmd], reply...)
}

func (r *responder) onWrite(p []byte) {
	r.mu.Lock()
	if r.input != nil {
		*r.input = append(*r.input, p...)
		done := len(*r.input) >= r.inputLen
		if done {
			r.input = nil
		}
		r.mu.Unlock()
		if done {
			r.tr.SendData("\r\nOK\r\n")
		}
		return
	}

	cmd := strings.TrimRight(string(p), "\r\n")
	r.commands = append(r.commands, cmd)
	if u, ok := r.uploads[cmd]; ok {
		r.input, r.inputLen = u.dst, u.n
	}
	queue := r.replies[cmd]
	var reply string
	switch len(queue) {
	case 0:
		reply = ""
	case 1:
		reply = queue[0]
	default:
		reply = queue[0]
		r.replies[cmd] = queue[1:]
	}
	r.mu.Unlock()

	if reply != "" {
		r.tr.SendData(reply)
	}
}

// onUpload answers cmd with the input prompt and collects the next n
// written bytes into dst before answering OK.
func (r *responder) onUpload(cmd string, dst *[]byte, n int) {
	r.mu.Lock()
	r.uploads[cmd] = upload{dst: dst, n: n}
	r.mu.Unlock()
	r.on(cmd, "\r\n>")
}

func (r *responder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// newTestModule wires a Module to a running engine over a TestTransport.
func newTestModule(t *testing.T, cfg Config) (*Module, *responder, *modem.TestTransport) {
	t.Helper()

	tr := modem.NewTestTransport()
	config, err := modem.NewConfigBuilder().
		WithDialer(modem.TransportDialer{Transport: tr}).
		WithATTimeout(2 * time.Second).
		WithFlushPollInterval(time.Millisecond).
		Build()
	require.NoError(t, err)

	m, err := modem.New(context.Background(), config)
	require.NoError(t, err)

	mod, err := New(m, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Loop(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		m.Close()
		<-done
	})

	return mod, newResponder(tr), tr
}

const ok = "\r\nOK\r\n"

func TestNewRegistersNotifications(t *testing.T) {
	t.Run("Nil modem", func(t *testing.T) {
		_, err := New(nil, Config{})
		assert.ErrorIs(t, err, modem.ErrNotInitialized)
	})

	t.Run("Second module on the same engine", func(t *testing.T) {
		tr := modem.NewTestTransport()
		config, err := modem.NewConfigBuilder().WithDialer(modem.TransportDialer{Transport: tr}).Build()
		require.NoError(t, err)
		m, err := modem.New(context.Background(), config)
		require.NoError(t, err)
		defer m.Close()

		_, err = New(m, Config{})
		require.NoError(t, err)
		_, err = New(m, Config{})
		assert.Error(t, err)
	})
}

func TestInit(t *testing.T) {
	cfg := Config{SettleDelay: time.Millisecond, InitAttempts: 3}

	t.Run("Configures the module once it answers", func(t *testing.T) {
		mod, r, tr := newTestModule(t, cfg)
		for _, cmd := range []string{"AT", "AT+UPSV=0", "ATE0", "AT+CMEE=2"} {
			r.on(cmd, ok)
		}

		require.NoError(t, mod.Init(context.Background()))
		assert.Equal(t, []string{"AT", "AT+UPSV=0", "ATE0", "ATE0", "AT+UPSV=0", "AT+CMEE=2"}, r.sent())
		assert.Equal(t, 2, tr.InputResets())
	})

	t.Run("Retries while the module sleeps", func(t *testing.T) {
		mod, r, _ := newTestModule(t, cfg)
		// the first AT goes unanswered
		r.on("AT", "", ok)
		for _, cmd := range []string{"AT+UPSV=0", "ATE0", "AT+CMEE=2"} {
			r.on(cmd, ok)
		}

		require.NoError(t, mod.Init(context.Background()))
		assert.Equal(t, []string{"AT", "AT", "AT+UPSV=0", "ATE0", "ATE0", "AT+UPSV=0", "AT+CMEE=2"}, r.sent())
	})

	t.Run("Gives up after the configured attempts", func(t *testing.T) {
		mod, _, _ := newTestModule(t, Config{SettleDelay: time.Millisecond, InitAttempts: 2})

		err := mod.Init(context.Background())
		assert.ErrorIs(t, err, ErrNotResponding)
	})

	t.Run("Powers the module on first", func(t *testing.T) {
		power := &fakePower{}
		tr := modem.NewTestTransport()
		config, err := modem.NewConfigBuilder().
			WithDialer(modem.TransportDialer{Transport: tr}).
			WithFlushPollInterval(time.Millisecond).
			Build()
		require.NoError(t, err)
		m, err := modem.New(context.Background(), config)
		require.NoError(t, err)
		mod, err := New(m, Config{BootDelay: time.Millisecond, SettleDelay: time.Millisecond}, WithPowerController(power))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go m.Loop(ctx)
		defer m.Close()

		r := newResponder(tr)
		for _, cmd := range []string{"AT", "AT+UPSV=0", "ATE0", "AT+CMEE=2"} {
			r.on(cmd, ok)
		}

		require.NoError(t, mod.Init(ctx))
		assert.Equal(t, 1, power.calls)
	})

	t.Run("Power failure aborts", func(t *testing.T) {
		tr := modem.NewTestTransport()
		config, err := modem.NewConfigBuilder().WithDialer(modem.TransportDialer{Transport: tr}).Build()
		require.NoError(t, err)
		m, err := modem.New(context.Background(), config)
		require.NoError(t, err)
		defer m.Close()
		mod, err := New(m, Config{}, WithPowerController(&fakePower{err: errors.New("gpio busy")}))
		require.NoError(t, err)

		err = mod.Init(context.Background())
		assert.ErrorContains(t, err, "gpio busy")
	})
}

type fakePower struct {
	calls int
	err   error
}

func (p *fakePower) PowerOn(context.Context) error {
	p.calls++
	return p.err
}

func TestIdentity(t *testing.T) {
	mod, r, _ := newTestModule(t, Config{})
	r.on("AT+CCID?", "\r\n+CCID: 8944500601200212345\r\n"+ok)
	r.on("AT+CGSN=1", "\r\n+CGSN: \"351234567890123\"\r\n"+ok)
	r.on("ATI7", "\r\nSARA-R520-02B\r\n"+ok)

	ctx := context.Background()
	iccid, err := mod.ReadICCID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "8944500601200212345", iccid)

	imei, err := mod.ReadIMEI(ctx)
	require.NoError(t, err)
	assert.Equal(t, "351234567890123", imei)

	model, err := mod.ReadModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SARA-R520-02B", model)

	snap := mod.State().Snapshot()
	assert.Equal(t, iccid, snap.ICCID)
	assert.Equal(t, imei, snap.IMEI)
	assert.Equal(t, model, snap.Model)
}

func TestStoreConfiguration(t *testing.T) {
	mod, r, _ := newTestModule(t, Config{})
	r.on("AT&W1", ok)

	require.NoError(t, mod.StoreConfiguration(context.Background(), 1))
	assert.ErrorIs(t, mod.StoreConfiguration(context.Background(), 2), modem.ErrInvalidRequest)
	assert.Equal(t, []string{"AT&W1"}, r.sent())
}

func TestAwaitICCID(t *testing.T) {
	mod, r, _ := newTestModule(t, Config{})
	r.on("AT+CCID?", "\r\n+CME ERROR: SIM not inserted\r\n", "\r\n+CCID: 8944500601200212345\r\n"+ok)

	iccid, err := mod.AwaitICCID(context.Background(), PollConfig{Interval: 10 * time.Millisecond, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "8944500601200212345", iccid)
	assert.Len(t, r.sent(), 2)
}

func TestAwaitRegistration(t *testing.T) {
	t.Run("Registration reported through the query reply", func(t *testing.T) {
		mod, r, _ := newTestModule(t, Config{RegistrationReporting: 2})
		r.on("AT+CEREG?",
			"\r\n+CEREG: 2,2\r\n"+ok,
			"\r\n+CEREG: 2,1,\"4E2A\",\"01A2B3C\",7\r\n"+ok)

		err := mod.AwaitRegistration(context.Background(), PollConfig{Interval: 10 * time.Millisecond, Timeout: time.Second})
		require.NoError(t, err)

		snap := mod.State().Snapshot()
		assert.Equal(t, RegisteredHome, snap.Registration)
		assert.Equal(t, "4E2A", snap.TrackingAreaCode)
		assert.Equal(t, "01A2B3C", snap.CellID)
	})

	t.Run("Roaming needs to be allowed", func(t *testing.T) {
		mod, r, _ := newTestModule(t, Config{RegistrationReporting: 1})
		r.on("AT+CEREG?", "\r\n+CEREG: 1,5\r\n"+ok)

		err := mod.AwaitRegistration(context.Background(), PollConfig{Interval: 5 * time.Millisecond, MaxRetries: 3})
		assert.ErrorContains(t, err, "not done after 3 retries")
		assert.Equal(t, RegisteredRoaming, mod.State().Snapshot().Registration)
	})
}

func TestPollHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := poll(ctx, PollConfig{Interval: time.Second}, "wait", func(context.Context) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.Canceled)
}
