package modemsim_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/cellmodem/modem"
	"i4.energy/across/cellmodem/modemsim"
	"i4.energy/across/cellmodem/sara"
)

// newSimModule runs an engine and a module against a fresh simulator.
func newSimModule(t *testing.T, cfg sara.Config, opts ...modemsim.Option) (*modemsim.Simulator, *sara.Module) {
	t.Helper()

	sim, err := modemsim.New(opts...)
	require.NoError(t, err)

	config, err := modem.NewConfigBuilder().
		WithDialer(sim).
		WithATTimeout(2 * time.Second).
		WithFlushPollInterval(time.Millisecond).
		Build()
	require.NoError(t, err)

	m, err := modem.New(context.Background(), config)
	require.NoError(t, err)

	mod, err := sara.New(m, cfg)
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
		sim.Close()
	})

	return sim, mod
}

var fastInit = sara.Config{SettleDelay: 10 * time.Millisecond, InitAttempts: 2}

func TestSimulatorInitAndIdentity(t *testing.T) {
	sim, mod := newSimModule(t, fastInit, modemsim.WithIdentity("8944500601200299999", "359999999999999", "SARA-R510S-01B"))
	ctx := context.Background()

	require.NoError(t, mod.Init(ctx))
	assert.Equal(t, []string{"AT", "AT+UPSV=0", "ATE0", "ATE0", "AT+UPSV=0", "AT+CMEE=2"}, sim.Received())

	iccid, err := mod.ReadICCID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "8944500601200299999", iccid)

	imei, err := mod.ReadIMEI(ctx)
	require.NoError(t, err)
	assert.Equal(t, "359999999999999", imei)

	model, err := mod.ReadModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SARA-R510S-01B", model)

	require.NoError(t, mod.StoreConfiguration(ctx, 0))
}

func TestSimulatorEcho(t *testing.T) {
	cfg := fastInit
	cfg.Echo = true
	_, mod := newSimModule(t, cfg)
	ctx := context.Background()

	require.NoError(t, mod.Init(ctx))

	iccid, err := mod.ReadICCID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "8944500601200212345", iccid)

	names, err := mod.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSimulatorFiles(t *testing.T) {
	sim, mod := newSimModule(t, sara.Config{}, modemsim.WithFile("config.json", []byte(`{"apn":"iot"}`)))
	ctx := context.Background()

	payload := []byte("line one\r\n\r\nline \"two\"\r\n\xff\xfe\x00end")
	require.NoError(t, mod.UploadFile(ctx, "data.bin", payload, false))

	stored, ok := sim.File("data.bin")
	require.True(t, ok)
	assert.Equal(t, payload, stored)

	t.Run("Upload refuses to overwrite", func(t *testing.T) {
		assert.ErrorIs(t, mod.UploadFile(ctx, "data.bin", []byte("x"), false), sara.ErrFileExists)
	})

	t.Run("Read into memory", func(t *testing.T) {
		data, err := mod.ReadFile(ctx, "data.bin", time.Second)
		require.NoError(t, err)
		assert.Equal(t, payload, data)
	})

	t.Run("Read into a local file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data.bin")
		size, err := mod.ReadFileTo(ctx, "data.bin", path, time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), size)

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("Read a block", func(t *testing.T) {
		data, err := mod.ReadFileBlock(ctx, "data.bin", 5, 3)
		require.NoError(t, err)
		assert.Equal(t, "one", string(data))
	})

	t.Run("List and sizes", func(t *testing.T) {
		names, err := mod.ListFiles(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"config.json", "data.bin"}, names)

		size, err := mod.FileSize(ctx, "data.bin")
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), size)

		free, err := mod.FreeSpace(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(modemsim.Capacity-len(payload)-len(`{"apn":"iot"}`)), free)
	})

	t.Run("Overwrite replaces the content", func(t *testing.T) {
		require.NoError(t, mod.UploadFile(ctx, "data.bin", []byte("v2"), true))
		stored, _ := sim.File("data.bin")
		assert.Equal(t, "v2", string(stored))
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := mod.ReadFile(ctx, "nope", time.Second)
		assert.Equal(t, modem.KindCoded, modem.KindOf(err))

		exists, err := mod.FileExists(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Delete all but one", func(t *testing.T) {
		require.NoError(t, mod.DeleteAllFiles(ctx, "config.json"))
		names, err := mod.ListFiles(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"config.json"}, names)
	})
}

func TestSimulatorUploadWithoutSpace(t *testing.T) {
	_, mod := newSimModule(t, sara.Config{}, modemsim.WithFile("big", make([]byte, modemsim.Capacity-2)))

	err := mod.UploadFile(context.Background(), "small", []byte("abc"), false)
	assert.ErrorIs(t, err, sara.ErrNoSpace)
}

func TestSimulatorNotifications(t *testing.T) {
	sim, mod := newSimModule(t, sara.Config{RegistrationReporting: 1})
	ctx := context.Background()

	require.NoError(t, sim.SetSignalling(true))
	require.Eventually(t, func() bool {
		return mod.State().Snapshot().SignallingConnected
	}, time.Second, 5*time.Millisecond)

	t.Run("Query reply is not taken for a report", func(t *testing.T) {
		reply, err := mod.Modem().SendCommand(ctx, modem.Request{Command: "AT+CSCON?", Reply: modem.ExactReply()})
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "1"}, reply.Fields)
		assert.True(t, mod.State().Snapshot().SignallingConnected)
	})

	t.Run("Registration reports", func(t *testing.T) {
		_, err := mod.Modem().SendCommand(ctx, modem.Request{Command: "AT+CEREG=1"})
		require.NoError(t, err)

		require.NoError(t, sim.SetRegistration(int(sara.Searching)))
		require.Eventually(t, func() bool {
			return mod.State().Snapshot().Registration == sara.Searching
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("Registration through polling", func(t *testing.T) {
		require.NoError(t, sim.SetRegistration(int(sara.RegisteredHome)))
		err := mod.AwaitRegistration(ctx, sara.PollConfig{Interval: 10 * time.Millisecond, Timeout: time.Second})
		require.NoError(t, err)
	})
}

func TestSimulatorScript(t *testing.T) {
	sim, mod := newSimModule(t, sara.Config{})
	ctx := context.Background()

	sim.Script("AT+CCID?", "\r\n+CME ERROR: SIM not inserted\r\n", "\r\n+CCID: 8944500601200200000\r\n\r\nOK\r\n")

	_, err := mod.ReadICCID(ctx)
	var cme *modem.CMEError
	require.ErrorAs(t, err, &cme)
	assert.Equal(t, "SIM not inserted", cme.Text)

	iccid, err := mod.ReadICCID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "8944500601200200000", iccid)

	sim.Script("AT+CSQ", "")
	_, err = mod.Modem().SendCommand(ctx, modem.Request{Command: "AT+CSQ", Timeout: 50 * time.Millisecond})
	assert.Equal(t, modem.KindTimeout, modem.KindOf(err))

	t.Run("Unknown command", func(t *testing.T) {
		_, err := mod.Modem().SendCommand(ctx, modem.Request{Command: "AT+COPS=?"})
		assert.Equal(t, modem.KindProtocol, modem.KindOf(err))
	})
}

func TestSimulatorDialOnce(t *testing.T) {
	sim, err := modemsim.New()
	require.NoError(t, err)
	defer sim.Close()

	assert.NotEmpty(t, sim.Name())

	tr, err := sim.Dial(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tr)

	_, err = sim.Dial(context.Background())
	assert.Error(t, err)
}
