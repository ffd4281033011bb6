package sara

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bareModule has state and handlers but no engine.
func bareModule(cfg Config) *Module {
	mod := &Module{cfg: cfg, logger: slog.New(slog.DiscardHandler)}
	mod.state = newState(mod.logger)
	return mod
}

func TestHandleCEREG(t *testing.T) {
	tests := []struct {
		name    string
		mode    int
		payload string
		want    RegistrationStatus
		tac     string
	}{
		{name: "unsolicited single field", mode: 1, payload: "1", want: RegisteredHome},
		{name: "query reply in mode 0", mode: 0, payload: "0,5", want: RegisteredRoaming},
		{name: "query reply in mode 1", mode: 1, payload: "1,2", want: Searching},
		{name: "unsolicited with location in mode 2", mode: 2, payload: `1,"4E2A","01A2B3C",7`, want: RegisteredHome, tac: "4E2A"},
		{name: "query reply with location in mode 2", mode: 2, payload: `2,5,"4E2A","01A2B3C",7`, want: RegisteredRoaming, tac: "4E2A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := bareModule(Config{RegistrationReporting: tt.mode})
			mod.handleCEREG(tt.payload)

			snap := mod.State().Snapshot()
			assert.Equal(t, tt.want, snap.Registration)
			assert.Equal(t, tt.tac, snap.TrackingAreaCode)
		})
	}

	t.Run("Malformed report keeps the state", func(t *testing.T) {
		mod := bareModule(Config{})
		mod.handleCEREG("x")
		assert.Equal(t, registrationNotReport, mod.State().Snapshot().Registration)
	})
}

func TestHandleCSCON(t *testing.T) {
	mod := bareModule(Config{})
	mod.handleCSCON("1")
	assert.True(t, mod.State().Snapshot().SignallingConnected)
	mod.handleCSCON("0")
	assert.False(t, mod.State().Snapshot().SignallingConnected)
}

func TestHandlePSD(t *testing.T) {
	mod := bareModule(Config{})

	mod.handleUUPSDA(`0,"10.160.12.7"`)
	assert.Equal(t, PSD{Active: true, IP: "10.160.12.7"}, mod.State().Snapshot().PSD)

	mod.handleUUPSDD("0")
	assert.Equal(t, PSD{}, mod.State().Snapshot().PSD)

	mod.handleUUPSDA("1")
	assert.False(t, mod.State().Snapshot().PSD.Active)
}

func TestHandleUUPSMR(t *testing.T) {
	mod := bareModule(Config{})
	mod.handleUUPSMR("1")
	assert.Equal(t, PSMEntering, mod.State().Snapshot().PSM)
}

func TestHandleUUHTTPCR(t *testing.T) {
	mod := bareModule(Config{})

	mod.handleUUHTTPCR("0,1,1")
	mod.handleUUHTTPCR("2,4,0")
	mod.handleUUHTTPCR("bad")

	http := mod.State().Snapshot().HTTP
	assert.Equal(t, HTTPResult{Completed: true, Command: 1}, http[0])
	assert.Equal(t, HTTPResult{Completed: true, Failed: true, Command: 4}, http[2])
	assert.Len(t, http, 2)
}

func TestHandleUUMQTTC(t *testing.T) {
	steps := []struct {
		payload     string
		connected   bool
		brokerError bool
	}{
		{payload: "1,1", connected: true},
		{payload: "2,1", connected: true},
		{payload: "0,101", connected: false},
		{payload: "1,0", connected: false, brokerError: true},
		{payload: "1,1", connected: true},
		{payload: "4,0", connected: true, brokerError: true},
	}

	mod := bareModule(Config{})
	for _, s := range steps {
		mod.handleUUMQTTC(s.payload)
		st := mod.State().Snapshot().MQTT
		assert.Equal(t, s.connected, st.Connected, "after %s", s.payload)
		assert.Equal(t, s.brokerError, st.BrokerError, "after %s", s.payload)
	}
}

func TestHandleUULOC(t *testing.T) {
	t.Run("Short report", func(t *testing.T) {
		mod := bareModule(Config{})
		mod.handleUULOC("19/10/2026,14:05:32.250,52.5200066,13.4049540,34,1500")

		loc := mod.State().Snapshot().Location
		require.NotNil(t, loc)
		assert.Equal(t, time.Date(2026, 10, 19, 14, 5, 32, 250_000_000, time.UTC), loc.Time)
		assert.InDelta(t, 52.5200066, loc.Latitude, 1e-9)
		assert.InDelta(t, 13.4049540, loc.Longitude, 1e-9)
		assert.Equal(t, 34.0, loc.Altitude)
		assert.Equal(t, 1500, loc.Uncertainty)
		assert.False(t, loc.Detailed)
	})

	t.Run("Detailed report", func(t *testing.T) {
		mod := bareModule(Config{})
		mod.handleUULOC("19/10/2026,14:05:32.000,52.5200066,13.4049540,34,25,1.5,270,40,16,0,2,1")

		loc := mod.State().Snapshot().Location
		require.NotNil(t, loc)
		assert.True(t, loc.Detailed)
		assert.Equal(t, 25, loc.Uncertainty)
		assert.Equal(t, 1.5, loc.Speed)
		assert.Equal(t, 270.0, loc.Course)
		assert.Equal(t, 40, loc.VerticalAccuracy)
		assert.Equal(t, 16, loc.Source)
		assert.Equal(t, 0, loc.SatellitesUsed)
		assert.Equal(t, 2, loc.AntennaStatus)
		assert.Equal(t, 1, loc.JammingStatus)
	})

	t.Run("Other forms keep the last location", func(t *testing.T) {
		mod := bareModule(Config{})
		mod.handleUULOC("19/10/2026,14:05:32.000,52.52,13.40,34,25")

		for _, payload := range []string{
			"19/10/2026,14:06:00.000,1,2,3",
			"1,19/10/2026,14:06:00.000,1,2,3,4,5,6,7",
			"19/10/2026,14:06:00.000,north,13.40,34,25",
			"2026-10-19,14:06:00.000,52.52,13.40,34,25",
		} {
			mod.handleUULOC(payload)
		}
		loc := mod.State().Snapshot().Location
		require.NotNil(t, loc)
		assert.Equal(t, 52.52, loc.Latitude)
	})

	t.Run("Pop clears the location", func(t *testing.T) {
		mod := bareModule(Config{})
		assert.Nil(t, mod.PopLocation())

		mod.handleUULOC("19/10/2026,14:05:32.000,52.52,13.40,34,25")
		loc := mod.PopLocation()
		require.NotNil(t, loc)
		assert.Equal(t, 25, loc.Uncertainty)
		assert.Nil(t, mod.State().Snapshot().Location)
		assert.Nil(t, mod.PopLocation())
	})
}

func TestStateSubscribe(t *testing.T) {
	mod := bareModule(Config{})

	var got []Change
	cancel := mod.State().Subscribe(func(c Change) { got = append(got, c) })

	mod.handleCSCON("1")
	mod.handleCSCON("1")
	cancel()
	mod.handleCSCON("0")

	require.Len(t, got, 1)
	assert.Equal(t, "signalling_connected", got[0].Parameter)
	assert.Equal(t, false, got[0].Old)
	assert.Equal(t, true, got[0].New)
	assert.False(t, got[0].At.IsZero())
}

func TestSnapshotIsACopy(t *testing.T) {
	mod := bareModule(Config{})
	mod.handleUUHTTPCR("0,1,1")

	snap := mod.State().Snapshot()
	snap.HTTP[0] = HTTPResult{}

	assert.True(t, mod.State().Snapshot().HTTP[0].Completed)
}

func TestAwaitHTTPAndMQTT(t *testing.T) {
	fast := PollConfig{Interval: 5 * time.Millisecond, Timeout: time.Second}

	t.Run("HTTP completion", func(t *testing.T) {
		mod := bareModule(Config{})
		go func() {
			time.Sleep(20 * time.Millisecond)
			mod.handleUUHTTPCR("1,1,1")
		}()

		res, err := mod.AwaitHTTP(context.Background(), 1, fast)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Command)
	})

	t.Run("HTTP failure", func(t *testing.T) {
		mod := bareModule(Config{})
		mod.handleUUHTTPCR("1,1,0")

		_, err := mod.AwaitHTTP(context.Background(), 1, fast)
		assert.ErrorIs(t, err, ErrHTTPFailed)

		mod.ResetHTTP(1)
		assert.NotContains(t, mod.State().Snapshot().HTTP, 1)
	})

	t.Run("MQTT connect", func(t *testing.T) {
		mod := bareModule(Config{})
		go func() {
			time.Sleep(20 * time.Millisecond)
			mod.handleUUMQTTC("1,1")
		}()
		require.NoError(t, mod.AwaitMQTT(context.Background(), true, fast))
	})

	t.Run("MQTT broker error", func(t *testing.T) {
		mod := bareModule(Config{})
		mod.handleUUMQTTC("1,0")
		assert.ErrorIs(t, mod.AwaitMQTT(context.Background(), true, fast), ErrMQTTBroker)
	})
}
