package modem_test

import (
	"testing"
	"time"

	"i4.energy/across/cellmodem/modem"
)

func TestConfig(t *testing.T) {
	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		_, err := modem.NewConfigBuilder().Build()

		if err != modem.ErrNoDialer {
			t.Errorf("expected ErrNoDialer, got: %v", err)
		}
	})

	t.Run("Builds with every option set", func(t *testing.T) {
		_, err := modem.NewConfigBuilder().
			WithDialer(modem.SerialDialer{PortName: "/dev/ttyUSB0"}).
			WithATTimeout(5 * time.Second).
			WithWriteChunkSize(256).
			WithCTSPollInterval(5 * time.Millisecond).
			WithFlushPollInterval(20 * time.Millisecond).
			WithHistorySize(8).
			Build()

		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}
	})
}
