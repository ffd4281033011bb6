package sara

import (
	"context"
	"fmt"
	"time"

	"i4.energy/across/cellmodem/modem"
)

// PollConfig defines configuration for polling operations like waiting for
// network registration.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 180 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = int(c.Timeout / c.Interval)
	}
	return c
}

// poll calls check immediately and then once per interval until it reports
// done, returns an error, or the attempts or the timeout run out.
func poll(ctx context.Context, config PollConfig, what string, check func(ctx context.Context) (bool, error)) error {
	config = config.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for retries := 1; ; retries++ {
		done, err := check(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		if done {
			return nil
		}
		if retries >= config.MaxRetries {
			return fmt.Errorf("%s: not done after %d retries", what, config.MaxRetries)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
}

// AwaitICCID polls the SIM identifier until the SIM answers. CME errors
// while the SIM initializes are expected and retried.
func (mod *Module) AwaitICCID(ctx context.Context, config PollConfig) (string, error) {
	mod.logger.Info("Awaiting ICCID")
	var iccid string
	err := poll(ctx, config, "await ICCID", func(ctx context.Context) (bool, error) {
		id, err := mod.ReadICCID(ctx)
		switch {
		case isFatal(err):
			return false, err
		case err != nil:
			mod.logger.Warn("ICCID not available", "error", err)
			return false, nil
		}
		iccid = id
		return iccid != "", nil
	})
	if err != nil {
		return "", err
	}
	mod.logger.Info("ICCID read", "iccid", iccid)
	return iccid, nil
}

// AwaitRegistration polls AT+CEREG? until the module is registered on its
// home network, or roaming when Config.Roaming is set. The reply arrives
// through the +CEREG handler.
func (mod *Module) AwaitRegistration(ctx context.Context, config PollConfig) error {
	want := RegisteredHome
	if mod.cfg.Roaming {
		want = RegisteredRoaming
	}
	mod.logger.Info("Awaiting carrier registration", "want", want)

	return poll(ctx, config, "await registration", func(ctx context.Context) (bool, error) {
		if err := mod.action(ctx, "AT+CEREG?", 0); err != nil {
			if isFatal(err) || modem.KindOf(err) == modem.KindInvalid {
				return false, err
			}
			mod.logger.Warn("Registration query failed", "error", err)
		}
		return mod.state.Snapshot().Registration == want, nil
	})
}

// ResetHTTP forgets the completion of the last HTTP action on profile.
// Call it before issuing a new action.
func (mod *Module) ResetHTTP(profile int) {
	mod.state.update(func(s *Snapshot) []Change {
		old, ok := s.HTTP[profile]
		if !ok {
			return nil
		}
		delete(s.HTTP, profile)
		return []Change{{Parameter: fmt.Sprintf("http.%d", profile), Old: old, New: HTTPResult{}}}
	})
}

// PopLocation returns the last reported location and clears it, so the
// next call only sees a newer report. It returns nil when none arrived.
func (mod *Module) PopLocation() *Location {
	var loc *Location
	mod.state.update(func(s *Snapshot) []Change {
		loc = s.Location
		if loc == nil {
			return nil
		}
		s.Location = nil
		return []Change{{Parameter: "location", Old: loc, New: nil}}
	})
	return loc
}

// AwaitHTTP waits for the +UUHTTPCR completion of profile.
func (mod *Module) AwaitHTTP(ctx context.Context, profile int, config PollConfig) (HTTPResult, error) {
	var res HTTPResult
	err := poll(ctx, config, "await HTTP", func(context.Context) (bool, error) {
		res = mod.state.Snapshot().HTTP[profile]
		return res.Completed, nil
	})
	if err != nil {
		return res, err
	}
	if res.Failed {
		return res, fmt.Errorf("%w: profile %d command %d", ErrHTTPFailed, profile, res.Command)
	}
	return res, nil
}

// AwaitMQTT waits until the MQTT client reaches the connected state given
// by connected. A broker error ends the wait.
func (mod *Module) AwaitMQTT(ctx context.Context, connected bool, config PollConfig) error {
	return poll(ctx, config, "await MQTT", func(context.Context) (bool, error) {
		st := mod.state.Snapshot().MQTT
		if st.BrokerError {
			return false, fmt.Errorf("%w: last command %d result %d", ErrMQTTBroker, st.LastCommand, st.LastResult)
		}
		return st.Connected == connected, nil
	})
}
