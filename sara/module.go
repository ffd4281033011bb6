// Package sara drives a u-blox SARA-R5 module on top of the modem engine:
// it owns the dispatch table entries for the module's unsolicited reports,
// keeps the resulting module state and wraps the commands used to bring
// the module up and to move files in and out of its filesystem.
package sara

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"i4.energy/across/cellmodem/modem"
)

// PowerController toggles the module's PWR_ON line. Implementations
// typically drive a GPIO with the timing of the module datasheet.
type PowerController interface {
	PowerOn(ctx context.Context) error
}

// Config holds the module settings.
type Config struct {
	// BaudRate of the UART, used to size upload timeouts. Defaults to 115200.
	BaudRate int
	// Echo enables command echo after Init.
	Echo bool
	// RegistrationReporting is the configured AT+CEREG=<n> mode. It is
	// needed to tell +CEREG reports from +CEREG query replies.
	RegistrationReporting int
	// Roaming accepts roaming as a successful registration.
	Roaming bool
	// InitAttempts bounds the wake-up sequence. Defaults to 7.
	InitAttempts int
	// BootDelay is waited after powering on. Defaults to 3s.
	BootDelay time.Duration
	// SettleDelay lets pending reports drain around the buffer reset at the
	// end of Init. Defaults to 1s.
	SettleDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.BaudRate <= 0 {
		c.BaudRate = 115200
	}
	if c.InitAttempts <= 0 {
		c.InitAttempts = 7
	}
	if c.BootDelay <= 0 {
		c.BootDelay = 3 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
}

// Option customizes a Module.
type Option func(*Module)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(m *Module) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPowerController powers the module on at the start of Init.
func WithPowerController(p PowerController) Option {
	return func(m *Module) {
		m.power = p
	}
}

// Module is a SARA-R5 attached to a modem engine.
type Module struct {
	modem  *modem.Modem
	cfg    Config
	power  PowerController
	state  *State
	logger *slog.Logger
}

// New registers the module's notification handlers on m. It must be
// called before m's reader loop is started.
func New(m *modem.Modem, cfg Config, opts ...Option) (*Module, error) {
	if m == nil {
		return nil, modem.ErrNotInitialized
	}
	cfg.setDefaults()

	mod := &Module{
		modem:  m,
		cfg:    cfg,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(mod)
	}
	mod.state = newState(mod.logger)

	if err := mod.registerHandlers(); err != nil {
		return nil, fmt.Errorf("register notifications: %w", err)
	}
	return mod, nil
}

// State returns the module state maintained by the notification handlers.
func (mod *Module) State() *State {
	return mod.state
}

// Modem returns the underlying engine.
func (mod *Module) Modem() *modem.Modem {
	return mod.modem
}

func (mod *Module) action(ctx context.Context, cmd string, timeout time.Duration) error {
	_, err := mod.modem.SendCommand(ctx, modem.Request{Command: cmd, Timeout: timeout})
	return err
}

func (mod *Module) query(ctx context.Context, cmd string) (*modem.Reply, error) {
	return mod.modem.SendCommand(ctx, modem.Request{Command: cmd, Reply: modem.ExactReply()})
}

// Init brings the module to a known state. It powers the module on when a
// PowerController is configured, discards boot noise and repeats the
// wake-up sequence until the module answers. Echo, UART power saving and
// the error format are configured last.
//
// The reader loop must be running.
func (mod *Module) Init(ctx context.Context) error {
	mod.logger.Info("Initializing module")

	if mod.power != nil {
		mod.logger.Info("Powering ON the module")
		if err := mod.power.PowerOn(ctx); err != nil {
			return fmt.Errorf("power on: %w", err)
		}
		if err := sleep(ctx, mod.cfg.BootDelay); err != nil {
			return err
		}
	}

	if err := mod.modem.ResetInputBuffers(ctx); err != nil {
		return fmt.Errorf("reset input buffers: %w", err)
	}

	if err := mod.wake(ctx); err != nil {
		return err
	}

	mod.logger.Info("Module is responding, cleaning input buffer")
	if err := sleep(ctx, mod.cfg.SettleDelay); err != nil {
		return err
	}
	if err := mod.modem.ResetInputBuffers(ctx); err != nil {
		return fmt.Errorf("reset input buffers: %w", err)
	}
	if err := sleep(ctx, mod.cfg.SettleDelay); err != nil {
		return err
	}

	echo := "ATE0"
	if mod.cfg.Echo {
		echo = "ATE1"
	}
	for _, cmd := range []string{echo, "AT+UPSV=0", "AT+CMEE=2"} {
		if err := mod.action(ctx, cmd, 0); err != nil {
			return fmt.Errorf("configure module: %w", err)
		}
	}
	return nil
}

// wake repeats AT, AT+UPSV=0 and ATE0 with short timeouts. UART power
// saving may swallow the first characters, so only timeouts are retried.
func (mod *Module) wake(ctx context.Context) error {
	for attempt := 1; attempt <= mod.cfg.InitAttempts; attempt++ {
		err := mod.wakeOnce(ctx)
		if err == nil {
			return nil
		}
		if modem.KindOf(err) != modem.KindTimeout || ctx.Err() != nil {
			return fmt.Errorf("wake module: %w", err)
		}
		mod.logger.Debug("Module did not answer", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("%w after %d attempts", ErrNotResponding, mod.cfg.InitAttempts)
}

func (mod *Module) wakeOnce(ctx context.Context) error {
	for _, cmd := range []string{"AT", "AT+UPSV=0", "ATE0"} {
		if err := mod.action(ctx, cmd, time.Second); err != nil {
			return err
		}
	}
	return nil
}

// ReadICCID reads the SIM card identifier.
func (mod *Module) ReadICCID(ctx context.Context) (string, error) {
	reply, err := mod.query(ctx, "AT+CCID?")
	if err != nil {
		return "", err
	}
	iccid := reply.Field(0)
	mod.state.update(func(s *Snapshot) []Change {
		return set(nil, "iccid", &s.ICCID, iccid)
	})
	return iccid, nil
}

// ReadIMEI reads the equipment identity.
func (mod *Module) ReadIMEI(ctx context.Context) (string, error) {
	reply, err := mod.query(ctx, "AT+CGSN=1")
	if err != nil {
		return "", err
	}
	imei := reply.Field(0)
	mod.state.update(func(s *Snapshot) []Change {
		return set(nil, "imei", &s.IMEI, imei)
	})
	return imei, nil
}

// ReadModel reads the model name, e.g. "SARA-R520-02B". ATI7 answers with
// a bare line, so the reply is matched on the model family.
func (mod *Module) ReadModel(ctx context.Context) (string, error) {
	const family = "SARA-"
	reply, err := mod.modem.SendCommand(ctx, modem.Request{Command: "ATI7", Reply: modem.NamedReply(family)})
	if err != nil {
		return "", err
	}
	model := family + reply.Field(0)
	mod.state.update(func(s *Snapshot) []Change {
		return set(nil, "model", &s.Model, model)
	})
	return model, nil
}

// StoreConfiguration saves the current settings to profile 0 or 1 of the
// module's non-volatile memory.
func (mod *Module) StoreConfiguration(ctx context.Context, profile int) error {
	if profile < 0 || profile > 1 {
		return fmt.Errorf("%w: profile must be 0 or 1", modem.ErrInvalidRequest)
	}
	if err := mod.action(ctx, fmt.Sprintf("AT&W%d", profile), 0); err != nil {
		return err
	}
	mod.logger.Info("Stored current configuration", "profile", profile)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isFatal reports errors that end a polling loop at once.
func isFatal(err error) bool {
	return errors.Is(err, modem.ErrAlreadyClosed) || errors.Is(err, modem.ErrNotInitialized)
}
