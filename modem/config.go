package modem

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the settings of a Modem. Build one with NewConfigBuilder.
type Config struct {
	dialer            Dialer
	atTimeout         time.Duration
	logger            *slog.Logger
	registerer        prometheus.Registerer
	writeChunkSize    int
	ctsPollInterval   time.Duration
	flushPollInterval time.Duration
	historySize       int
}

func (c *Config) validate() error {
	if c.dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.atTimeout <= 0 {
		c.atTimeout = 10 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.writeChunkSize <= 0 {
		c.writeChunkSize = 512
	}
	if c.ctsPollInterval <= 0 {
		c.ctsPollInterval = 10 * time.Millisecond
	}
	if c.flushPollInterval <= 0 {
		c.flushPollInterval = 10 * time.Millisecond
	}
	if c.historySize <= 0 {
		c.historySize = 16
	}
}

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

// WithDialer sets how the transport is opened. Required.
func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.dialer = d
	return b
}

// WithATTimeout sets the timeout of requests that do not carry their own.
// Defaults to 10s.
func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.atTimeout = d
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.logger = l
	return b
}

// WithMetrics registers the engine's Prometheus collectors with reg.
// Without it no metrics are collected.
func (b *ConfigBuilder) WithMetrics(reg prometheus.Registerer) *ConfigBuilder {
	b.config.registerer = reg
	return b
}

// WithWriteChunkSize sets the largest single write handed to the
// transport. Defaults to 512 bytes.
func (b *ConfigBuilder) WithWriteChunkSize(n int) *ConfigBuilder {
	b.config.writeChunkSize = n
	return b
}

// WithCTSPollInterval sets how often CTS is sampled while the modem
// holds it low. Defaults to 10ms.
func (b *ConfigBuilder) WithCTSPollInterval(d time.Duration) *ConfigBuilder {
	b.config.ctsPollInterval = d
	return b
}

// WithFlushPollInterval sets how often AwaitFlushComplete checks the
// flush flag. Defaults to 10ms.
func (b *ConfigBuilder) WithFlushPollInterval(d time.Duration) *ConfigBuilder {
	b.config.flushPollInterval = d
	return b
}

// WithHistorySize sets how many recent lines are attached to command
// errors. Defaults to 16.
func (b *ConfigBuilder) WithHistorySize(n int) *ConfigBuilder {
	b.config.historySize = n
	return b
}

func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
