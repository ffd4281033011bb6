package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"i4.energy/across/cellmodem/modem"
	"i4.energy/across/cellmodem/modemsim"
	"i4.energy/across/cellmodem/sara"
)

func main() {
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.Bool("flow-control", false, "Check CTS before writing to the modem")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Bool("simulate", false, "Talk to the built-in modem simulator instead of a serial port")
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithFile(*configPath), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	if err := run(config, logger); err != nil {
		logger.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

// errConnectionLost ends the daemon when the modem goes away on its own.
var errConnectionLost = errors.New("modem connection lost")

// loopResult maps the reader loop's exit to the errgroup result. EOF is
// only expected once shutdown has started.
func loopResult(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, io.EOF) && ctx.Err() != nil:
		return nil
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %w", errConnectionLost, err)
	}
	return err
}

func run(config *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var dialer modem.Dialer = modem.SerialDialer{
		PortName:    config.SerialPort,
		BaudRate:    config.BaudRate,
		FlowControl: config.FlowControl,
	}
	if config.Simulate {
		sim, err := modemsim.New(modemsim.WithLogger(logger.With("component", "simulator")))
		if err != nil {
			return err
		}
		defer sim.Close()
		logger.Info("Using modem simulator", "tty", sim.Name())
		dialer = sim
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(config.ATTimeout).
		WithLogger(logger.With("component", "modem")).
		WithMetrics(registry).
		WithDialer(dialer).
		Build()
	if err != nil {
		return err
	}

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		return err
	}
	defer m.Close()

	mod, err := sara.New(m, sara.Config{
		BaudRate:              config.BaudRate,
		RegistrationReporting: config.RegistrationReporting,
		Roaming:               config.Roaming,
	}, sara.WithLogger(logger.With("component", "sara")))
	if err != nil {
		return err
	}

	logger.Info("Starting modem daemon", "modem", m)

	hub := NewHub(logger.With("component", "events"), mod.State().Snapshot)
	unsubscribe := mod.State().Subscribe(hub.Publish)
	defer unsubscribe()

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:  logger.With("component", "server"),
			Module:  mod,
			Events:  hub,
			Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loopResult(gctx, m.Loop(gctx))
	})

	g.Go(func() error {
		if err := mod.Init(gctx); err != nil {
			logger.Error("Module initialization failed", "error", err)
			return nil
		}
		iccid, err := mod.ReadICCID(gctx)
		if err != nil {
			logger.Warn("Failed to read ICCID", "error", err)
		}
		imei, err := mod.ReadIMEI(gctx)
		if err != nil {
			logger.Warn("Failed to read IMEI", "error", err)
		}
		logger.Info("Module ready", "iccid", iccid, "imei", imei)
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		hub.Close()
		logger.Info("Closing HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to gracefully shutdown server", "error", err)
		}

		logger.Info("Closing modem connection")
		if err := m.Close(); err != nil && !errors.Is(err, modem.ErrAlreadyClosed) {
			logger.Error("Failed to close modem", "error", err)
		}
		return nil
	})

	return g.Wait()
}
