package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pulsarmail/pulsar/api"
	"github.com/pulsarmail/pulsar/config"
	"github.com/pulsarmail/pulsar/db"
	"github.com/pulsarmail/pulsar/events"
	"github.com/pulsarmail/pulsar/logger"
	"github.com/pulsarmail/pulsar/server/httpapi"
	"github.com/pulsarmail/pulsar/server/smtpcapture"
)

func main() {
	// Initialize with application defaults; the config file and then the
	// command-line flags override them in that order.
	cfg := config.NewDefaultConfig()

	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")

	fDataDir := flag.String("datadir", cfg.DataDir, "Directory holding the database (overrides config)")
	fPort := flag.String("port", "", "SMTP port to listen on (overrides the stored setting for this run)")
	fHTTPAddr := flag.String("httpaddr", cfg.HTTPAPI.Addr, "HTTP API listen address (overrides config)")
	fDebug := flag.Bool("debug", cfg.SMTP.Debug, "Dump the SMTP protocol exchange to stdout (overrides config)")
	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stderr', 'stdout' or a file path (overrides config)")
	fLogFormat := flag.String("logformat", cfg.Logging.Format, "Log format: 'console' or 'json' (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: 'debug', 'info', 'warn', 'error' (overrides config)")

	flag.Parse()

	explicitConfig := isFlagSet("config")
	if err := config.Load(*configPath, &cfg, explicitConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if isFlagSet("datadir") {
		cfg.DataDir = *fDataDir
	}
	if isFlagSet("httpaddr") {
		cfg.HTTPAPI.Addr = *fHTTPAddr
	}
	if isFlagSet("debug") {
		cfg.SMTP.Debug = *fDebug
	}
	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("logformat") {
		cfg.Logging.Format = *fLogFormat
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *fPort != "" {
		if err := config.ValidatePort(*fPort); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid -port: %v\n", err)
			os.Exit(1)
		}
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: initializing logger: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(cfg, *fPort); err != nil {
		logger.Fatal("fatal error", "error", err)
	}
}

func run(cfg config.Config, portOverride string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := db.New(ctx, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	emitter := events.NewEmitter()
	defer emitter.Close()
	notifier := events.NewNotifier(store, emitter)

	gracePeriod, err := cfg.SMTP.GetShutdownGracePeriod()
	if err != nil {
		return err
	}

	// Buffered so a failing component can always report before shutdown
	// drains it.
	errChan := make(chan error, 2)

	controller := smtpcapture.NewController(ctx, cfg.SMTP.Host, store, notifier, smtpcapture.Options{
		Hostname:       cfg.SMTP.Hostname,
		MaxConnections: cfg.SMTP.MaxConnections,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		Debug:          cfg.SMTP.Debug,
	}, gracePeriod, errChan)

	port := portOverride
	if port == "" {
		port, err = store.GetSMTPPort(ctx)
		if err != nil {
			return fmt.Errorf("reading port setting: %w", err)
		}
	}
	if err := controller.Start(port); err != nil {
		return fmt.Errorf("starting SMTP capture server: %w", err)
	}

	app := api.New(store, notifier, controller)

	var httpServer *httpapi.Server
	if cfg.HTTPAPI.Start {
		httpServer = httpapi.New(cfg.HTTPAPI.Addr, app)
		go func() {
			if err := httpServer.Start(); err != nil {
				errChan <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*gracePeriod)
	defer shutdownCancel()

	controller.Stop(shutdownCtx)
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping HTTP API", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// isFlagSet reports whether the named flag was given on the command line, to
// distinguish an explicit value from the flag default.
func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
