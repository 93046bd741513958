package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/kiro-gateway/internal/config"
	"github.com/compresr/kiro-gateway/internal/gateway"
	"github.com/compresr/kiro-gateway/internal/monitoring"
	"github.com/compresr/kiro-gateway/internal/tui"
)

const shutdownTimeout = 30 * time.Second

// commonFlags defines the flags every command accepts.
type commonFlags struct {
	fs     *flag.FlagSet
	config *string
	debug  *bool
}

func newFlags(name string) commonFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return commonFlags{
		fs:     fs,
		config: fs.String("config", "", "path to config file"),
		debug:  fs.Bool("debug", false, "enable debug logging"),
	}
}

// setup loads .env files and the config, then installs the global logger.
func (f commonFlags) setup() (*config.Config, error) {
	loadEnvFiles()

	data, source, err := resolveConfig(*f.config)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	monitoring.Global(loggerConfig(cfg.Monitoring, *f.debug))
	log.Debug().Str("config", source).Str("version", Version).Msg("configuration loaded")
	return cfg, nil
}

// runServe starts the gateway server and blocks until SIGINT/SIGTERM.
func runServe(args []string) error {
	f := newFlags("serve")
	noBanner := f.fs.Bool("no-banner", false, "suppress startup banner")
	_ = f.fs.Parse(args) // ExitOnError handles errors

	if !*noBanner {
		tui.Stdio().Banner(Version)
	}

	cfg, err := f.setup()
	if err != nil {
		return err
	}

	shutdownTracer, err := monitoring.InitTracer(tracingConfig(cfg.Monitoring))
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown error")
		}
	}()

	a, err := newApp(context.Background(), cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	gw := gateway.New(cfg, a.service, gateway.Options{})

	log.Info().
		Str("version", Version).
		Str("addr", cfg.Server.Addr()).
		Str("account", a.creds.AccountID()).
		Str("region", a.creds.Region()).
		Bool("auth", cfg.Server.APIKey != "").
		Bool("summarization", cfg.Context.Enabled).
		Msg("Kiro Gateway starting")

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := gw.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown error")
		}
	}()

	if err := gw.Start(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	log.Info().Interface("stats", a.service.Stats()).Msg("Kiro Gateway stopped")
	return nil
}
