package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/compresr/kiro-gateway/internal/config"
	"github.com/compresr/kiro-gateway/internal/credentials"
	"github.com/compresr/kiro-gateway/internal/gateway"
	"github.com/compresr/kiro-gateway/internal/monitoring"
	"github.com/compresr/kiro-gateway/internal/store"
	"github.com/compresr/kiro-gateway/internal/upstream"
	"github.com/compresr/kiro-gateway/internal/wire"
)

// app holds the components built from one configuration.
type app struct {
	cfg     *config.Config
	store   store.Store
	creds   *credentials.Manager
	metrics *monitoring.MetricsCollector
	tracker *monitoring.Tracker
	service *gateway.Service
}

// loggerConfig maps the monitoring section onto the logger.
func loggerConfig(m config.MonitoringConfig, debug bool) monitoring.LoggerConfig {
	lc := monitoring.LoggerConfig{Level: m.LogLevel, Format: m.LogFormat, Output: m.LogOutput}
	if debug {
		lc.Level = "debug"
	}
	return lc
}

func tracingConfig(m config.MonitoringConfig) monitoring.TracingConfig {
	return monitoring.TracingConfig{Enabled: m.TracingEnabled, Output: m.TracingOutput, ServiceName: m.ServiceName}
}

func telemetryConfig(m config.MonitoringConfig) monitoring.TelemetryConfig {
	return monitoring.TelemetryConfig{Enabled: m.TelemetryEnabled, LogPath: m.TelemetryPath, LogToStdout: m.LogToStdout}
}

// openStore creates the credential fast cache.
func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(cfg.Path, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("open credential cache: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(cfg.TTL), nil
	}
}

// newCredentials creates the account's credential manager.
func newCredentials(cfg *config.Config, cache store.Store) *credentials.Manager {
	c := cfg.Credentials
	return credentials.NewManager(credentials.Options{
		File:             c.File,
		Base64:           c.Base64,
		Region:           c.Region,
		Aliases:          c.Aliases,
		Cache:            cache,
		Registry:         credentials.NewRefreshRegistry(c.RefreshCooldown),
		SocialRefreshURL: c.SocialRefreshURL,
		OIDCEndpoint:     c.OIDCEndpoint,
	})
}

// newApp wires the credential manager, upstream client and service.
// skipCheck starts without a usable token.
func newApp(ctx context.Context, cfg *config.Config, skipCheck bool) (*app, error) {
	cache, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: cache, metrics: monitoring.NewMetricsCollector()}

	a.creds = newCredentials(cfg, cache)
	if err := a.creds.Initialize(ctx, skipCheck); err != nil {
		a.Close()
		if errors.Is(err, credentials.ErrNoAccessToken) {
			return nil, fmt.Errorf("%w (run `kiro-gateway login` or set credentials.file)", err)
		}
		return nil, err
	}
	if a.creds.IsExpiryDateNear(0) {
		log.Warn().Str("account", a.creds.AccountID()).Msg("credentials: token expires soon")
	}

	a.tracker, err = monitoring.NewTracker(telemetryConfig(cfg.Monitoring))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	u := cfg.Upstream
	client := upstream.NewClient(upstream.Config{
		GenerateURL:    u.GenerateURL,
		AmazonQURL:     u.AmazonQURL,
		UsageLimitsURL: u.UsageLimitsURL,
		MaxRetries:     u.MaxRetries,
		BaseDelay:      u.BaseDelay,
		Timeout:        u.Timeout,
		KiroVersion:    u.KiroVersion,
		Models:         cfg.Models,
		Metrics:        a.metrics,
	}, a.creds)

	logger := monitoring.New(loggerConfig(cfg.Monitoring, false))
	a.service = gateway.NewService(gateway.ServiceOptions{
		Client: client,
		Builder: wire.NewBuilder(wire.Options{
			DefaultModel:      u.DefaultModel,
			Models:            cfg.Models,
			MaxRequestBytes:   u.MaxRequestBytes,
			ThinkingByDefault: u.ThinkingByDefault,
		}),
		Context:           cfg.Context,
		ThinkingByDefault: u.ThinkingByDefault,
		Account:           a.creds.AccountID(),
		Metrics:           a.metrics,
		Tracker:           a.tracker,
		Alerts: monitoring.NewAlertManager(logger, monitoring.AlertConfig{
			HighLatencyThreshold: cfg.Monitoring.HighLatencyThreshold,
		}),
		RequestLogger: monitoring.NewRequestLogger(logger),
	})
	return a, nil
}

// Close releases the telemetry file and the credential cache.
func (a *app) Close() {
	if err := a.tracker.Close(); err != nil {
		log.Warn().Err(err).Msg("telemetry close failed")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("credential cache close failed")
		}
	}
}
