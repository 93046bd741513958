// Package gateway - gateway.go is the HTTP front door.
//
// DESIGN: A single-surface Messages API server. Routes:
//   - POST /v1/messages              Invoke / InvokeStreaming (SSE)
//   - POST /v1/messages/count_tokens Local token estimate
//   - GET  /v1/models                Accepted public model ids
//   - GET  /usage                    Upstream usage limits
//   - GET  /stats                    Counters
//   - GET  /health                   Liveness
//
// Middleware (outermost first): otelhttp, panicRecovery, loggingMiddleware,
// security, apiKeyAuth (not on /health).
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/compresr/kiro-gateway/internal/config"
	"github.com/compresr/kiro-gateway/internal/monitoring"
)

// Gateway serves the Messages API.
type Gateway struct {
	config        *config.Config
	service       *Service
	alerts        *monitoring.AlertManager
	requestLogger *monitoring.RequestLogger
	server        *http.Server
	handler       http.Handler
}

// Options carries the monitoring collaborators of a Gateway.
type Options struct {
	Alerts        *monitoring.AlertManager
	RequestLogger *monitoring.RequestLogger
}

// New creates a gateway around svc.
func New(cfg *config.Config, svc *Service, opts Options) *Gateway {
	g := &Gateway{
		config:        cfg,
		service:       svc,
		alerts:        opts.Alerts,
		requestLogger: opts.RequestLogger,
	}
	if g.alerts == nil {
		g.alerts = svc.opts.Alerts
	}
	if g.requestLogger == nil {
		g.requestLogger = svc.opts.RequestLogger
	}
	g.handler = g.routes()
	g.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           g.handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// routes builds the router and middleware chain.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(g.panicRecovery)
	r.Use(g.loggingMiddleware)
	r.Use(g.security)

	r.Get("/health", g.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(g.apiKeyAuth)
		r.Post("/v1/messages", g.handleMessages)
		r.Post("/v1/messages/count_tokens", g.handleCountTokens)
		r.Get("/v1/models", g.handleModels)
		r.Get("/usage", g.handleUsage)
		r.Get("/stats", g.handleStats)
	})

	serviceName := g.config.Monitoring.ServiceName
	if serviceName == "" {
		serviceName = monitoring.DefaultServiceName
	}
	return otelhttp.NewHandler(r, serviceName)
}

// Handler returns the HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Start listens on the configured address. It blocks until the server stops;
// http.ErrServerClosed after Shutdown is not an error.
func (g *Gateway) Start() error {
	log.Info().Str("addr", g.server.Addr).Msg("gateway: listening")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight turns.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}
