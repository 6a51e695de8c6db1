package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/antoniostano/andromeda/internal/config"
	"github.com/antoniostano/andromeda/internal/forward"
	"github.com/antoniostano/andromeda/internal/httpapi"
	"github.com/antoniostano/andromeda/internal/observability"
	"github.com/antoniostano/andromeda/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Registry
	Engine   *forward.Engine
	Metrics  *observability.Metrics
	Logger   zerolog.Logger

	// Cleanup should be called on shutdown to release idle upstream connections.
	Cleanup func() error
}

type Option func(*options)

type options struct {
	auth      httpapi.Authenticator
	logOutput io.Writer
	registry  *prometheus.Registry
}

// WithAuthenticator wires the login collaborator into POST /v1/session.
func WithAuthenticator(auth httpapi.Authenticator) Option {
	return func(o *options) {
		o.auth = auth
	}
}

// WithLogOutput redirects service logs, stderr by default.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) {
		o.logOutput = w
	}
}

// WithMetricsRegistry registers instruments on reg instead of the default
// Prometheus registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

func Build(_ context.Context, cfg config.Config, opts ...Option) (*BuildResult, error) {
	o := options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: o.logOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace, o.registry)

	sessions := session.NewRegistry(
		cfg.SessionInactivityTimeout,
		session.WithAuthStatus(cfg.SessionAuthStatus),
		session.WithLogger(logger.With().Str("component", "session").Logger()),
	)
	sessions.SetExpireHook(func(string) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.SetSessionCounts(sessions.Count())
	})

	transportSecure := forward.NewTransport(false)
	transportInsecure := forward.NewTransport(true)
	engine := forward.NewEngine(
		forward.WithTransports(transportSecure, transportInsecure),
		forward.WithLogger(logger.With().Str("component", "forward").Logger()),
	)

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger.With().Str("component", "http").Logger()),
	}
	if o.auth != nil {
		apiOpts = append(apiOpts, httpapi.WithAuthenticator(o.auth))
	}
	api := httpapi.New(cfg, sessions, engine, metrics, apiOpts...)

	cleanup := func() error {
		transportSecure.CloseIdleConnections()
		transportInsecure.CloseIdleConnections()
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Engine:   engine,
		Metrics:  metrics,
		Logger:   logger,
		Cleanup:  cleanup,
	}, nil
}
