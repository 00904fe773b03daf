// Package server exposes the FHIR API over HTTP.
//
// Requests are matched against an ordered route table. Public routes run
// without credentials; every other route authenticates the caller, applies
// the per-actor rate limit and runs under the caller's AuthContext. Handlers
// either write a response themselves or return an error, which a single
// translator turns into an OperationOutcome response.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-fhir/internal/governance"
	polistls "github.com/polisai/polis-fhir/internal/tls"
	"github.com/polisai/polis-fhir/pkg/attachments"
	"github.com/polisai/polis-fhir/pkg/config"
	"github.com/polisai/polis-fhir/pkg/dispatch"
	"github.com/polisai/polis-fhir/pkg/domain"
	"github.com/polisai/polis-fhir/pkg/logging"
	"github.com/polisai/polis-fhir/pkg/response"
	"github.com/polisai/polis-fhir/pkg/route"
	"github.com/polisai/polis-fhir/pkg/telemetry"
	"github.com/polisai/polis-fhir/pkg/validation"
)

// DefaultMountPath is where the FHIR API is served when none is configured.
const DefaultMountPath = "/fhir/R4"

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 16 << 20

// Options wires the server's collaborators. Config, Authenticator and
// Dispatcher are required.
type Options struct {
	Config        domain.ConfigProvider
	Authenticator domain.Authenticator
	Dispatcher    *dispatch.Handle
	Exporter      domain.BulkExporter
	Validator     domain.Validator
	Builder       *response.Builder
	Pipeline      *response.Pipeline
	Signer        *attachments.Signer
	Resolver      *attachments.Resolver
	RateLimiter   *governance.RateLimiter
	Timeouts      *governance.TimeoutManager
	Metrics       *telemetry.HTTPMetrics
	MountPath     string
	MaxBodyBytes  int64
	Logger        *slog.Logger
}

// Server serves the FHIR API.
type Server struct {
	config        domain.ConfigProvider
	authenticator domain.Authenticator
	dispatcher    *dispatch.Handle
	exporter      domain.BulkExporter
	validator     domain.Validator
	builder       *response.Builder
	pipeline      *response.Pipeline
	signer        *attachments.Signer
	resolver      *attachments.Resolver
	limiter       *governance.RateLimiter
	timeouts      *governance.TimeoutManager
	metrics       *telemetry.HTTPMetrics
	mountPath     string
	maxBodyBytes  int64
	started       time.Time

	routes   *route.Table[handlerFunc]
	logger   *slog.Logger
	events   *logging.StructuredLogger
	stopOnce sync.Once

	httpServer *http.Server
}

// New validates opts and builds the route table.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config provider is required")
	}
	if opts.Authenticator == nil {
		return nil, errors.New("server: authenticator is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("server: dispatcher is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:        opts.Config,
		authenticator: opts.Authenticator,
		dispatcher:    opts.Dispatcher,
		exporter:      opts.Exporter,
		validator:     opts.Validator,
		builder:       opts.Builder,
		pipeline:      opts.Pipeline,
		signer:        opts.Signer,
		resolver:      opts.Resolver,
		limiter:       opts.RateLimiter,
		timeouts:      opts.Timeouts,
		metrics:       opts.Metrics,
		mountPath:     normalizeMountPath(opts.MountPath),
		maxBodyBytes:  opts.MaxBodyBytes,
		started:       time.Now().UTC(),
		logger:        logger,
		events:        logging.NewStructuredLogger(logger),
	}
	if s.validator == nil {
		s.validator = validation.New()
	}
	if s.builder == nil {
		s.builder = response.NewBuilder(nil, logger)
	}
	if s.pipeline == nil {
		s.pipeline = response.DefaultPipeline()
	}
	if s.limiter == nil {
		s.limiter = governance.NewRateLimiter(governance.RateLimiterConfig{})
	}
	if s.timeouts == nil {
		s.timeouts = governance.NewTimeoutManager(governance.TimeoutConfig{})
	}
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = DefaultMaxBodyBytes
	}

	routes, err := s.buildRoutes()
	if err != nil {
		return nil, err
	}
	s.routes = routes
	return s, nil
}

// Handler returns the outer HTTP handler: health and metrics endpoints plus
// the FHIR API mounted at the configured path.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/healthz", s.handleHealth)
	r.Mount(s.mountPath, http.StripPrefix(s.mountPath, http.HandlerFunc(s.serveAPI)))

	return otelhttp.NewHandler(r, "polis.fhir")
}

// Start listens on addr until ctx is cancelled or the listener fails. TLS is
// used when both certFile and keyFile are set.
func (s *Server) Start(ctx context.Context, addr, certFile, keyFile string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	useTLS := certFile != "" && keyFile != ""
	if useTLS {
		reloader, err := polistls.NewReloader(certFile, keyFile, s.logger)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.httpServer.TLSConfig = polistls.ServerConfig(reloader)
		go func() {
			if err := reloader.Watch(ctx); err != nil {
				s.logger.Error("Certificate watcher stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", "addr", addr, "mount_path", s.mountPath, "tls", useTLS)
		var err error
		if useTLS {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping FHIR server")
		if s.httpServer != nil {
			if stopErr := s.httpServer.Shutdown(ctx); stopErr != nil {
				s.logger.Error("Failed to shut down HTTP server", "error", stopErr)
				err = stopErr
			}
		}
	})
	return err
}

// Watch applies reloadable settings from updates until ctx is done or the
// channel closes. Only the rate limit and request timeout are reloadable.
func (s *Server) Watch(ctx context.Context, updates <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			s.Reconfigure(cfg)
		}
	}
}

// Reconfigure applies the reloadable parts of cfg.
func (s *Server) Reconfigure(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.limiter.Configure(governance.RateLimiterConfig{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.Burst,
	})
	if timeout := cfg.Server.RequestTimeout.Std(); timeout > 0 {
		if err := s.timeouts.Configure(governance.TimeoutConfig{RequestTimeout: timeout}); err != nil {
			s.logger.Warn("Ignoring request timeout", "error", err)
		}
	}
	s.logger.Info("Applied configuration",
		"rate_limit_rps", cfg.RateLimit.RequestsPerSecond,
		"rate_limit_burst", cfg.RateLimit.Burst,
		"request_timeout", s.timeouts.Config().RequestTimeout,
	)
}

// SweepLimiters evicts idle rate limiter state every interval until ctx is
// done.
func (s *Server) SweepLimiters(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Sweep(); n > 0 {
				s.logger.Debug("Evicted idle rate limiters", "count", n)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) settings() domain.Settings {
	return s.config.Settings()
}

func normalizeMountPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultMountPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if p = strings.TrimSuffix(p, "/"); p == "" {
		return "/"
	}
	return p
}
