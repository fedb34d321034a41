// Package admin exposes the engine's control operations over HTTP for the
// operator console: mapping CRUD, status, ports, metrics and a WebSocket
// feed of mapping changes.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/getproxyd/proxyd/pkg/engine"
	"github.com/getproxyd/proxyd/pkg/logging"
	"github.com/getproxyd/proxyd/pkg/metrics"
)

// Server timeouts.
const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// API is the admin HTTP server. It runs on a fixed port so operators
// always find the console backend in the same place.
type API struct {
	engine  *engine.Engine
	host    string
	port    int
	log     *slog.Logger
	metrics *metrics.Registry
	limiter *rateLimiter

	httpServer *http.Server
	startTime  time.Time
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *API) {
		if log != nil {
			a.log = log
		}
	}
}

// WithHost sets the bind address. Empty binds all interfaces.
func WithHost(host string) Option {
	return func(a *API) { a.host = host }
}

// WithMetrics mounts the registry's exposition handler at /metrics.
func WithMetrics(reg *metrics.Registry) Option {
	return func(a *API) {
		if reg != nil {
			a.metrics = reg
		}
	}
}

// WithRateLimit enables per-client token-bucket rate limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(a *API) {
		if rps > 0 {
			a.limiter = newRateLimiter(rps, burst)
		}
	}
}

// New creates the admin API for an engine.
func New(eng *engine.Engine, port int, opts ...Option) *API {
	a := &API{
		engine:  eng,
		port:    port,
		log:     logging.Nop(),
		metrics: metrics.NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Port returns the configured admin port.
func (a *API) Port() int { return a.port }

// Handler builds the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerRoutes(mux)

	var h http.Handler = mux
	if a.limiter != nil {
		h = a.limiter.middleware(h)
	}
	return h
}

// Start binds the admin port and serves until Stop. The bind itself is
// synchronous so a taken console port fails fast at startup.
func (a *API) Start() error {
	addr := net.JoinHostPort(a.host, strconv.Itoa(a.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind admin port %d: %w", a.port, err)
	}

	a.httpServer = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.startTime = time.Now()

	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("admin server failed", "error", err)
		}
	}()

	a.log.Info("admin API listening", "addr", addr)
	return nil
}

// Stop shuts the server down gracefully within a bounded timeout.
func (a *API) Stop() error {
	if a.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.httpServer.Shutdown(ctx)
}

// Uptime returns seconds since Start.
func (a *API) Uptime() int {
	if a.startTime.IsZero() {
		return 0
	}
	return int(time.Since(a.startTime).Seconds())
}
