package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/getproxyd/proxyd/pkg/logging"
)

// ErrListenerNotFound is returned when no listener is running for an id.
var ErrListenerNotFound = errors.New("no listener for mapping")

// ErrListenerExists is returned when starting a listener for an id that
// already has one.
var ErrListenerExists = errors.New("listener already running for mapping")

// ListenFunc is the socket-binding capability injected into the pool.
// Tests substitute a fake to run without touching the OS port namespace.
type ListenFunc func(network, addr string) (net.Listener, error)

// DialFunc is the outbound-connection capability.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Defaults, tuned to the usual interactive-traffic sweet spot.
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultIdleTimeout  = 30 * time.Second
	DefaultDrainTimeout = 5 * time.Second
	DefaultBufferSize   = 32 * 1024
)

// Config holds pool-wide relay settings.
type Config struct {
	// BindHost is the local address listeners bind. Empty binds all
	// interfaces.
	BindHost string

	// DialTimeout bounds the backend dial per connection.
	DialTimeout time.Duration

	// IdleTimeout closes a relayed connection after this long without
	// traffic in one direction. Zero disables the idle check.
	IdleTimeout time.Duration

	// DrainTimeout bounds the graceful drain on StopListener before
	// remaining connections are force-closed.
	DrainTimeout time.Duration

	// BufferSize is the per-direction copy buffer size.
	BufferSize int

	// MaxConns caps concurrent accepted connections per listener.
	// Zero means unlimited.
	MaxConns int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}

// Spec identifies what a listener should serve. The pool references
// mappings by id only; the mapping store stays the single owner of the
// records.
type Spec struct {
	ID         string
	ListenPort int
	TargetHost string
	TargetPort int
}

// Stats is a point-in-time snapshot of one listener.
type Stats struct {
	ID          string `json:"id"`
	ListenPort  int    `json:"listenPort"`
	ActiveConns int64  `json:"activeConns"`
	TotalConns  int64  `json:"totalConns"`
	RelayErrors int64  `json:"relayErrors"`
}

// Pool manages one listener per active mapping.
type Pool struct {
	cfg    Config
	listen ListenFunc
	dial   DialFunc
	log    *slog.Logger

	mu        sync.Mutex
	listeners map[string]*listener
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithListenFunc injects the socket-binding capability.
func WithListenFunc(fn ListenFunc) PoolOption {
	return func(p *Pool) {
		if fn != nil {
			p.listen = fn
		}
	}
}

// WithDialFunc injects the outbound-connection capability.
func WithDialFunc(fn DialFunc) PoolOption {
	return func(p *Pool) {
		if fn != nil {
			p.dial = fn
		}
	}
}

// WithPoolLogger sets the operational logger.
func WithPoolLogger(log *slog.Logger) PoolOption {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// NewPool creates an empty listener pool.
func NewPool(cfg Config, opts ...PoolOption) *Pool {
	p := &Pool{
		cfg:       cfg.withDefaults(),
		listen:    net.Listen,
		log:       logging.Nop(),
		listeners: make(map[string]*listener),
	}
	var d net.Dialer
	p.dial = d.DialContext
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StartListener binds the spec's listen port and begins accepting. A bind
// failure is returned as *BindError so the caller can reallocate the port.
func (p *Pool) StartListener(spec Spec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.listeners[spec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrListenerExists, spec.ID)
	}

	addr := net.JoinHostPort(p.cfg.BindHost, strconv.Itoa(spec.ListenPort))
	ln, err := p.listen("tcp", addr)
	if err != nil {
		return &BindError{Port: spec.ListenPort, Err: err}
	}
	if p.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, p.cfg.MaxConns)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		id:          spec.ID,
		ln:          ln,
		dial:        p.dial,
		dialTimeout: p.cfg.DialTimeout,
		idleTimeout: p.cfg.IdleTimeout,
		bufSize:     p.cfg.BufferSize,
		log:         p.log,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[*conn]struct{}),
	}
	l.setTarget(spec.TargetHost, spec.TargetPort)

	p.listeners[spec.ID] = l
	go l.acceptLoop()

	p.log.Info("listener started", "mapping", spec.ID, "port", spec.ListenPort,
		"target", net.JoinHostPort(spec.TargetHost, strconv.Itoa(spec.TargetPort)))
	return nil
}

// StopListener stops accepting immediately and drains in-flight
// connections within the configured drain timeout.
func (p *Pool) StopListener(id string) error {
	p.mu.Lock()
	l, ok := p.listeners[id]
	if ok {
		delete(p.listeners, id)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrListenerNotFound, id)
	}
	l.stop(p.cfg.DrainTimeout)
	p.log.Info("listener stopped", "mapping", id)
	return nil
}

// SetTarget redirects new connections of a running listener to a new
// backend. Existing connections keep their current backend.
func (p *Pool) SetTarget(id, host string, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.listeners[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrListenerNotFound, id)
	}
	l.setTarget(host, port)
	return nil
}

// Running reports whether a listener is active for the id.
func (p *Pool) Running(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.listeners[id]
	return ok
}

// ConnCount returns the number of live relayed connections for the id, or
// zero when no listener is running.
func (p *Pool) ConnCount(id string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.listeners[id]; ok {
		return l.connCount.Load()
	}
	return 0
}

// Stats returns snapshots for all running listeners.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stats, 0, len(p.listeners))
	for _, l := range p.listeners {
		port := 0
		if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
		out = append(out, Stats{
			ID:          l.id,
			ListenPort:  port,
			ActiveConns: l.connCount.Load(),
			TotalConns:  l.accepted.Load(),
			RelayErrors: l.relayErrs.Load(),
		})
	}
	return out
}

// Shutdown stops every listener. Used on process exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	all := make([]*listener, 0, len(p.listeners))
	for id, l := range p.listeners {
		all = append(all, l)
		delete(p.listeners, id)
	}
	p.mu.Unlock()

	for _, l := range all {
		l.stop(p.cfg.DrainTimeout)
	}
}
