// Package engine wires the mapping store, port allocator, listener pool
// and forwarding synchronizer into one component and exposes the control
// operations the operator console consumes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getproxyd/proxyd/pkg/allocator"
	"github.com/getproxyd/proxyd/pkg/forward"
	"github.com/getproxyd/proxyd/pkg/logging"
	"github.com/getproxyd/proxyd/pkg/mapping"
	"github.com/getproxyd/proxyd/pkg/metrics"
	"github.com/getproxyd/proxyd/pkg/relay"
)

// DefaultBindRetries is how many times a create reallocates after losing
// the bind race for an auto-allocated port.
const DefaultBindRetries = 3

// janitorInterval drives purge and metrics refresh.
const janitorInterval = 30 * time.Second

// Config assembles an Engine from its components.
type Config struct {
	Store     *mapping.Store
	Allocator *allocator.Allocator
	Pool      *relay.Pool
	Forwarder forward.Forwarder

	// Sync tunes the forwarding synchronizer.
	Sync forward.SyncConfig

	// BindRetries overrides DefaultBindRetries when positive.
	BindRetries int

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Engine is the dynamic reverse-proxy mapping engine.
type Engine struct {
	store *mapping.Store
	alloc *allocator.Allocator
	pool  *relay.Pool
	sync  *forward.Synchronizer
	log   *slog.Logger

	bindRetries int

	// createMu serializes port allocation with record creation so two
	// concurrent creates can never receive the same port.
	createMu sync.Mutex

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time

	mCreated    *metrics.Counter
	mDeleted    *metrics.Counter
	mBindErrors *metrics.Counter
	mByState    *metrics.Gauge
	mConns      *metrics.Gauge
	mRelayErrs  *metrics.Gauge
}

// New creates an Engine. Store, Allocator, Pool and Forwarder are
// required.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Allocator == nil || cfg.Pool == nil || cfg.Forwarder == nil {
		return nil, errors.New("engine requires store, allocator, pool and forwarder")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	retries := cfg.BindRetries
	if retries <= 0 {
		retries = DefaultBindRetries
	}

	e := &Engine{
		store:       cfg.Store,
		alloc:       cfg.Allocator,
		pool:        cfg.Pool,
		log:         log,
		bindRetries: retries,

		mCreated:    reg.NewCounter("proxyd_mappings_created_total", "Mappings created"),
		mDeleted:    reg.NewCounter("proxyd_mappings_deleted_total", "Mapping deletions requested"),
		mBindErrors: reg.NewCounter("proxyd_bind_errors_total", "Listener bind failures"),
		mByState:    reg.NewGauge("proxyd_mappings", "Mappings by state", "state"),
		mConns:      reg.NewGauge("proxyd_relay_connections", "Live relayed connections", "mapping"),
		mRelayErrs:  reg.NewGauge("proxyd_relay_errors", "Relay errors per listener", "mapping"),
	}
	e.sync = forward.NewSynchronizer(cfg.Store, cfg.Forwarder, cfg.Sync,
		forward.WithSyncLogger(log))
	return e, nil
}

// Start loads persisted mappings, restarts their listeners and launches
// the synchronizer and janitor loops.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already running")
	}

	if err := e.store.Load(); err != nil {
		return fmt.Errorf("load mappings: %w", err)
	}
	e.restoreListeners()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.startTime = time.Now()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.sync.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.janitor(ctx)
	}()

	e.sync.Kick()
	e.log.Info("engine started")
	return nil
}

// Stop cancels background loops and tears down all listeners.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.pool.Shutdown()
	e.log.Info("engine stopped")
}

// IsRunning reports whether Start has completed and Stop has not.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Uptime returns seconds since Start, zero when stopped.
func (e *Engine) Uptime() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return 0
	}
	return int(time.Since(e.startTime).Seconds())
}

// PortRange returns the allocator's listener port range.
func (e *Engine) PortRange() (start, end int) {
	return e.alloc.Range()
}

// Kick requests an immediate reconciliation pass.
func (e *Engine) Kick() {
	e.sync.Kick()
}

// Reconcile runs one synchronous reconciliation pass. Used by tests and
// the admin sync endpoint.
func (e *Engine) Reconcile(ctx context.Context) error {
	return e.sync.Reconcile(ctx)
}

// PoolStats returns relay statistics for all running listeners.
func (e *Engine) PoolStats() []relay.Stats {
	return e.pool.Stats()
}

// ConnCount returns live relayed connections for a mapping.
func (e *Engine) ConnCount(id string) int64 {
	return e.pool.ConnCount(id)
}

// restoreListeners rebinds listeners for mappings that survived a
// restart. Failures are recorded on the mapping and retried by operators;
// the process still comes up.
func (e *Engine) restoreListeners() {
	for _, m := range e.store.List() {
		if !m.State.Live() || m.State == mapping.StateRemoving {
			continue
		}
		spec := relay.Spec{
			ID:         m.ID,
			ListenPort: m.ListenPort,
			TargetHost: m.TargetHost,
			TargetPort: m.TargetPort,
		}
		if err := e.pool.StartListener(spec); err != nil {
			e.mBindErrors.Inc()
			e.log.Error("restore listener failed", "mapping", m.ID, "port", m.ListenPort, "error", err)
			_, _ = e.store.Update(m.ID, func(rec *mapping.Mapping) error {
				rec.LastError = err.Error()
				return nil
			})
			continue
		}
		_, _ = e.store.Update(m.ID, func(rec *mapping.Mapping) error {
			rec.ListenerReady = true
			return nil
		})
	}
}

// janitor purges expired removed records and refreshes gauges.
func (e *Engine) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.store.PurgeExpired(); n > 0 {
				e.log.Info("purged removed mappings", "count", n)
			}
			e.refreshMetrics()
		}
	}
}

func (e *Engine) refreshMetrics() {
	counts := map[mapping.State]int{}
	for _, m := range e.store.List() {
		counts[m.State]++
	}
	for _, st := range []mapping.State{
		mapping.StatePending, mapping.StateActive, mapping.StateDegraded,
		mapping.StateRemoving, mapping.StateRemoved,
	} {
		e.mByState.Set(float64(counts[st]), string(st))
	}
	for _, s := range e.pool.Stats() {
		e.mConns.Set(float64(s.ActiveConns), s.ID)
		e.mRelayErrs.Set(float64(s.RelayErrors), s.ID)
	}
}
