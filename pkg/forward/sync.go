package forward

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getproxyd/proxyd/pkg/logging"
	"github.com/getproxyd/proxyd/pkg/mapping"
)

// Synchronizer defaults.
const (
	DefaultInterval    = 15 * time.Second
	DefaultCallTimeout = 5 * time.Second
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = time.Minute
	DefaultMaxFailures = 5
)

// SyncConfig holds reconciliation tuning.
type SyncConfig struct {
	// Interval between periodic reconciliation passes.
	Interval time.Duration

	// CallTimeout bounds each forwarding-mechanism call.
	CallTimeout time.Duration

	// BackoffBase and BackoffMax bound the per-mapping exponential retry
	// backoff after an apply failure.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxFailures is the number of consecutive apply failures after which
	// the mapping's LastError reports persistent sync failure.
	MaxFailures int
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	return c
}

// retryState tracks per-mapping apply failures for backoff.
type retryState struct {
	failures  int
	nextRetry time.Time
}

// Synchronizer reconciles the mapping store against the external
// forwarding mechanism: applies missing rules, removes stale ones, and
// detects drift. It holds no persistent per-mapping references; the
// desired rule set is recomputed from the store on every pass.
type Synchronizer struct {
	cfg   SyncConfig
	store *mapping.Store
	fw    Forwarder
	log   *slog.Logger

	kick chan struct{}

	mu    sync.Mutex
	retry map[string]*retryState

	now func() time.Time
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithSyncLogger sets the operational logger.
func WithSyncLogger(log *slog.Logger) SyncOption {
	return func(s *Synchronizer) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSynchronizer creates a Synchronizer over the given store and
// mechanism.
func NewSynchronizer(store *mapping.Store, fw Forwarder, cfg SyncConfig, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		cfg:   cfg.withDefaults(),
		store: store,
		fw:    fw,
		log:   logging.Nop(),
		kick:  make(chan struct{}, 1),
		retry: make(map[string]*retryState),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kick schedules an immediate reconciliation pass. Safe to call from any
// goroutine; coalesces when a pass is already pending.
func (s *Synchronizer) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run executes reconciliation passes until ctx is cancelled: one per
// interval tick plus one per Kick. Passes never overlap.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("reconciliation pass failed", "error", err)
		}
	}
}

// Reconcile runs a single reconciliation pass. Exported so tests and the
// engine can drive deterministic passes.
func (s *Synchronizer) Reconcile(ctx context.Context) error {
	actual, err := s.listRules(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	actualByPort := make(map[int]Rule, len(actual))
	for _, r := range actual {
		actualByPort[r.ListenPort] = r
	}

	mappings := s.store.List()
	desiredPorts := make(map[int]bool)

	// Apply phase: one goroutine per mapping that wants a rule, so a slow
	// mechanism call for one mapping cannot stall the others. Each call
	// is timeout-bounded.
	var wg sync.WaitGroup
	for _, m := range mappings {
		if !wantsRule(m) {
			continue
		}
		desiredPorts[m.ListenPort] = true
		wg.Add(1)
		go func(m *mapping.Mapping) {
			defer wg.Done()
			s.syncMapping(ctx, m, actualByPort[m.ListenPort])
		}(m)
	}
	wg.Wait()

	// Remove phase: rules for no live mapping, and rules behind removing
	// or removed mappings, are stale.
	for port, rule := range actualByPort {
		if desiredPorts[port] {
			continue
		}
		if err := s.removeRule(ctx, rule); err != nil {
			s.log.Warn("stale rule removal failed", "rule", rule.String(), "error", err)
		}
	}

	// Finalize removals: a removing mapping becomes removed once its
	// listener is down and no rule remains for its port.
	for _, m := range mappings {
		if m.State != mapping.StateRemoving || m.ListenerReady {
			continue
		}
		if _, present := actualByPort[m.ListenPort]; present {
			// Removal was attempted above; confirm on the next pass.
			continue
		}
		if _, err := s.store.Update(m.ID, func(rec *mapping.Mapping) error {
			rec.State = mapping.StateRemoved
			rec.ForwardingApplied = false
			return nil
		}); err != nil {
			s.log.Warn("finalize removal failed", "mapping", m.ID, "error", err)
		} else {
			s.log.Info("mapping removed", "mapping", m.ID, "port", m.ListenPort)
		}
	}

	s.pruneRetryState(mappings)
	return nil
}

// wantsRule reports whether the mapping's current state calls for a
// forwarding rule.
func wantsRule(m *mapping.Mapping) bool {
	switch m.State {
	case mapping.StateActive, mapping.StateDegraded:
		return true
	case mapping.StatePending:
		return m.ListenerReady
	default:
		return false
	}
}

// syncMapping converges one mapping against the rule found at its port
// (zero Rule when absent).
func (s *Synchronizer) syncMapping(ctx context.Context, m *mapping.Mapping, found Rule) {
	want := Rule{ListenPort: m.ListenPort, TargetHost: m.TargetHost, TargetPort: m.TargetPort}

	if found == want {
		// Rule is already correct; no mechanism call. Promote state if
		// the store doesn't reflect it yet.
		if m.ForwardingApplied && m.State == mapping.StateActive {
			return
		}
		s.markApplied(m.ID)
		return
	}

	// Drift: an active mapping whose rule vanished or changed degrades
	// before the repair attempt, so the divergence is observable.
	if m.State == mapping.StateActive {
		if _, err := s.store.Update(m.ID, func(rec *mapping.Mapping) error {
			rec.State = mapping.StateDegraded
			rec.ForwardingApplied = false
			return nil
		}); err != nil {
			s.log.Warn("degrade failed", "mapping", m.ID, "error", err)
			return
		}
		s.log.Warn("forwarding drift detected", "mapping", m.ID, "port", m.ListenPort)
	}

	if !s.retryDue(m.ID) {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	err := s.fw.ApplyRule(callCtx, want)
	cancel()
	if err != nil {
		s.recordFailure(m.ID, err)
		return
	}
	s.markApplied(m.ID)
}

// markApplied records a successful rule acknowledgment: clears backoff,
// sets ForwardingApplied, and promotes pending/degraded to active.
func (s *Synchronizer) markApplied(id string) {
	s.mu.Lock()
	delete(s.retry, id)
	s.mu.Unlock()

	now := s.now()
	if _, err := s.store.Update(id, func(rec *mapping.Mapping) error {
		rec.ForwardingApplied = true
		rec.LastSyncedAt = &now
		rec.LastError = ""
		switch rec.State {
		case mapping.StatePending, mapping.StateDegraded:
			rec.State = mapping.StateActive
		}
		return nil
	}); err != nil {
		s.log.Warn("mark applied failed", "mapping", id, "error", err)
	}
}

// recordFailure bumps the mapping's backoff and surfaces the error on the
// record. Pending mappings stay pending; active ones degrade.
func (s *Synchronizer) recordFailure(id string, cause error) {
	s.mu.Lock()
	st, ok := s.retry[id]
	if !ok {
		st = &retryState{}
		s.retry[id] = st
	}
	st.failures++
	backoff := s.cfg.BackoffBase << (st.failures - 1)
	if backoff > s.cfg.BackoffMax || backoff <= 0 {
		backoff = s.cfg.BackoffMax
	}
	st.nextRetry = s.now().Add(backoff)
	failures := st.failures
	s.mu.Unlock()

	msg := cause.Error()
	if failures >= s.cfg.MaxFailures {
		msg = fmt.Sprintf("%v after %d attempts: %v", ErrSyncFailed, failures, cause)
		s.log.Error("persistent forwarding failure", "mapping", id, "failures", failures, "error", cause)
	} else {
		s.log.Warn("rule apply failed", "mapping", id, "failures", failures, "error", cause)
	}

	if _, err := s.store.Update(id, func(rec *mapping.Mapping) error {
		rec.ForwardingApplied = false
		rec.LastError = msg
		if rec.State == mapping.StateActive {
			rec.State = mapping.StateDegraded
		}
		return nil
	}); err != nil {
		s.log.Warn("record sync failure failed", "mapping", id, "error", err)
	}
}

func (s *Synchronizer) retryDue(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.retry[id]
	return !ok || !s.now().Before(st.nextRetry)
}

func (s *Synchronizer) removeRule(ctx context.Context, rule Rule) error {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := s.fw.RemoveRule(callCtx, rule.ListenPort); err != nil {
		return err
	}
	s.log.Info("stale rule removed", "rule", rule.String())
	return nil
}

// pruneRetryState drops backoff entries for mappings that no longer exist.
func (s *Synchronizer) pruneRetryState(mappings []*mapping.Mapping) {
	known := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		known[m.ID] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.retry {
		if !known[id] {
			delete(s.retry, id)
		}
	}
}

func (s *Synchronizer) listRules(ctx context.Context) ([]Rule, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.fw.ListRules(callCtx)
}
