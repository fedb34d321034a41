package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/getproxyd/proxyd/pkg/mapping"
	"github.com/getproxyd/proxyd/pkg/relay"
)

// CreateRequest carries the parameters for CreateMapping.
type CreateRequest struct {
	TargetHost string `json:"targetHost"`
	TargetPort int    `json:"targetPort"`

	// PreferredPort requests a specific listen port. Nil lets the
	// allocator pick from the configured range.
	PreferredPort *int `json:"preferredPort,omitempty"`

	Protocol mapping.Protocol `json:"protocol,omitempty"`
}

// UpdateRequest carries the mutable fields for UpdateMapping. Nil fields
// are left unchanged.
type UpdateRequest struct {
	TargetHost *string `json:"targetHost,omitempty"`
	TargetPort *int    `json:"targetPort,omitempty"`
}

func (r *CreateRequest) validate() error {
	if r.TargetHost == "" {
		return errors.New("targetHost is required")
	}
	if r.TargetPort <= 0 || r.TargetPort > 65535 {
		return fmt.Errorf("targetPort %d out of range", r.TargetPort)
	}
	if r.Protocol != "" && r.Protocol != mapping.ProtocolTCP {
		return fmt.Errorf("unsupported protocol %q", r.Protocol)
	}
	return nil
}

// CreateMapping allocates a listen port, records the mapping and binds its
// listener. Allocation and bind failures are returned synchronously; rule
// application happens asynchronously on the next reconciliation pass, so
// the returned mapping is pending until the rule is acknowledged.
func (e *Engine) CreateMapping(req CreateRequest) (*mapping.Mapping, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	m, err := e.createRecord(req)
	if err != nil {
		return nil, err
	}

	if err := e.bindWithReallocation(m, req.PreferredPort != nil); err != nil {
		e.rollbackCreate(m.ID)
		return nil, err
	}

	e.mCreated.Inc()
	e.sync.Kick()
	return e.store.Get(m.ID)
}

// createRecord reserves a port and inserts the record in one serialized
// step, preserving the port-uniqueness invariant under concurrent creates.
func (e *Engine) createRecord(req CreateRequest) (*mapping.Mapping, error) {
	e.createMu.Lock()
	defer e.createMu.Unlock()

	port, err := e.alloc.Allocate(req.PreferredPort, e.store.UsedPorts())
	if err != nil {
		return nil, err
	}

	m := &mapping.Mapping{
		ID:         uuid.NewString(),
		ListenPort: port,
		TargetHost: req.TargetHost,
		TargetPort: req.TargetPort,
		Protocol:   req.Protocol,
		State:      mapping.StatePending,
	}
	if err := e.store.Create(m); err != nil {
		return nil, err
	}
	return m, nil
}

// bindWithReallocation binds the mapping's listener. Losing the bind race
// for an auto-allocated port triggers reallocation; a specifically
// requested port is never swapped behind the caller's back.
func (e *Engine) bindWithReallocation(m *mapping.Mapping, preferred bool) error {
	var lastErr error
	for attempt := 0; attempt < e.bindRetries; attempt++ {
		err := e.pool.StartListener(relay.Spec{
			ID:         m.ID,
			ListenPort: m.ListenPort,
			TargetHost: m.TargetHost,
			TargetPort: m.TargetPort,
		})
		if err == nil {
			_, uerr := e.store.Update(m.ID, func(rec *mapping.Mapping) error {
				rec.ListenerReady = true
				rec.LastError = ""
				return nil
			})
			return uerr
		}

		var bindErr *relay.BindError
		if !errors.As(err, &bindErr) {
			return err
		}
		e.mBindErrors.Inc()
		lastErr = err
		e.log.Warn("bind race lost", "mapping", m.ID, "port", m.ListenPort, "error", err)
		if preferred {
			break
		}

		e.createMu.Lock()
		port, aerr := e.alloc.Allocate(nil, e.store.UsedPorts())
		if aerr != nil {
			e.createMu.Unlock()
			return aerr
		}
		updated, uerr := e.store.Update(m.ID, func(rec *mapping.Mapping) error {
			rec.ListenPort = port
			return nil
		})
		e.createMu.Unlock()
		if uerr != nil {
			return uerr
		}
		*m = *updated
	}
	return lastErr
}

// rollbackCreate walks a failed create to removed and purges it so the
// port is released immediately.
func (e *Engine) rollbackCreate(id string) {
	if _, err := e.store.Transition(id, mapping.StateRemoving); err != nil {
		e.log.Error("rollback transition failed", "mapping", id, "error", err)
		return
	}
	if _, err := e.store.Transition(id, mapping.StateRemoved); err != nil {
		e.log.Error("rollback transition failed", "mapping", id, "error", err)
		return
	}
	if err := e.store.Delete(id); err != nil {
		e.log.Error("rollback purge failed", "mapping", id, "error", err)
	}
}

// UpdateMapping changes a mapping's backend target. New relay connections
// dial the new target immediately; the forwarding rule is reconverged
// asynchronously, so an active mapping degrades until the mechanism
// acknowledges the new tuple.
func (e *Engine) UpdateMapping(id string, req UpdateRequest) (*mapping.Mapping, error) {
	if req.TargetHost == nil && req.TargetPort == nil {
		return e.store.Get(id)
	}
	if req.TargetHost != nil && *req.TargetHost == "" {
		return nil, errors.New("targetHost cannot be empty")
	}
	if req.TargetPort != nil && (*req.TargetPort <= 0 || *req.TargetPort > 65535) {
		return nil, fmt.Errorf("targetPort %d out of range", *req.TargetPort)
	}

	updated, err := e.store.Update(id, func(rec *mapping.Mapping) error {
		if rec.State == mapping.StateRemoving || rec.State == mapping.StateRemoved {
			return fmt.Errorf("%w: cannot update mapping in state %s", mapping.ErrInvalidState, rec.State)
		}
		changed := false
		if req.TargetHost != nil && *req.TargetHost != rec.TargetHost {
			rec.TargetHost = *req.TargetHost
			changed = true
		}
		if req.TargetPort != nil && *req.TargetPort != rec.TargetPort {
			rec.TargetPort = *req.TargetPort
			changed = true
		}
		if changed {
			rec.ForwardingApplied = false
			if rec.State == mapping.StateActive {
				rec.State = mapping.StateDegraded
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.pool.SetTarget(id, updated.TargetHost, updated.TargetPort); err != nil &&
		!errors.Is(err, relay.ErrListenerNotFound) {
		e.log.Warn("retarget listener failed", "mapping", id, "error", err)
	}
	e.sync.Kick()
	return updated, nil
}

// DeleteMapping requests graceful removal. It returns once the removing
// transition is recorded; listener teardown and rule removal complete
// asynchronously and the record reaches removed on a later reconciliation
// pass.
func (e *Engine) DeleteMapping(id string) error {
	m, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if m.State == mapping.StateRemoving || m.State == mapping.StateRemoved {
		return nil
	}

	if _, err := e.store.Transition(id, mapping.StateRemoving); err != nil {
		return err
	}
	e.mDeleted.Inc()

	go func() {
		if err := e.pool.StopListener(id); err != nil &&
			!errors.Is(err, relay.ErrListenerNotFound) {
			e.log.Warn("stop listener failed", "mapping", id, "error", err)
		}
		if _, err := e.store.Update(id, func(rec *mapping.Mapping) error {
			rec.ListenerReady = false
			return nil
		}); err != nil {
			e.log.Warn("clear listener flag failed", "mapping", id, "error", err)
		}
		e.sync.Kick()
	}()
	return nil
}

// GetMapping returns the mapping with the given id.
func (e *Engine) GetMapping(id string) (*mapping.Mapping, error) {
	return e.store.Get(id)
}

// ListMappings returns all mappings in creation order.
func (e *Engine) ListMappings() []*mapping.Mapping {
	return e.store.List()
}

// Subscribe exposes the store's change feed for observers.
func (e *Engine) Subscribe() (<-chan mapping.Event, func()) {
	return e.store.Subscribe()
}
