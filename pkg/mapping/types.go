// Package mapping defines the mapping entity, its lifecycle state machine,
// and the Store that owns all mapping records.
package mapping

import (
	"time"
)

// Protocol is the transport kind a mapping forwards.
type Protocol string

// Supported protocols. TCP stream forwarding is the baseline.
const (
	ProtocolTCP Protocol = "tcp"
)

// State is the lifecycle state of a mapping.
type State string

// Mapping lifecycle states.
const (
	// StatePending means the mapping exists but its listener or forwarding
	// rule is not yet confirmed.
	StatePending State = "pending"
	// StateActive means the listener is bound and the forwarding rule is
	// confirmed applied.
	StateActive State = "active"
	// StateDegraded means the listener is running but the external
	// forwarding rule no longer matches the desired tuple.
	StateDegraded State = "degraded"
	// StateRemoving means deletion was requested; teardown is in progress.
	StateRemoving State = "removing"
	// StateRemoved is terminal. Records are purged after a retention window.
	StateRemoved State = "removed"
)

// transitions is the set of legal state transitions. A pending mapping may
// be removed before it ever activates; nothing re-enters pending.
var transitions = map[State][]State{
	StatePending:  {StateActive, StateRemoving},
	StateActive:   {StateDegraded, StateRemoving},
	StateDegraded: {StateActive, StateRemoving},
	StateRemoving: {StateRemoved},
	StateRemoved:  {},
}

// CanTransition reports whether a transition from s to next is legal.
func (s State) CanTransition(next State) bool {
	if s == next {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateRemoved
}

// Live reports whether the mapping should hold its listen port. Removed
// mappings release their port for reuse.
func (s State) Live() bool {
	return s != StateRemoved
}

// Mapping associates a local listen port with a backend target address.
type Mapping struct {
	// ID is assigned at creation and immutable.
	ID string `json:"id"`

	// ListenPort is the local port the proxy listener binds.
	ListenPort int `json:"listenPort"`

	// TargetHost and TargetPort identify the backend the relay dials.
	TargetHost string `json:"targetHost"`
	TargetPort int    `json:"targetPort"`

	// Protocol is the transport kind (tcp).
	Protocol Protocol `json:"protocol"`

	// State is the lifecycle state. Mutated only through Store.Update,
	// which enforces the transition table.
	State State `json:"state"`

	// ForwardingApplied is true once the external mechanism has
	// acknowledged the rule for the current (port, host, targetPort) tuple.
	ForwardingApplied bool `json:"forwardingApplied"`

	// ListenerReady is true while the relay listener for this mapping is
	// bound and accepting.
	ListenerReady bool `json:"listenerReady"`

	// LastError holds the most recent sync or bind failure, surfaced to
	// operators. Cleared on recovery.
	LastError string `json:"lastError,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
}

// Clone returns a deep copy of the mapping.
func (m *Mapping) Clone() *Mapping {
	if m == nil {
		return nil
	}
	c := *m
	if m.LastSyncedAt != nil {
		t := *m.LastSyncedAt
		c.LastSyncedAt = &t
	}
	return &c
}

// Tuple returns the forwarding tuple for this mapping.
func (m *Mapping) Tuple() (listenPort int, targetHost string, targetPort int) {
	return m.ListenPort, m.TargetHost, m.TargetPort
}
