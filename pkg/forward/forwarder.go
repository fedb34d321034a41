// Package forward models the external port-forwarding mechanism as an
// abstract capability and keeps it reconciled against the mapping store.
//
// Any concrete mechanism (NAT traversal, firewall rule manager, cloud
// load-balancer API) implements the three-operation Forwarder contract;
// the Synchronizer stays mechanism-agnostic.
package forward

import (
	"context"
	"errors"
	"fmt"
)

// ErrSyncFailed is surfaced on a mapping after rule application keeps
// failing beyond the bounded retry budget. The mapping is never deleted
// for it: forwarding is best-effort, the listener keeps routing.
var ErrSyncFailed = errors.New("forwarding synchronization failed")

// Rule is one forwarding entry in the external mechanism.
type Rule struct {
	ListenPort int    `json:"listenPort"`
	TargetHost string `json:"targetHost"`
	TargetPort int    `json:"targetPort"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%d -> %s:%d", r.ListenPort, r.TargetHost, r.TargetPort)
}

// Forwarder is the external forwarding capability. All operations must be
// idempotent: applying an already-correct rule or removing an absent one
// is a no-op success. Calls must honor ctx cancellation and deadlines so
// one unresponsive mechanism call cannot stall reconciliation.
type Forwarder interface {
	// ApplyRule installs or updates the rule for rule.ListenPort.
	ApplyRule(ctx context.Context, rule Rule) error

	// RemoveRule drops any rule for listenPort.
	RemoveRule(ctx context.Context, listenPort int) error

	// ListRules returns the mechanism's current rule set.
	ListRules(ctx context.Context) ([]Rule, error)
}
