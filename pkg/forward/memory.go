package forward

import (
	"context"
	"sort"
	"sync"
)

// MemoryForwarder keeps the rule table in process memory. It is the
// standalone-mode mechanism (no host-level forwarding layer) and the
// baseline for tests.
type MemoryForwarder struct {
	mu    sync.Mutex
	rules map[int]Rule
}

// NewMemoryForwarder creates an empty in-memory rule table.
func NewMemoryForwarder() *MemoryForwarder {
	return &MemoryForwarder{rules: make(map[int]Rule)}
}

// ApplyRule installs or replaces the rule for its listen port.
func (f *MemoryForwarder) ApplyRule(ctx context.Context, rule Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[rule.ListenPort] = rule
	return nil
}

// RemoveRule drops the rule for listenPort, if present.
func (f *MemoryForwarder) RemoveRule(ctx context.Context, listenPort int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, listenPort)
	return nil
}

// ListRules returns the rules ordered by listen port.
func (f *MemoryForwarder) ListRules(ctx context.Context) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Rule, 0, len(f.rules))
	for _, r := range f.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListenPort < out[j].ListenPort })
	return out, nil
}
