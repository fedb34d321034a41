// Package allocator picks listen ports for new mappings from a configured
// range, avoiding ports held by live mappings and ports already bound by
// the OS.
package allocator

import (
	"errors"
	"fmt"
	"net"
)

// Default port range, matching the usual ephemeral range lower bound used
// by container runtimes.
const (
	DefaultRangeStart = 49153
	DefaultRangeEnd   = 65535
)

// Allocation errors.
var (
	// ErrRangeExhausted means no free port exists in the configured range.
	ErrRangeExhausted = errors.New("no free port available in range")

	// ErrPortInUse means a specifically requested port is already taken.
	ErrPortInUse = errors.New("requested port is already in use")

	// ErrInvalidRange means the configured range is empty or reversed.
	ErrInvalidRange = errors.New("invalid port range")
)

// BindProber probes whether a local port can currently be bound. It is the
// OS port-namespace capability; tests inject a fake.
type BindProber interface {
	// Free reports whether the port can be bound right now. A true result
	// is advisory only: the port can still be taken out-of-band before
	// the listener binds it.
	Free(port int) bool
}

// NetBindProber probes ports by attempting a real TCP listen.
type NetBindProber struct {
	// Host is the bind address to probe. Empty means all interfaces.
	Host string
}

// Free attempts to bind the port and immediately releases it.
func (p *NetBindProber) Free(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(p.Host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Allocator hands out listen ports. It holds no state of its own: callers
// pass the set of ports already held by live mappings, and the caller is
// responsible for serializing Allocate with record creation so concurrent
// creates cannot receive the same port.
type Allocator struct {
	rangeStart int
	rangeEnd   int
	prober     BindProber
}

// New creates an Allocator for the inclusive range [start, end].
func New(start, end int, prober BindProber) (*Allocator, error) {
	if start <= 0 || end < start || end > 65535 {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, start, end)
	}
	if prober == nil {
		prober = &NetBindProber{}
	}
	return &Allocator{rangeStart: start, rangeEnd: end, prober: prober}, nil
}

// Range returns the configured inclusive port range.
func (a *Allocator) Range() (start, end int) {
	return a.rangeStart, a.rangeEnd
}

// Allocate returns a free port. If preferred is non-nil the preferred port
// is returned when free, and ErrPortInUse when it is not: a specifically
// requested port never falls back silently. Without a preference the range
// is scanned in ascending order and the first free candidate wins, which
// keeps allocation deterministic.
func (a *Allocator) Allocate(preferred *int, used map[int]bool) (int, error) {
	if preferred != nil {
		port := *preferred
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("%w: port %d out of bounds", ErrPortInUse, port)
		}
		if used[port] || !a.prober.Free(port) {
			return 0, fmt.Errorf("%w: %d", ErrPortInUse, port)
		}
		return port, nil
	}

	for port := a.rangeStart; port <= a.rangeEnd; port++ {
		if used[port] {
			continue
		}
		if a.prober.Free(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: [%d, %d]", ErrRangeExhausted, a.rangeStart, a.rangeEnd)
}
