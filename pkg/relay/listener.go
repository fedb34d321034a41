package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// listener accepts connections for one mapping and relays each accepted
// connection to the mapping's backend target.
type listener struct {
	id string
	ln net.Listener

	// target is the backend address ("host:port"), swappable at runtime
	// so target updates affect new connections without a rebind.
	target atomic.Value // string

	dial        DialFunc
	dialTimeout time.Duration
	idleTimeout time.Duration
	bufSize     int
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conns     map[*conn]struct{}
	wg        sync.WaitGroup
	connCount atomic.Int64
	relayErrs atomic.Int64
	accepted  atomic.Int64
	closed    atomic.Bool
}

func (l *listener) setTarget(host string, port int) {
	l.target.Store(net.JoinHostPort(host, strconv.Itoa(port)))
}

// acceptLoop runs until the listener is closed. A failed connection only
// affects itself; the loop keeps accepting.
func (l *listener) acceptLoop() {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Error("accept failed", "mapping", l.id, "error", err)
			continue
		}
		l.accepted.Add(1)
		l.wg.Add(1)
		go l.handle(c)
	}
}

func (l *listener) handle(client net.Conn) {
	defer l.wg.Done()

	if tc, ok := client.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}

	addr, _ := l.target.Load().(string)
	dialCtx, cancel := context.WithTimeout(l.ctx, l.dialTimeout)
	backend, err := l.dial(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		l.relayErrs.Add(1)
		l.log.Warn("backend unreachable", "mapping", l.id, "target", addr, "error", err)
		_ = client.Close()
		return
	}
	if tc, ok := backend.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	rc := &conn{
		client:      client,
		backend:     backend,
		idleTimeout: l.idleTimeout,
		bufSize:     l.bufSize,
	}

	l.mu.Lock()
	l.conns[rc] = struct{}{}
	l.mu.Unlock()
	l.connCount.Add(1)

	l.log.Debug("connection opened", "mapping", l.id, "client", client.RemoteAddr(), "target", addr)
	rc.run(l.ctx)

	l.mu.Lock()
	delete(l.conns, rc)
	l.mu.Unlock()
	l.connCount.Add(-1)
}

// stop closes the listener socket immediately, then waits up to drain for
// in-flight connections before force-closing them.
func (l *listener) stop(drain time.Duration) {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	_ = l.ln.Close()

	drained := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drain):
		l.mu.Lock()
		for rc := range l.conns {
			rc.close()
		}
		l.mu.Unlock()
	}

	l.cancel()
	l.wg.Wait()
}
