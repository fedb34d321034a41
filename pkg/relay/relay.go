// Package relay implements the proxy listener pool: one TCP listener per
// active mapping, streaming bytes between accepted connections and the
// mapping's backend target.
package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// BindError reports an OS-level listen failure. The port was allocated but
// taken out-of-band before the listener could bind it; the caller is
// expected to reallocate.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// conn is a single relayed connection pair.
type conn struct {
	client  net.Conn
	backend net.Conn

	idleTimeout time.Duration
	bufSize     int

	closeOnce sync.Once
}

// run relays bytes in both directions until either side closes, the idle
// timeout elapses, or ctx is cancelled. It owns both sockets and closes
// them on return.
func (c *conn) run(ctx context.Context) {
	defer c.close()

	done := make(chan struct{}, 2)
	go c.pipe(c.client, c.backend, done)
	go c.pipe(c.backend, c.client, done)

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// pipe copies one direction. Each read is bounded by the idle timeout so a
// silent peer cannot hold the relay open forever.
func (c *conn) pipe(src, dst net.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	buf := make([]byte, c.bufSize)
	for {
		if c.idleTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				c.close()
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				// Half-close: flush the write side so the peer sees EOF.
				if tc, ok := dst.(*net.TCPConn); ok {
					_ = tc.CloseWrite()
				}
			}
			c.close()
			return
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.client.Close()
		_ = c.backend.Close()
	})
}
