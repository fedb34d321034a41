package relay

import (
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		BindHost:     "127.0.0.1",
		DialTimeout:  2 * time.Second,
		DrainTimeout: time.Second,
	}
}

// startEchoBackend runs a TCP echo server on an ephemeral port.
func startEchoBackend(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// startBannerBackend accepts, writes banner, and closes.
func startBannerBackend(t *testing.T, banner string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = c.Write([]byte(banner))
			_ = c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// freePort grabs an ephemeral port and releases it for the test to bind.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func dialRelay(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	return c
}

func TestPoolRelaysTraffic(t *testing.T) {
	t.Parallel()

	backendPort := startEchoBackend(t)
	listenPort := freePort(t)

	p := NewPool(testConfig())
	defer p.Shutdown()
	require.NoError(t, p.StartListener(Spec{
		ID: "m1", ListenPort: listenPort, TargetHost: "127.0.0.1", TargetPort: backendPort,
	}))
	assert.True(t, p.Running("m1"))

	c := dialRelay(t, listenPort)
	defer func() { _ = c.Close() }()

	_, err := c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.Eventually(t, func() bool { return p.ConnCount("m1") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return p.ConnCount("m1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPoolDuplicateListener(t *testing.T) {
	t.Parallel()

	p := NewPool(testConfig())
	defer p.Shutdown()
	listenPort := freePort(t)

	require.NoError(t, p.StartListener(Spec{ID: "m1", ListenPort: listenPort, TargetHost: "127.0.0.1", TargetPort: 1}))
	err := p.StartListener(Spec{ID: "m1", ListenPort: freePort(t), TargetHost: "127.0.0.1", TargetPort: 1})
	assert.ErrorIs(t, err, ErrListenerExists)
}

func TestPoolBindFailure(t *testing.T) {
	t.Parallel()

	// Occupy the port so the bind must fail.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	takenPort := ln.Addr().(*net.TCPAddr).Port

	p := NewPool(testConfig())
	err = p.StartListener(Spec{ID: "m1", ListenPort: takenPort, TargetHost: "127.0.0.1", TargetPort: 1})
	require.Error(t, err)

	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, takenPort, bindErr.Port)
	assert.False(t, p.Running("m1"), "failed bind leaves no listener behind")
}

func TestPoolStopListener(t *testing.T) {
	t.Parallel()

	p := NewPool(testConfig())
	listenPort := freePort(t)
	require.NoError(t, p.StartListener(Spec{ID: "m1", ListenPort: listenPort, TargetHost: "127.0.0.1", TargetPort: 1}))

	require.NoError(t, p.StopListener("m1"))
	assert.False(t, p.Running("m1"))

	// The port is released for reuse.
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort)))
	require.NoError(t, err)
	_ = ln.Close()

	assert.ErrorIs(t, p.StopListener("m1"), ErrListenerNotFound)
}

func TestPoolSetTarget(t *testing.T) {
	t.Parallel()

	portA := startBannerBackend(t, "backend-a")
	portB := startBannerBackend(t, "backend-b")
	listenPort := freePort(t)

	p := NewPool(testConfig())
	defer p.Shutdown()
	require.NoError(t, p.StartListener(Spec{ID: "m1", ListenPort: listenPort, TargetHost: "127.0.0.1", TargetPort: portA}))

	readBanner := func() string {
		c := dialRelay(t, listenPort)
		defer func() { _ = c.Close() }()
		data, err := io.ReadAll(c)
		require.NoError(t, err)
		return string(data)
	}

	assert.Equal(t, "backend-a", readBanner())

	require.NoError(t, p.SetTarget("m1", "127.0.0.1", portB))
	assert.Equal(t, "backend-b", readBanner(), "new connections hit the new target")

	assert.ErrorIs(t, p.SetTarget("nope", "127.0.0.1", portB), ErrListenerNotFound)
}

func TestPoolBackendUnreachable(t *testing.T) {
	t.Parallel()

	deadPort := freePort(t) // nothing listens here
	listenPort := freePort(t)

	p := NewPool(testConfig())
	defer p.Shutdown()
	require.NoError(t, p.StartListener(Spec{ID: "m1", ListenPort: listenPort, TargetHost: "127.0.0.1", TargetPort: deadPort}))

	c := dialRelay(t, listenPort)
	defer func() { _ = c.Close() }()

	// The relay closes the client once the backend dial fails.
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.Read(make([]byte, 1))
	assert.Error(t, err)

	// One connection's failure is counted, the listener keeps accepting.
	require.Eventually(t, func() bool {
		for _, st := range p.Stats() {
			if st.ID == "m1" && st.RelayErrors == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, p.Running("m1"))
}

func TestPoolStats(t *testing.T) {
	t.Parallel()

	backendPort := startEchoBackend(t)
	listenPort := freePort(t)

	p := NewPool(testConfig())
	defer p.Shutdown()
	require.NoError(t, p.StartListener(Spec{ID: "m1", ListenPort: listenPort, TargetHost: "127.0.0.1", TargetPort: backendPort}))

	c := dialRelay(t, listenPort)
	defer func() { _ = c.Close() }()
	_, err := c.Write([]byte("x"))
	require.NoError(t, err)
	_, err = io.ReadFull(c, make([]byte, 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats := p.Stats()
		return len(stats) == 1 && stats[0].TotalConns == 1 && stats[0].ActiveConns == 1
	}, 2*time.Second, 10*time.Millisecond)

	st := p.Stats()[0]
	assert.Equal(t, "m1", st.ID)
	assert.Equal(t, listenPort, st.ListenPort)
}

func TestPoolShutdown(t *testing.T) {
	t.Parallel()

	p := NewPool(testConfig())
	for i, port := range []int{freePort(t), freePort(t)} {
		require.NoError(t, p.StartListener(Spec{
			ID: "m" + strconv.Itoa(i), ListenPort: port, TargetHost: "127.0.0.1", TargetPort: 1,
		}))
	}

	p.Shutdown()
	assert.False(t, p.Running("m0"))
	assert.False(t, p.Running("m1"))
	assert.Empty(t, p.Stats())
}

func TestPoolIdleTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.IdleTimeout = 100 * time.Millisecond

	backendPort := startEchoBackend(t)
	listenPort := freePort(t)

	p := NewPool(cfg)
	defer p.Shutdown()
	require.NoError(t, p.StartListener(Spec{ID: "m1", ListenPort: listenPort, TargetHost: "127.0.0.1", TargetPort: backendPort}))

	c := dialRelay(t, listenPort)
	defer func() { _ = c.Close() }()

	// A silent connection is torn down once the idle window elapses.
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := c.Read(make([]byte, 1))
	assert.Error(t, err)
	require.Eventually(t, func() bool { return p.ConnCount("m1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
