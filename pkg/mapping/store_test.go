package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMapping(id string, port int) *Mapping {
	return &Mapping{
		ID:         id,
		ListenPort: port,
		TargetHost: "backend.local",
		TargetPort: 9000,
	}
}

func TestStoreCreate(t *testing.T) {
	t.Parallel()

	t.Run("creates record with defaults", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		require.NoError(t, s.Create(newTestMapping("m1", 9100)))

		m, err := s.Get("m1")
		require.NoError(t, err)
		assert.Equal(t, StatePending, m.State)
		assert.Equal(t, ProtocolTCP, m.Protocol)
		assert.False(t, m.CreatedAt.IsZero())
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		require.NoError(t, s.Create(newTestMapping("m1", 9100)))
		err := s.Create(newTestMapping("m1", 9101))
		assert.ErrorIs(t, err, ErrDuplicateID)
	})

	t.Run("rejects port held by live mapping", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		require.NoError(t, s.Create(newTestMapping("m1", 9100)))
		err := s.Create(newTestMapping("m2", 9100))
		assert.ErrorIs(t, err, ErrPortConflict)
	})

	t.Run("allows port held by removed mapping", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		require.NoError(t, s.Create(newTestMapping("m1", 9100)))
		_, err := s.Transition("m1", StateRemoving)
		require.NoError(t, err)
		_, err = s.Transition("m1", StateRemoved)
		require.NoError(t, err)

		assert.NoError(t, s.Create(newTestMapping("m2", 9100)))
	})
}

func TestStoreList(t *testing.T) {
	t.Parallel()

	t.Run("returns creation order", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Create(newTestMapping(fmt.Sprintf("m%d", i), 9100+i)))
		}
		list := s.List()
		require.Len(t, list, 5)
		for i, m := range list {
			assert.Equal(t, fmt.Sprintf("m%d", i), m.ID)
		}
	})

	t.Run("returns copies", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		require.NoError(t, s.Create(newTestMapping("m1", 9100)))
		s.List()[0].TargetHost = "mutated"

		m, err := s.Get("m1")
		require.NoError(t, err)
		assert.Equal(t, "backend.local", m.TargetHost)
	})
}

func TestStoreTransitions(t *testing.T) {
	t.Parallel()

	t.Run("walks the full lifecycle", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		require.NoError(t, s.Create(newTestMapping("m1", 9100)))

		for _, next := range []State{StateActive, StateDegraded, StateActive, StateRemoving, StateRemoved} {
			_, err := s.Transition("m1", next)
			require.NoError(t, err, "transition to %s", next)
		}
	})

	t.Run("rejects skipping states", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		require.NoError(t, s.Create(newTestMapping("m1", 9100)))

		_, err := s.Transition("m1", StateRemoved)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("rejects re-entering pending", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		require.NoError(t, s.Create(newTestMapping("m1", 9100)))
		_, err := s.Transition("m1", StateActive)
		require.NoError(t, err)

		_, err = s.Transition("m1", StatePending)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("removed is terminal", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		require.NoError(t, s.Create(newTestMapping("m1", 9100)))
		_, err := s.Transition("m1", StateRemoving)
		require.NoError(t, err)
		_, err = s.Transition("m1", StateRemoved)
		require.NoError(t, err)

		_, err = s.Transition("m1", StateActive)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("failed update leaves record untouched", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		require.NoError(t, s.Create(newTestMapping("m1", 9100)))

		_, err := s.Update("m1", func(m *Mapping) error {
			m.TargetHost = "other.local"
			m.State = StateRemoved // illegal from pending
			return nil
		})
		require.ErrorIs(t, err, ErrInvalidState)

		m, err := s.Get("m1")
		require.NoError(t, err)
		assert.Equal(t, "backend.local", m.TargetHost)
		assert.Equal(t, StatePending, m.State)
	})
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()

	t.Run("rejects delete before removed", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		require.NoError(t, s.Create(newTestMapping("m1", 9100)))
		assert.ErrorIs(t, s.Delete("m1"), ErrInvalidState)
	})

	t.Run("purges removed record", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		require.NoError(t, s.Create(newTestMapping("m1", 9100)))
		_, err := s.Transition("m1", StateRemoving)
		require.NoError(t, err)
		_, err = s.Transition("m1", StateRemoved)
		require.NoError(t, err)

		require.NoError(t, s.Delete("m1"))
		_, err = s.Get("m1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, s.List())
	})

	t.Run("unknown id", func(t *testing.T) {
		t.Parallel()
		s := NewStore()
		assert.ErrorIs(t, s.Delete("nope"), ErrNotFound)
	})
}

func TestStorePurgeExpired(t *testing.T) {
	t.Parallel()

	s := NewStore(WithRetention(time.Millisecond))
	require.NoError(t, s.Create(newTestMapping("m1", 9100)))
	_, err := s.Transition("m1", StateRemoving)
	require.NoError(t, err)
	_, err = s.Transition("m1", StateRemoved)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, s.PurgeExpired())
	assert.Equal(t, 0, s.Count())
}

func TestStoreUsedPorts(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.NoError(t, s.Create(newTestMapping("m1", 9100)))
	require.NoError(t, s.Create(newTestMapping("m2", 9101)))
	_, err := s.Transition("m2", StateRemoving)
	require.NoError(t, err)
	_, err = s.Transition("m2", StateRemoved)
	require.NoError(t, err)

	used := s.UsedPorts()
	assert.True(t, used[9100])
	assert.False(t, used[9101], "removed mapping releases its port")
}

func TestStoreConcurrentWriters(t *testing.T) {
	t.Parallel()

	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Create(newTestMapping(fmt.Sprintf("m%d", i), 9100+i))
		}(i)
	}
	// Concurrent readers must never observe a torn record.
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				for _, m := range s.List() {
					assert.NotEmpty(t, m.ID)
					assert.NotZero(t, m.ListenPort)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, s.Count())
}

func TestStoreEvents(t *testing.T) {
	t.Parallel()

	s := NewStore()
	events, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Create(newTestMapping("m1", 9100)))
	_, err := s.Transition("m1", StateActive)
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, EventCreated, ev.Type)
	assert.Equal(t, "m1", ev.Mapping.ID)

	ev = <-events
	assert.Equal(t, EventUpdated, ev.Type)
	assert.Equal(t, StateActive, ev.Mapping.State)
}

func TestStorePersistence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "port_mappings.json")

	s := NewStore(WithPersistence(path))
	require.NoError(t, s.Create(newTestMapping("m1", 9100)))
	_, err := s.Transition("m1", StateActive)
	require.NoError(t, err)
	_, err = s.Update("m1", func(m *Mapping) error {
		m.ListenerReady = true
		m.ForwardingApplied = true
		return nil
	})
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)

	t.Run("reload resets runtime state", func(t *testing.T) {
		s2 := NewStore(WithPersistence(path))
		require.NoError(t, s2.Load())

		m, err := s2.Get("m1")
		require.NoError(t, err)
		assert.Equal(t, StatePending, m.State, "active falls back to pending on restart")
		assert.False(t, m.ListenerReady)
		assert.False(t, m.ForwardingApplied)
		assert.Equal(t, 9100, m.ListenPort)
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		s3 := NewStore(WithPersistence(filepath.Join(t.TempDir(), "absent.json")))
		assert.NoError(t, s3.Load())
	})
}
