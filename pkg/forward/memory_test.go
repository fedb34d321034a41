package forward

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryForwarder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("apply replaces rule for same port", func(t *testing.T) {
		t.Parallel()
		f := NewMemoryForwarder()
		require.NoError(t, f.ApplyRule(ctx, Rule{ListenPort: 9100, TargetHost: "a", TargetPort: 1}))
		require.NoError(t, f.ApplyRule(ctx, Rule{ListenPort: 9100, TargetHost: "b", TargetPort: 2}))

		rules, err := f.ListRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "b", rules[0].TargetHost)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		t.Parallel()
		f := NewMemoryForwarder()
		require.NoError(t, f.ApplyRule(ctx, Rule{ListenPort: 9100, TargetHost: "a", TargetPort: 1}))
		require.NoError(t, f.RemoveRule(ctx, 9100))
		require.NoError(t, f.RemoveRule(ctx, 9100))

		rules, err := f.ListRules(ctx)
		require.NoError(t, err)
		assert.Empty(t, rules)
	})

	t.Run("list is ordered by port", func(t *testing.T) {
		t.Parallel()
		f := NewMemoryForwarder()
		require.NoError(t, f.ApplyRule(ctx, Rule{ListenPort: 9102, TargetHost: "c", TargetPort: 3}))
		require.NoError(t, f.ApplyRule(ctx, Rule{ListenPort: 9100, TargetHost: "a", TargetPort: 1}))
		require.NoError(t, f.ApplyRule(ctx, Rule{ListenPort: 9101, TargetHost: "b", TargetPort: 2}))

		rules, err := f.ListRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 3)
		assert.Equal(t, []int{9100, 9101, 9102}, []int{rules[0].ListenPort, rules[1].ListenPort, rules[2].ListenPort})
	})

	t.Run("honors cancelled context", func(t *testing.T) {
		t.Parallel()
		f := NewMemoryForwarder()
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		assert.Error(t, f.ApplyRule(cancelled, Rule{ListenPort: 9100}))
		assert.Error(t, f.RemoveRule(cancelled, 9100))
		_, err := f.ListRules(cancelled)
		assert.Error(t, err)
	})
}
