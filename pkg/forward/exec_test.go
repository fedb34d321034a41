package forward

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecForwarder(t *testing.T) {
	t.Parallel()

	_, err := NewExecForwarder([]string{"apply"}, []string{"remove"}, nil)
	assert.Error(t, err)

	_, err = NewExecForwarder([]string{"apply"}, []string{"remove"}, []string{"list"})
	assert.NoError(t, err)
}

func TestExpand(t *testing.T) {
	t.Parallel()

	argv := expand([]string{"fwctl", "add", "--port={port}", "--to={host}:{targetPort}"}, 9100, "backend.local", 9000)
	assert.Equal(t, []string{"fwctl", "add", "--port=9100", "--to=backend.local:9000"}, argv)
}

func TestParseRules(t *testing.T) {
	t.Parallel()

	t.Run("parses rule lines", func(t *testing.T) {
		t.Parallel()
		rules, err := parseRules([]byte("9100 backend.local 9000\n9101 other.local 9001\n"))
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, Rule{ListenPort: 9100, TargetHost: "backend.local", TargetPort: 9000}, rules[0])
	})

	t.Run("skips blanks and comments", func(t *testing.T) {
		t.Parallel()
		rules, err := parseRules([]byte("# header\n\n9100 backend.local 9000\n"))
		require.NoError(t, err)
		assert.Len(t, rules, 1)
	})

	t.Run("rejects malformed lines", func(t *testing.T) {
		t.Parallel()
		_, err := parseRules([]byte("9100 backend.local\n"))
		assert.Error(t, err)

		_, err = parseRules([]byte("nan backend.local 9000\n"))
		assert.Error(t, err)
	})

	t.Run("empty output is an empty rule set", func(t *testing.T) {
		t.Parallel()
		rules, err := parseRules(nil)
		require.NoError(t, err)
		assert.Empty(t, rules)
	})
}

func TestExecForwarderRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("apply runs the expanded command", func(t *testing.T) {
		t.Parallel()
		f, err := NewExecForwarder(
			[]string{"sh", "-c", "test {port} = 9100 && test {host} = backend.local"},
			[]string{"true"},
			[]string{"true"},
		)
		require.NoError(t, err)
		assert.NoError(t, f.ApplyRule(ctx, Rule{ListenPort: 9100, TargetHost: "backend.local", TargetPort: 9000}))
	})

	t.Run("failure surfaces stderr", func(t *testing.T) {
		t.Parallel()
		f, err := NewExecForwarder(
			[]string{"sh", "-c", "echo no such chain >&2; exit 1"},
			[]string{"true"},
			[]string{"true"},
		)
		require.NoError(t, err)
		err = f.ApplyRule(ctx, Rule{ListenPort: 9100})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no such chain")
	})

	t.Run("list parses command output", func(t *testing.T) {
		t.Parallel()
		f, err := NewExecForwarder(
			[]string{"true"},
			[]string{"true"},
			[]string{"sh", "-c", "printf '9100 backend.local 9000\\n'"},
		)
		require.NoError(t, err)
		rules, err := f.ListRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, 9100, rules[0].ListenPort)
	})
}
