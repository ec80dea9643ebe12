package sshmux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivePortStableAndInRange(t *testing.T) {
	for _, username := range []string{"alice", "bob", "a", "someone.with.a.long.name"} {
		p := DerivePort(username)
		assert.Equal(t, p, DerivePort(username), "port must be stable for %s", username)
		assert.GreaterOrEqual(t, p, BasePort)
		assert.Less(t, p, BasePort+PortSpan)
	}
	assert.NotEqual(t, DerivePort("alice"), DerivePort("bob"))
}

func TestWriteUpstreamSingleLine(t *testing.T) {
	root := t.TempDir()
	w := New(root)

	require.NoError(t, w.WriteUpstream("alice", "10.0.0.2:22123"))

	raw, err := os.ReadFile(filepath.Join(root, "alice", "upstream"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:22123\n", string(raw))

	// A rewrite (migration) replaces the previous value wholesale.
	require.NoError(t, w.WriteUpstream("alice", "10.0.0.3:22123"))
	raw, err = os.ReadFile(filepath.Join(root, "alice", "upstream"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3:22123\n", string(raw))
}

func TestWriteKeysModes(t *testing.T) {
	root := t.TempDir()
	w := New(root)

	require.NoError(t, w.WriteKeys("alice", []byte("PRIVATE"), []byte("ssh-ed25519 AAAA alice\n")))

	pub, err := os.Stat(filepath.Join(root, "alice", "authorized_keys"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), pub.Mode().Perm())

	priv, err := os.Stat(filepath.Join(root, "alice", "id_ed25519"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), priv.Mode().Perm())
}

func TestRemoveDeletesDirAndToleratesMissing(t *testing.T) {
	root := t.TempDir()
	w := New(root)

	require.NoError(t, w.WriteUpstream("alice", "10.0.0.2:22123"))
	require.NoError(t, w.Remove("alice"))

	_, err := os.Stat(filepath.Join(root, "alice"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, w.Remove("alice"))
}
