//go:build linux

package shmpipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoveStaleKeepsRecreatedSegment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))
	old, err := os.Open(path)
	require.NoError(t, err)

	// Another opener took over first and created a fresh segment.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.WriteFile(path, []byte("new"), 0o600))

	removeStale(path, old)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "new", string(b))

	cur, err := os.Open(path)
	require.NoError(t, err)
	removeStale(path, cur)
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}
