package workspace

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTempWorkspaceIsUniqueAndRemoved(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := New(Options{Fs: fs})
	require.NoError(t, err)
	b, err := New(Options{Fs: fs})
	require.NoError(t, err)
	assert.NotEqual(t, a.Dir(), b.Dir())
	assert.False(t, a.Retained())

	require.NoError(t, afero.WriteFile(fs, a.Path("references.txt"), []byte("g1\n"), 0o644))
	require.NoError(t, a.Close())
	exists, err := afero.DirExists(fs, a.Dir())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDebugWorkspaceIsFixedAndRetained(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := New(Options{Fs: fs, Debug: true, OutputDir: "/out"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/out", DebugDirName), w.Dir())
	assert.True(t, w.Retained())
	require.NoError(t, w.Close())
	exists, _ := afero.DirExists(fs, w.Dir())
	assert.True(t, exists)

	again, err := New(Options{Fs: fs, Debug: true, OutputDir: "/out"})
	require.NoError(t, err)
	assert.Equal(t, w.Dir(), again.Dir())
}

func TestUniqueDebugWorkspace(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := func() time.Time { return time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC) }
	w, err := New(Options{Fs: fs, Debug: true, UniqueDebug: true, OutputDir: "/out", Now: now})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(w.Dir()), DebugDirName+"-20250203T040506-"))
}

func TestCopyOut(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := New(Options{Fs: fs})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, w.Path("placement_order.txt"), []byte("A\nB\n"), 0o644))
	require.NoError(t, fs.MkdirAll("/results", 0o755))
	require.NoError(t, w.CopyOut("placement_order.txt", "/results/order.txt"))
	data, err := afero.ReadFile(fs, "/results/order.txt")
	require.NoError(t, err)
	assert.Equal(t, "A\nB\n", string(data))
	assert.Error(t, w.CopyOut("missing.txt", "/results/x"))
}
