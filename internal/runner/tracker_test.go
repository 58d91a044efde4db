package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFileChangeTrackerDetectsAddsAndChanges(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	existing := writeTestFile(t, root, "pkg/main.go", "package main")
	writeTestFile(t, root, "README.md", "readme")

	tracker := NewFileChangeTracker(root)

	// Changed file: rewrite with different size so mtime granularity
	// cannot hide the change.
	require.NoError(t, os.WriteFile(existing, []byte("package main // edited"), 0644))
	writeTestFile(t, root, "pkg/new.go", "package pkg")

	changed, added := tracker.Diff()
	require.Equal(t, []string{"pkg/main.go"}, changed)
	require.Equal(t, []string{"pkg/new.go"}, added)
}

func TestFileChangeTrackerDetectsMtimeOnlyChange(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	path := writeTestFile(t, root, "a.txt", "same size")
	tracker := NewFileChangeTracker(root)

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	changed, added := tracker.Diff()
	require.Equal(t, []string{"a.txt"}, changed)
	require.Empty(t, added)
}

func TestFileChangeTrackerSkipsExcludedDirs(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	tracker := NewFileChangeTracker(root)

	writeTestFile(t, root, ".git/objects/ab", "blob")
	writeTestFile(t, root, "node_modules/dep/index.js", "x")
	writeTestFile(t, root, "__pycache__/m.pyc", "x")
	writeTestFile(t, root, ".relay/state/t.state.json", "{}")
	writeTestFile(t, root, "src/kept.go", "package src")

	changed, added := tracker.Diff()
	require.Empty(t, changed)
	require.Equal(t, []string{"src/kept.go"}, added)
}

func TestFileChangeTrackerEmptyInitialSnapshot(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	missing := filepath.Join(root, "does-not-exist-yet")

	tracker := NewFileChangeTracker(missing)

	require.NoError(t, os.MkdirAll(missing, 0755))
	writeTestFile(t, missing, "a.txt", "x")
	writeTestFile(t, missing, "b.txt", "y")

	changed, added := tracker.Diff()
	require.Empty(t, changed)
	require.Equal(t, []string{"a.txt", "b.txt"}, added)
}
