package runner

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Directories never included in snapshots: version control, caches, and
// dependency trees.
var skipDirs = map[string]bool{
	".git":          true,
	".relay":        true,
	".venv":         true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".ruff_cache":   true,
	"__pycache__":   true,
	"node_modules":  true,
	".codex":        true,
	".claude":       true,
}

var skipFiles = map[string]bool{
	".DS_Store": true,
}

type fileMeta struct {
	modTimeNs int64
	size      int64
}

// FileChangeTracker detects file changes under a root directory by comparing
// filesystem snapshots of (path -> size, mtime). A file rewritten with
// identical bytes and an unchanged mtime is not detected; that is the cost
// trade-off of not hashing.
type FileChangeTracker struct {
	root     string
	snapshot map[string]fileMeta
}

// NewFileChangeTracker snapshots the root immediately.
func NewFileChangeTracker(root string) *FileChangeTracker {
	return &FileChangeTracker{root: root, snapshot: takeSnapshot(root)}
}

// Diff compares the current filesystem against the construction-time
// snapshot and returns sorted (filesChanged, filesAdded) relative paths.
func (t *FileChangeTracker) Diff() (changed, added []string) {
	current := takeSnapshot(t.root)
	if len(current) == 0 {
		return nil, nil
	}
	if len(t.snapshot) == 0 {
		for path := range current {
			added = append(added, path)
		}
		sort.Strings(added)
		return nil, added
	}

	for path, meta := range current {
		prev, ok := t.snapshot[path]
		switch {
		case !ok:
			added = append(added, path)
		case meta != prev:
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	sort.Strings(added)
	return changed, added
}

func takeSnapshot(root string) map[string]fileMeta {
	if _, err := os.Stat(root); err != nil {
		return nil
	}

	snapshot := map[string]fileMeta{}
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if skipFiles[d.Name()] || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		snapshot[filepath.ToSlash(rel)] = fileMeta{
			modTimeNs: info.ModTime().UnixNano(),
			size:      info.Size(),
		}
		return nil
	})
	return snapshot
}
