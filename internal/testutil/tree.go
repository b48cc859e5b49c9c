// Package testutil builds manifest fixtures for store-backed tests.
package testutil

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
)

// OpenStore returns a store rooted in a temp dir.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	return st
}

// FileKind stores content as a blob and returns a file entry kind with
// mode 0644.
func FileKind(t *testing.T, st *store.Store, content string) object.EntryKind {
	t.Helper()
	id, err := st.PutBlob([]byte(content))
	require.NoError(t, err)
	return object.FileEntry(id, 0o644, uint64(len(content)))
}

// BuildTree stores a manifest tree described as slash-separated paths to
// file contents and returns the root manifest id.
func BuildTree(t *testing.T, st *store.Store, files map[string]string) object.ID {
	t.Helper()
	return buildDir(t, st, files)
}

func buildDir(t *testing.T, st *store.Store, files map[string]string) object.ID {
	t.Helper()
	direct := make(map[string]string)
	subdirs := make(map[string]map[string]string)
	for path, content := range files {
		if i := strings.IndexByte(path, '/'); i >= 0 {
			dir, rest := path[:i], path[i+1:]
			if subdirs[dir] == nil {
				subdirs[dir] = make(map[string]string)
			}
			subdirs[dir][rest] = content
		} else {
			direct[path] = content
		}
	}

	names := make(map[string]object.EntryKind)
	for name, content := range direct {
		names[name] = FileKind(t, st, content)
	}
	for name, sub := range subdirs {
		names[name] = object.DirEntry(buildDir(t, st, sub))
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	entries := make([]object.Entry, 0, len(sorted))
	for _, n := range sorted {
		entries = append(entries, object.Entry{Name: n, EntryKind: names[n]})
	}
	id, err := st.PutManifest(&object.Manifest{Version: 1, Entries: entries})
	require.NoError(t, err)
	return id
}
