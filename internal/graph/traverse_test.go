package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-vcs/converge/internal/converr"
	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
	"github.com/converge-vcs/converge/internal/testutil"
)

func TestWalkEntries_PathsAreSlashJoined(t *testing.T) {
	st := testutil.OpenStore(t)
	root := testutil.BuildTree(t, st, map[string]string{
		"top.txt":     "t",
		"a/mid.txt":   "m",
		"a/b/leaf.go": "l",
	})
	var paths []string
	err := WalkEntries(st, root, func(path string, e object.Entry) error {
		paths = append(paths, path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a/b", "a/b/leaf.go", "a/mid.txt", "top.txt"}, paths)
}

func TestWalkEntries_MissingManifest(t *testing.T) {
	st := testutil.OpenStore(t)
	absent := object.HashBytes([]byte("never stored"))
	err := WalkEntries(st, absent, func(string, object.Entry) error { return nil })
	require.Error(t, err)
	assert.Equal(t, converr.KindMissingObject, converr.KindOf(err))
}

func TestMissingContent_SamplesAbsentBlobs(t *testing.T) {
	st := testutil.OpenStore(t)
	root := testutil.BuildTree(t, st, map[string]string{"a": "1", "b": "2", "c": "3"})

	m, err := st.GetManifest(root)
	require.NoError(t, err)
	for _, e := range m.Entries[:2] {
		require.NoError(t, st.Delete(store.KindBlob, e.Blob))
	}

	missing, err := MissingContent(st, root, 0)
	require.NoError(t, err)
	assert.Len(t, missing, 2)

	limited, err := MissingContent(st, root, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1, "sample is bounded")
}

func TestReachable_MarksWholeClosure(t *testing.T) {
	st := testutil.OpenStore(t)
	root := testutil.BuildTree(t, st, map[string]string{
		"a.txt":       "alpha",
		"dir/b.txt":   "beta",
		"dir/c/d.txt": "delta",
	})
	reach := NewReachable()
	require.NoError(t, reach.MarkManifest(st, root))
	assert.Len(t, reach.Manifests, 3)
	assert.Len(t, reach.Blobs, 3)
	assert.Empty(t, reach.Recipes)
}

func TestSuperpositionPaths_EmptyOnCleanTree(t *testing.T) {
	st := testutil.OpenStore(t)
	root := testutil.BuildTree(t, st, map[string]string{"a": "1"})
	_, paths, err := SuperpositionPaths(st, root)
	require.NoError(t, err)
	assert.Empty(t, paths)

	has, err := HasSuperpositions(st, root)
	require.NoError(t, err)
	assert.False(t, has)
}
