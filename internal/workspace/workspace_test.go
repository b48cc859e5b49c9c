package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-vcs/converge/internal/chunker"
	"github.com/converge-vcs/converge/internal/coalesce"
	"github.com/converge-vcs/converge/internal/graph"
	"github.com/converge-vcs/converge/internal/object"
)

func initTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := Init(t.TempDir())
	require.NoError(t, err)
	return ws
}

func write(t *testing.T, root, path, content string) {
	t.Helper()
	full := filepath.Join(root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestInit_ThenOpen(t *testing.T) {
	dir := t.TempDir()
	ws, err := Init(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, ws.Config.WorkspaceID)

	_, err = Init(dir)
	assert.Error(t, err, "double init rejected")

	reopened, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, ws.Config.WorkspaceID, reopened.Config.WorkspaceID)
}

func TestSnap_HeadAdvancesAndStatsCount(t *testing.T) {
	ws := initTestWorkspace(t)
	write(t, ws.Root, "a.txt", "alpha")
	write(t, ws.Root, "src/b.txt", "beta")
	require.NoError(t, os.Symlink("a.txt", filepath.Join(ws.Root, "link")))

	snap, err := ws.CreateSnap(context.Background(), "first")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Stats.Files)
	assert.Equal(t, uint64(1), snap.Stats.Dirs)
	assert.Equal(t, uint64(1), snap.Stats.Symlinks)
	assert.Equal(t, uint64(9), snap.Stats.Bytes)

	head, err := ws.Head()
	require.NoError(t, err)
	assert.Equal(t, snap.ID, head)
}

func TestScan_DeterministicAcrossRescans(t *testing.T) {
	ws := initTestWorkspace(t)
	write(t, ws.Root, "z.txt", "zz")
	write(t, ws.Root, "a.txt", "aa")
	write(t, ws.Root, "dir/nested.txt", "nn")

	var stats object.SnapStats
	first, err := ws.Scan(context.Background(), &stats)
	require.NoError(t, err)
	second, err := ws.Scan(context.Background(), &stats)
	require.NoError(t, err)
	assert.Equal(t, first, second, "identical tree scans to the identical manifest id")
}

func TestScan_IgnoresStateAndGit(t *testing.T) {
	ws := initTestWorkspace(t)
	write(t, ws.Root, "tracked.txt", "yes")
	write(t, ws.Root, ".git/config", "no")

	var stats object.SnapStats
	root, err := ws.Scan(context.Background(), &stats)
	require.NoError(t, err)
	m, err := ws.Store.GetManifest(root)
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)
	assert.Equal(t, "tracked.txt", m.Entries[0].Name)
}

func TestScan_PreservesExecutableBit(t *testing.T) {
	ws := initTestWorkspace(t)
	full := filepath.Join(ws.Root, "run.sh")
	require.NoError(t, os.WriteFile(full, []byte("#!/bin/sh\n"), 0o755))

	var stats object.SnapStats
	root, err := ws.Scan(context.Background(), &stats)
	require.NoError(t, err)
	m, err := ws.Store.GetManifest(root)
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)
	assert.Equal(t, uint32(0o755), m.Entries[0].Mode)
}

func TestScan_ChunksLargeFiles(t *testing.T) {
	ws := initTestWorkspace(t)
	ws.Config.Chunking = ChunkingConfig{ChunkSize: 16, Threshold: 32}
	big := make([]byte, 40)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "big.bin"), big, 0o644))

	var stats object.SnapStats
	root, err := ws.Scan(context.Background(), &stats)
	require.NoError(t, err)
	m, err := ws.Store.GetManifest(root)
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)
	require.Equal(t, object.TypeChunked, m.Entries[0].Type)

	recipe, err := ws.Store.GetRecipe(m.Entries[0].Recipe)
	require.NoError(t, err)
	assert.Len(t, recipe.Chunks, 3)
}

func TestRestore_RoundTrip(t *testing.T) {
	ws := initTestWorkspace(t)
	write(t, ws.Root, "a.txt", "alpha")
	write(t, ws.Root, "src/b.txt", "beta")
	require.NoError(t, os.Symlink("a.txt", filepath.Join(ws.Root, "link")))

	snap, err := ws.CreateSnap(context.Background(), "")
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, ws.Restore(context.Background(), snap.RootManifest, dest))

	data, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	data, err = os.ReadFile(filepath.Join(dest, "src/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))

	target, err := os.Readlink(filepath.Join(dest, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)
}

func TestRestore_ChunkedRoundTrip(t *testing.T) {
	ws := initTestWorkspace(t)
	ws.Config.Chunking = ChunkingConfig{ChunkSize: 16, Threshold: 32}
	big := make([]byte, 100)
	for i := range big {
		big[i] = byte(i % 7)
	}
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "big.bin"), big, 0o644))

	snap, err := ws.CreateSnap(context.Background(), "")
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, ws.Restore(context.Background(), snap.RootManifest, dest))
	data, err := os.ReadFile(filepath.Join(dest, "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, big, data)
}

func TestRestore_RefusesSuperpositions(t *testing.T) {
	ws := initTestWorkspace(t)
	write(t, ws.Root, "f.txt", "one")
	s1, err := ws.CreateSnap(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "f.txt"), []byte("two"), 0o644))
	s2, err := ws.CreateSnap(context.Background(), "")
	require.NoError(t, err)

	merged, err := coalesce.Coalesce(ws.Store, []coalesce.Input{
		{Publication: "p1", Root: s1.RootManifest},
		{Publication: "p2", Root: s2.RootManifest},
	})
	require.NoError(t, err)

	err = ws.Restore(context.Background(), merged, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "superposition")
}

func TestDiff_AddRemoveModify(t *testing.T) {
	ws := initTestWorkspace(t)
	write(t, ws.Root, "stays.txt", "constant")
	write(t, ws.Root, "changes.txt", "before\n")
	write(t, ws.Root, "leaves.txt", "bye")
	s1, err := ws.CreateSnap(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(ws.Root, "leaves.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "changes.txt"), []byte("after\n"), 0o644))
	write(t, ws.Root, "arrives.txt", "hi")
	s2, err := ws.CreateSnap(context.Background(), "")
	require.NoError(t, err)

	changes, err := ws.DiffManifests(s1.RootManifest, s2.RootManifest)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, Change{Path: "arrives.txt", Kind: ChangeAdded}, changes[0])
	assert.Equal(t, ChangeModified, changes[1].Kind)
	assert.Contains(t, changes[1].Text, "-before")
	assert.Contains(t, changes[1].Text, "+after")
	assert.Equal(t, Change{Path: "leaves.txt", Kind: ChangeRemoved}, changes[2])
}

func TestResolution_SaveLoadApplyClear(t *testing.T) {
	ws := initTestWorkspace(t)
	write(t, ws.Root, "f.txt", "one")
	s1, err := ws.CreateSnap(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "f.txt"), []byte("two"), 0o644))
	s2, err := ws.CreateSnap(context.Background(), "")
	require.NoError(t, err)

	root, err := coalesce.Coalesce(ws.Store, []coalesce.Input{
		{Publication: "p1", Root: s1.RootManifest},
		{Publication: "p2", Root: s2.RootManifest},
	})
	require.NoError(t, err)

	res, err := ws.LoadResolution("bundle-1", root)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), res.Version)

	variants, _, err := graph.SuperpositionPaths(ws.Store, root)
	require.NoError(t, err)
	res.Pick("f.txt", variants["f.txt"][0].Key())
	require.NoError(t, ws.SaveResolution(res))

	loaded, err := ws.LoadResolution("bundle-1", root)
	require.NoError(t, err)
	report, err := ws.ValidateResolution(loaded)
	require.NoError(t, err)
	assert.True(t, report.OK)

	resolved, err := ws.ApplyResolution(loaded)
	require.NoError(t, err)
	has, err := graph.HasSuperpositions(ws.Store, resolved)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, ws.ClearResolution("bundle-1"))
	fresh, err := ws.LoadResolution("bundle-1", root)
	require.NoError(t, err)
	assert.Empty(t, fresh.Decisions)
}

func TestChunkerConfig_Defaults(t *testing.T) {
	cfg := (&Config{}).ChunkerConfig()
	assert.Equal(t, uint64(chunker.DefaultChunkSize), cfg.ChunkSize)
	assert.Equal(t, uint64(chunker.DefaultThreshold), cfg.Threshold)
}
