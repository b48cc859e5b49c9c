package coalesce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-vcs/converge/internal/graph"
	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/testutil"
)

func TestCoalesce_SingleInputIdentity(t *testing.T) {
	st := testutil.OpenStore(t)
	root := testutil.BuildTree(t, st, map[string]string{
		"a.txt":     "alpha",
		"dir/b.txt": "beta",
	})
	out, err := Coalesce(st, []Input{{Publication: "p1", Root: root}})
	require.NoError(t, err)
	assert.Equal(t, root, out)
}

func TestCoalesce_IdenticalInputsCollapse(t *testing.T) {
	st := testutil.OpenStore(t)
	root := testutil.BuildTree(t, st, map[string]string{"a.txt": "same"})
	out, err := Coalesce(st, []Input{
		{Publication: "p1", Root: root},
		{Publication: "p2", Root: root},
	})
	require.NoError(t, err)
	assert.Equal(t, root, out)

	has, err := graph.HasSuperpositions(st, out)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCoalesce_ConflictMaterializesSuperposition(t *testing.T) {
	st := testutil.OpenStore(t)
	r1 := testutil.BuildTree(t, st, map[string]string{"foo.txt": "aaa"})
	r2 := testutil.BuildTree(t, st, map[string]string{"foo.txt": "bbb"})

	out, err := Coalesce(st, []Input{
		{Publication: "p1", Root: r1},
		{Publication: "p2", Root: r2},
	})
	require.NoError(t, err)

	variants, paths, err := graph.SuperpositionPaths(st, out)
	require.NoError(t, err)
	require.Equal(t, []string{"foo.txt"}, paths)
	vs := variants["foo.txt"]
	require.Len(t, vs, 2)
	assert.Equal(t, "p1", vs[0].Source)
	assert.Equal(t, "p2", vs[1].Source)
	assert.Equal(t, object.TypeFile, vs[0].Type)
	assert.Equal(t, object.TypeFile, vs[1].Type)
}

func TestCoalesce_PermutationInvariant(t *testing.T) {
	st := testutil.OpenStore(t)
	r1 := testutil.BuildTree(t, st, map[string]string{"x": "1", "shared": "s"})
	r2 := testutil.BuildTree(t, st, map[string]string{"x": "2", "shared": "s"})
	r3 := testutil.BuildTree(t, st, map[string]string{"x": "3", "y": "only"})

	in := []Input{
		{Publication: "p1", Root: r1},
		{Publication: "p2", Root: r2},
		{Publication: "p3", Root: r3},
	}
	forward, err := Coalesce(st, in)
	require.NoError(t, err)
	backward, err := Coalesce(st, []Input{in[2], in[0], in[1]})
	require.NoError(t, err)
	assert.Equal(t, forward, backward)
}

func TestCoalesce_DirsRecurse(t *testing.T) {
	st := testutil.OpenStore(t)
	r1 := testutil.BuildTree(t, st, map[string]string{"src/a.go": "a", "src/same.go": "x"})
	r2 := testutil.BuildTree(t, st, map[string]string{"src/b.go": "b", "src/same.go": "x"})

	out, err := Coalesce(st, []Input{
		{Publication: "p1", Root: r1},
		{Publication: "p2", Root: r2},
	})
	require.NoError(t, err)

	m, err := st.GetManifest(out)
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)
	require.Equal(t, object.TypeDir, m.Entries[0].Type)

	sub, err := st.GetManifest(m.Entries[0].Manifest)
	require.NoError(t, err)
	names := []string{}
	for _, e := range sub.Entries {
		names = append(names, e.Name)
	}
	// a.go and b.go each missing from one input: deletion-claim conflicts.
	assert.Equal(t, []string{"a.go", "b.go", "same.go"}, names)
	assert.Equal(t, object.TypeSuperposition, sub.Entries[0].Type)
	assert.Equal(t, object.TypeSuperposition, sub.Entries[1].Type)
	assert.Equal(t, object.TypeFile, sub.Entries[2].Type)
}

func TestCoalesce_AbsencePairsWithTombstone(t *testing.T) {
	st := testutil.OpenStore(t)
	r1 := testutil.BuildTree(t, st, map[string]string{"keep": "k", "removed": "gone"})
	r2 := testutil.BuildTree(t, st, map[string]string{"keep": "k"})

	out, err := Coalesce(st, []Input{
		{Publication: "p1", Root: r1},
		{Publication: "p2", Root: r2},
	})
	require.NoError(t, err)

	variants, paths, err := graph.SuperpositionPaths(st, out)
	require.NoError(t, err)
	require.Equal(t, []string{"removed"}, paths)
	vs := variants["removed"]
	require.Len(t, vs, 2)
	assert.Equal(t, object.TypeFile, vs[0].Type)
	assert.Equal(t, "p1", vs[0].Source)
	assert.Equal(t, object.TypeTombstone, vs[1].Type)
	assert.Equal(t, "p2", vs[1].Source)
}

func TestCoalesce_IdenticalVariantsAttributeLowestSource(t *testing.T) {
	st := testutil.OpenStore(t)
	// p2 and p3 agree on the new content, p1 has the old one.
	old := testutil.BuildTree(t, st, map[string]string{"f": "old"})
	new1 := testutil.BuildTree(t, st, map[string]string{"f": "new"})
	new2 := testutil.BuildTree(t, st, map[string]string{"f": "new"})

	out, err := Coalesce(st, []Input{
		{Publication: "p3", Root: new2},
		{Publication: "p1", Root: old},
		{Publication: "p2", Root: new1},
	})
	require.NoError(t, err)

	variants, _, err := graph.SuperpositionPaths(st, out)
	require.NoError(t, err)
	vs := variants["f"]
	require.Len(t, vs, 2, "identical variants from p2 and p3 collapse")
	assert.Equal(t, "p1", vs[0].Source)
	assert.Equal(t, "p2", vs[1].Source, "collapsed variant keeps the lowest contributing id")
}

func TestCoalesce_TombstoneSuppressedWhenUnanimous(t *testing.T) {
	st := testutil.OpenStore(t)
	// Both inputs carry an explicit tombstone for "dead".
	dead := object.Entry{Name: "dead", EntryKind: object.TombstoneEntry()}
	live := object.Entry{Name: "live", EntryKind: testutil.FileKind(t, st, "v")}
	m, err := st.PutManifest(&object.Manifest{Version: 1, Entries: []object.Entry{dead, live}})
	require.NoError(t, err)

	out, err := Coalesce(st, []Input{
		{Publication: "p1", Root: m},
		{Publication: "p2", Root: m},
	})
	require.NoError(t, err)

	merged, err := st.GetManifest(out)
	require.NoError(t, err)
	require.Len(t, merged.Entries, 1, "unanimous tombstone vanishes from the output")
	assert.Equal(t, "live", merged.Entries[0].Name)
}

func TestCoalesce_DeterministicAcrossRuns(t *testing.T) {
	st := testutil.OpenStore(t)
	r1 := testutil.BuildTree(t, st, map[string]string{"a": "1", "d/x": "x1"})
	r2 := testutil.BuildTree(t, st, map[string]string{"a": "2", "d/y": "y1"})

	in := []Input{{Publication: "p1", Root: r1}, {Publication: "p2", Root: r2}}
	first, err := Coalesce(st, in)
	require.NoError(t, err)
	second, err := Coalesce(st, in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCoalesce_MissingManifestFails(t *testing.T) {
	st := testutil.OpenStore(t)
	absent := object.HashBytes([]byte("no such manifest"))
	_, err := Coalesce(st, []Input{{Publication: "p1", Root: absent}})
	assert.Error(t, err)
}

func TestCoalesce_EmptyInputRejected(t *testing.T) {
	st := testutil.OpenStore(t)
	_, err := Coalesce(st, nil)
	assert.Error(t, err)
}
