package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-vcs/converge/internal/converr"
	"github.com/converge-vcs/converge/internal/gate"
	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
	"github.com/converge-vcs/converge/internal/testutil"
)

func openTestAuthority(t *testing.T) *Authority {
	t.Helper()
	auth, err := Open(Options{
		DataDir:  t.TempDir(),
		InMemory: true,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { auth.Close() })
	return auth
}

func newRepo(t *testing.T, auth *Authority, id string) *store.Store {
	t.Helper()
	_, err := auth.CreateRepo(id)
	require.NoError(t, err)
	require.NoError(t, auth.AddScope(id, "feature-x"))
	st, err := auth.Store(id)
	require.NoError(t, err)
	return st
}

var snapSeq int

// putSnap stores a tree and a snap record directly in the repo's store,
// standing in for a client upload.
func putSnap(t *testing.T, st *store.Store, files map[string]string) string {
	t.Helper()
	root := testutil.BuildTree(t, st, files)
	snapSeq++
	createdAt := fmt.Sprintf("2026-01-02T03:04:%02dZ", snapSeq%60)
	ws := fmt.Sprintf("ws-%d", snapSeq)
	snap := &object.Snap{
		Version:      1,
		ID:           object.ComputeSnapID(createdAt, root, ws),
		WorkspaceID:  ws,
		CreatedAt:    createdAt,
		RootManifest: root,
	}
	require.NoError(t, st.PutSnap(snap))
	return snap.ID
}

func publish(t *testing.T, auth *Authority, repo, snapID, gateID string) *Publication {
	t.Helper()
	pub, err := auth.Publish(repo, PublishRequest{
		SnapID:      snapID,
		ScopeID:     "feature-x",
		GateID:      gateID,
		PublisherID: "alice",
	})
	require.NoError(t, err)
	return pub
}

// twoGateGraph is intake -> main with approvals required at intake.
func twoGateGraph(requiredApprovals uint32) []byte {
	g := gate.Graph{
		Version: 1,
		Gates: []gate.Gate{
			{ID: "intake", Name: "Intake",
				Policy: gate.Policy{RequiredApprovals: requiredApprovals}},
			{ID: "main", Name: "Main", Upstream: []string{"intake"},
				Policy: gate.Policy{AllowReleases: true}},
		},
		TerminalGate: "main",
	}
	doc, _ := json.Marshal(g)
	return doc
}

func TestPublish_UnknownScopeAndGate(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")
	snapID := putSnap(t, st, map[string]string{"a": "1"})

	_, err := auth.Publish("demo", PublishRequest{
		SnapID: snapID, ScopeID: "nope", GateID: "main", PublisherID: "alice",
	})
	assert.Equal(t, converr.KindScopeUnknown, converr.KindOf(err))

	_, err = auth.Publish("demo", PublishRequest{
		SnapID: snapID, ScopeID: "feature-x", GateID: "absent", PublisherID: "alice",
	})
	assert.Equal(t, converr.KindGateUnknown, converr.KindOf(err))
}

func TestBundle_IdenticalSnapsPromotable(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")

	files := map[string]string{"a.txt": "same content"}
	p1 := publish(t, auth, "demo", putSnap(t, st, files), "main")
	p2 := publish(t, auth, "demo", putSnap(t, st, files), "main")

	bundle, err := auth.CreateBundle("demo", BundleRequest{
		ScopeID: "feature-x", GateID: "main",
		Inputs: []string{p1.ID, p2.ID}, CreatedBy: "alice",
	})
	require.NoError(t, err)
	assert.True(t, bundle.Status.Promotable)
	assert.Empty(t, bundle.Status.Reasons)

	snap1, err := st.GetSnap(p1.SnapID)
	require.NoError(t, err)
	assert.Equal(t, snap1.RootManifest, bundle.RootManifest,
		"identical inputs coalesce to their shared manifest")
}

func TestBundle_ConflictBlocksPromotion(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")

	p1 := publish(t, auth, "demo", putSnap(t, st, map[string]string{"foo.txt": "aaa"}), "main")
	p2 := publish(t, auth, "demo", putSnap(t, st, map[string]string{"foo.txt": "bbb"}), "main")

	bundle, err := auth.CreateBundle("demo", BundleRequest{
		ScopeID: "feature-x", GateID: "main",
		Inputs: []string{p1.ID, p2.ID}, CreatedBy: "alice",
	})
	require.NoError(t, err)
	assert.False(t, bundle.Status.Promotable)
	require.NotEmpty(t, bundle.Status.Reasons)
	assert.Contains(t, bundle.Status.Reasons[0], "unresolved-superpositions: /foo.txt")

	_, err = auth.Release("demo", bundle.ID, "stable", "alice", "")
	assert.Equal(t, converr.KindNotPromotable, converr.KindOf(err))
}

func TestApprovals_GateThreshold(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")
	_, issues, err := auth.PutGateGraph("demo", twoGateGraph(2))
	require.NoError(t, err)
	require.Empty(t, issues)

	pub := publish(t, auth, "demo", putSnap(t, st, map[string]string{"a": "1"}), "intake")
	bundle, err := auth.CreateBundle("demo", BundleRequest{
		ScopeID: "feature-x", GateID: "intake",
		Inputs: []string{pub.ID}, CreatedBy: "alice",
	})
	require.NoError(t, err)
	assert.False(t, bundle.Status.Promotable)
	assert.Contains(t, bundle.Status.Reasons[0], "insufficient-approvals: have 0, need 2")

	bundle, err = auth.Approve("demo", bundle.ID, "bob")
	require.NoError(t, err)
	assert.False(t, bundle.Status.Promotable)

	// Same approver twice does not count twice.
	bundle, err = auth.Approve("demo", bundle.ID, "bob")
	require.NoError(t, err)
	assert.Len(t, bundle.Provenance.Approvals, 1)

	bundle, err = auth.Approve("demo", bundle.ID, "carol")
	require.NoError(t, err)
	assert.True(t, bundle.Status.Promotable)
}

func TestPromote_DefaultsToUniqueDownstream(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")
	_, _, err := auth.PutGateGraph("demo", twoGateGraph(0))
	require.NoError(t, err)

	pub := publish(t, auth, "demo", putSnap(t, st, map[string]string{"a": "1"}), "intake")
	bundle, err := auth.CreateBundle("demo", BundleRequest{
		ScopeID: "feature-x", GateID: "intake",
		Inputs: []string{pub.ID}, CreatedBy: "alice",
	})
	require.NoError(t, err)
	require.True(t, bundle.Status.Promotable)

	promotion, err := auth.Promote("demo", bundle.ID, "", "alice")
	require.NoError(t, err)
	assert.Equal(t, "intake", promotion.FromGate)
	assert.Equal(t, "main", promotion.ToGate)

	current, err := auth.CurrentBundle("demo", "feature-x", "main")
	require.NoError(t, err)
	assert.Equal(t, bundle.ID, current)

	log, err := auth.ListPromotions("demo", "feature-x", "main")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestPromote_RejectsNonDownstream(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")
	_, _, err := auth.PutGateGraph("demo", twoGateGraph(0))
	require.NoError(t, err)

	pub := publish(t, auth, "demo", putSnap(t, st, map[string]string{"a": "1"}), "main")
	bundle, err := auth.CreateBundle("demo", BundleRequest{
		ScopeID: "feature-x", GateID: "main",
		Inputs: []string{pub.ID}, CreatedBy: "alice",
	})
	require.NoError(t, err)

	_, err = auth.Promote("demo", bundle.ID, "intake", "alice")
	assert.Error(t, err, "intake is upstream, not downstream, of main")
}

func TestRelease_TerminalOnlyUnlessOptIn(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")
	_, _, err := auth.PutGateGraph("demo", twoGateGraph(0))
	require.NoError(t, err)

	pub := publish(t, auth, "demo", putSnap(t, st, map[string]string{"a": "1"}), "intake")
	bundle, err := auth.CreateBundle("demo", BundleRequest{
		ScopeID: "feature-x", GateID: "intake",
		Inputs: []string{pub.ID}, CreatedBy: "alice",
	})
	require.NoError(t, err)

	_, err = auth.Release("demo", bundle.ID, "stable", "alice", "")
	assert.Equal(t, converr.KindForbidden, converr.KindOf(err),
		"intake is not terminal and has not opted into releases")

	pub2 := publish(t, auth, "demo", putSnap(t, st, map[string]string{"a": "1"}), "main")
	bundle2, err := auth.CreateBundle("demo", BundleRequest{
		ScopeID: "feature-x", GateID: "main",
		Inputs: []string{pub2.ID}, CreatedBy: "alice",
	})
	require.NoError(t, err)

	r1, err := auth.Release("demo", bundle2.ID, "stable", "alice", "first")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r1.Seq)
	r2, err := auth.Release("demo", bundle2.ID, "stable", "alice", "second")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r2.Seq)

	latest, err := auth.LatestRelease("demo", "stable")
	require.NoError(t, err)
	assert.Equal(t, r2.ID, latest.ID)
}

func TestGC_PinPreservesAndSecondRunIsNoop(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")

	pub := publish(t, auth, "demo", putSnap(t, st, map[string]string{
		"kept.txt": "keep me", "dir/deep.txt": "also kept",
	}), "main")
	bundle, err := auth.CreateBundle("demo", BundleRequest{
		ScopeID: "feature-x", GateID: "main",
		Inputs: []string{pub.ID}, CreatedBy: "alice",
	})
	require.NoError(t, err)
	require.NoError(t, auth.Pin("demo", bundle.ID))

	// An unpublished snap with no lane head or pointer: garbage.
	orphan := putSnap(t, st, map[string]string{"orphan.txt": "to be deleted"})

	ctx := context.Background()
	report, err := auth.GC(ctx, "demo", GCOptions{})
	require.NoError(t, err)
	assert.False(t, report.DryRun)
	assert.Equal(t, 1, report.Objects[string(store.KindSnap)].Deleted)
	assert.Greater(t, report.Objects[string(store.KindBlob)].Deleted, 0)

	_, err = st.GetSnap(orphan)
	assert.Error(t, err, "orphan snap swept")

	kept, err := st.GetSnap(pub.SnapID)
	require.NoError(t, err, "pinned bundle's input snap survives")
	m, err := st.GetManifest(kept.RootManifest)
	require.NoError(t, err)
	for _, e := range m.Entries {
		if e.Type == object.TypeFile {
			_, err := st.GetBlob(e.Blob)
			assert.NoError(t, err, "reachable blob survives")
		}
	}

	second, err := auth.GC(ctx, "demo", GCOptions{})
	require.NoError(t, err)
	for kind, count := range second.Objects {
		assert.Zero(t, count.Deleted, "second run deletes nothing for %s", kind)
	}
}

func TestGC_DryRunMutatesNothing(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")
	orphan := putSnap(t, st, map[string]string{"o": "x"})

	report, err := auth.GC(context.Background(), "demo", GCOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Objects[string(store.KindSnap)].Deleted)

	_, err = st.GetSnap(orphan)
	assert.NoError(t, err, "dry run leaves the snap in place")
}

func TestGC_PruneReleasesKeepLast(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")

	var bundles []*Bundle
	for i := 0; i < 3; i++ {
		pub := publish(t, auth, "demo",
			putSnap(t, st, map[string]string{"v": fmt.Sprintf("%d", i)}), "main")
		bundle, err := auth.CreateBundle("demo", BundleRequest{
			ScopeID: "feature-x", GateID: "main",
			Inputs: []string{pub.ID}, CreatedBy: "alice",
		})
		require.NoError(t, err)
		_, err = auth.Release("demo", bundle.ID, "stable", "alice", "")
		require.NoError(t, err)
		bundles = append(bundles, bundle)
	}

	keep := 1
	report, err := auth.GC(context.Background(), "demo", GCOptions{
		PruneReleasesKeepLast: &keep,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.PrunedReleases)

	releases, err := auth.ListReleases("demo", "stable")
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, bundles[2].ID, releases[0].BundleID, "newest release survives")
}

func TestLaneHeads_RetainSnapsThroughGC(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")

	head := putSnap(t, st, map[string]string{"wip": "latest"})
	prior := putSnap(t, st, map[string]string{"wip": "older"})
	require.NoError(t, auth.SetLaneHead("demo", "team-a", "alice", prior, "client-1"))
	require.NoError(t, auth.SetLaneHead("demo", "team-a", "alice", head, "client-1"))

	_, err := auth.GC(context.Background(), "demo", GCOptions{})
	require.NoError(t, err)

	_, err = st.GetSnap(head)
	assert.NoError(t, err, "lane head survives")
	_, err = st.GetSnap(prior)
	assert.NoError(t, err, "bounded head history survives")
}

func TestLaneHeads_HistoryBounded(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")

	for i := 0; i < laneHeadHistoryKeepLast+3; i++ {
		snapID := putSnap(t, st, map[string]string{"wip": fmt.Sprintf("%d", i)})
		require.NoError(t, auth.SetLaneHead("demo", "team-a", "alice", snapID, ""))
	}
	lanes, err := auth.ListLanes("demo")
	require.NoError(t, err)
	require.Len(t, lanes, 1)
	assert.Len(t, lanes[0].HeadHistory["alice"], laneHeadHistoryKeepLast)
}

func TestPutGateGraph_RejectedGraphLeavesStateUnchanged(t *testing.T) {
	auth := openTestAuthority(t)
	newRepo(t, auth, "demo")

	bad := []byte(`{"version":1,"terminal_gate":"a","gates":[
		{"id":"a","name":"A","upstream":["b"]},
		{"id":"b","name":"B","upstream":["a"]}]}`)
	_, issues, err := auth.PutGateGraph("demo", bad)
	require.Error(t, err)
	assert.Equal(t, converr.KindGateGraphInvalid, converr.KindOf(err))
	assert.NotEmpty(t, issues)

	g, err := auth.GateGraph("demo")
	require.NoError(t, err)
	assert.Equal(t, "main", g.TerminalGate, "default graph still in place")
}

func TestBundleInputs_MayBeBundles(t *testing.T) {
	auth := openTestAuthority(t)
	st := newRepo(t, auth, "demo")

	p1 := publish(t, auth, "demo", putSnap(t, st, map[string]string{"a": "1"}), "main")
	inner, err := auth.CreateBundle("demo", BundleRequest{
		ScopeID: "feature-x", GateID: "main",
		Inputs: []string{p1.ID}, CreatedBy: "alice",
	})
	require.NoError(t, err)

	p2 := publish(t, auth, "demo", putSnap(t, st, map[string]string{"b": "2"}), "main")
	outer, err := auth.CreateBundle("demo", BundleRequest{
		ScopeID: "feature-x", GateID: "main",
		Inputs: []string{inner.ID, p2.ID}, CreatedBy: "alice",
	})
	require.NoError(t, err)
	assert.NotEqual(t, inner.RootManifest, outer.RootManifest)
}
