package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-vcs/converge/internal/authority"
	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
	"github.com/converge-vcs/converge/internal/testutil"
	"github.com/converge-vcs/converge/internal/transfer"
)

func startTestServer(t *testing.T) (*httptest.Server, *authority.Authority) {
	t.Helper()
	auth, err := authority.Open(authority.Options{
		DataDir:  t.TempDir(),
		InMemory: true,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { auth.Close() })

	ts := httptest.NewServer(New(auth, zerolog.Nop()).Router())
	t.Cleanup(ts.Close)
	return ts, auth
}

// localSnap builds a snap in a client-side store.
func localSnap(t *testing.T, st *store.Store, files map[string]string, seq int) *object.Snap {
	t.Helper()
	root := testutil.BuildTree(t, st, files)
	createdAt := fmt.Sprintf("2026-03-01T10:00:%02dZ", seq)
	snap := &object.Snap{
		Version:      1,
		ID:           object.ComputeSnapID(createdAt, root, "ws-test"),
		WorkspaceID:  "ws-test",
		CreatedAt:    createdAt,
		RootManifest: root,
	}
	require.NoError(t, st.PutSnap(snap))
	return snap
}

func TestEndToEnd_PublishBundleReleaseGC(t *testing.T) {
	ts, _ := startTestServer(t)
	ctx := context.Background()

	client := transfer.NewClient(ts.URL, "demo", "alice")
	resp, err := http.Post(ts.URL+"/repos", "application/json", strings.NewReader(`{"id":"demo"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/repos/demo/scopes", "application/json",
		strings.NewReader(`{"scope":"feature-x"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	local := testutil.OpenStore(t)
	snap := localSnap(t, local, map[string]string{"a.txt": "hello", "src/b.txt": "world"}, 1)

	require.NoError(t, transfer.UploadSnap(ctx, client, local, snap.ID))

	pub, err := client.Publish(ctx, snap.ID, "feature-x", "main", "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, pub.SnapID)
	assert.Equal(t, "alice", pub.PublisherID)

	bundle, err := client.CreateBundle(ctx, "feature-x", "main", []string{pub.ID})
	require.NoError(t, err)
	assert.True(t, bundle.Status.Promotable)
	assert.Equal(t, snap.RootManifest, bundle.RootManifest)

	release, err := client.Release(ctx, bundle.ID, "stable", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), release.Seq)

	report, err := client.GC(ctx, false, nil)
	require.NoError(t, err)
	assert.Zero(t, report.Objects[string(store.KindBlob)].Deleted,
		"released bundle keeps everything alive")
}

func TestEndToEnd_ConflictFetchedOverTheWire(t *testing.T) {
	ts, _ := startTestServer(t)
	ctx := context.Background()
	client := transfer.NewClient(ts.URL, "demo", "alice")

	resp, err := http.Post(ts.URL+"/repos", "application/json", strings.NewReader(`{"id":"demo"}`))
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = http.Post(ts.URL+"/repos/demo/scopes", "application/json",
		strings.NewReader(`{"scope":"feature-x"}`))
	require.NoError(t, err)
	resp.Body.Close()

	local := testutil.OpenStore(t)
	s1 := localSnap(t, local, map[string]string{"foo.txt": "aaa"}, 1)
	s2 := localSnap(t, local, map[string]string{"foo.txt": "bbb"}, 2)
	require.NoError(t, transfer.UploadSnap(ctx, client, local, s1.ID))
	require.NoError(t, transfer.UploadSnap(ctx, client, local, s2.ID))

	p1, err := client.Publish(ctx, s1.ID, "feature-x", "main", "", "", nil)
	require.NoError(t, err)
	p2, err := client.Publish(ctx, s2.ID, "feature-x", "main", "", "", nil)
	require.NoError(t, err)

	bundle, err := client.CreateBundle(ctx, "feature-x", "main", []string{p1.ID, p2.ID})
	require.NoError(t, err)
	assert.False(t, bundle.Status.Promotable)
	require.NotEmpty(t, bundle.Status.Reasons)
	assert.Contains(t, bundle.Status.Reasons[0], "unresolved-superpositions")

	// Pull the bundle manifest down and check the conflict arrived intact.
	fresh := testutil.OpenStore(t)
	require.NoError(t, transfer.FetchTree(ctx, client, fresh, bundle.RootManifest))
	m, err := fresh.GetManifest(bundle.RootManifest)
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)
	assert.Equal(t, object.TypeSuperposition, m.Entries[0].Type)
	assert.Len(t, m.Entries[0].Variants, 2)
}

func TestObjectUpload_IntegrityRejected(t *testing.T) {
	ts, _ := startTestServer(t)
	resp, err := http.Post(ts.URL+"/repos", "application/json", strings.NewReader(`{"id":"demo"}`))
	require.NoError(t, err)
	resp.Body.Close()

	wrongID := object.HashBytes([]byte("something else"))
	req, err := http.NewRequest(http.MethodPut,
		ts.URL+"/repos/demo/objects/blobs/"+string(wrongID),
		strings.NewReader("actual bytes"))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateGraphPut_CycleRejectedOverHTTP(t *testing.T) {
	ts, _ := startTestServer(t)
	resp, err := http.Post(ts.URL+"/repos", "application/json", strings.NewReader(`{"id":"demo"}`))
	require.NoError(t, err)
	resp.Body.Close()

	bad := `{"version":1,"terminal_gate":"a","gates":[
		{"id":"a","name":"A","upstream":["b"]},
		{"id":"b","name":"B","upstream":["a"]}]}`
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/repos/demo/gate-graph", strings.NewReader(bad))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
