// Package transfer moves objects between a workspace store and an
// authority. Uploads probe with missing() first and push only what the
// other side lacks; object writes are idempotent, so retries and
// interleavings are safe in any order.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/converge-vcs/converge/internal/graph"
	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
)

// Remote is the wire surface transfer consumes. HTTP is one
// implementation; an in-process authority is another.
type Remote interface {
	Missing(ctx context.Context, kind store.Kind, ids []object.ID) ([]object.ID, error)
	PutObject(ctx context.Context, kind store.Kind, id object.ID, data []byte) error
	GetObject(ctx context.Context, kind store.Kind, id object.ID) ([]byte, error)
}

// uploadParallelism bounds concurrent object pushes.
const uploadParallelism = 8

// UploadSnap pushes a snap's full object closure, then the snap record
// itself. Children may land after parents (staged upload); the authority
// only demands closure when it traverses.
func UploadSnap(ctx context.Context, remote Remote, st *store.Store, snapID string) error {
	snap, err := st.GetSnap(snapID)
	if err != nil {
		return err
	}
	if err := UploadTree(ctx, remote, st, snap.RootManifest); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snap: %w", err)
	}
	return remote.PutObject(ctx, store.KindSnap, object.ID(snap.ID), data)
}

// UploadTree pushes every object reachable from a manifest root that the
// remote reports missing.
func UploadTree(ctx context.Context, remote Remote, st *store.Store, root object.ID) error {
	reach := graph.NewReachable()
	if err := reach.MarkManifest(st, root); err != nil {
		return err
	}

	plan := []struct {
		kind store.Kind
		ids  map[object.ID]bool
	}{
		{store.KindManifest, reach.Manifests},
		{store.KindRecipe, reach.Recipes},
		{store.KindBlob, reach.Blobs},
		{store.KindChunk, reach.Chunks},
	}

	for _, p := range plan {
		ids := make([]object.ID, 0, len(p.ids))
		for id := range p.ids {
			ids = append(ids, id)
		}
		missing, err := remote.Missing(ctx, p.kind, ids)
		if err != nil {
			return err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(uploadParallelism)
		for _, id := range missing {
			id := id
			g.Go(func() error {
				data, err := st.Get(p.kind, id)
				if err != nil {
					return err
				}
				return remote.PutObject(gctx, p.kind, id, data)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// FetchTree pulls a manifest tree and its content into the local store.
func FetchTree(ctx context.Context, remote Remote, st *store.Store, root object.ID) error {
	if err := fetchManifest(ctx, remote, st, root); err != nil {
		return err
	}

	reach := graph.NewReachable()
	if err := reach.MarkManifest(st, root); err != nil {
		return err
	}

	plan := []struct {
		kind store.Kind
		ids  map[object.ID]bool
	}{
		{store.KindBlob, reach.Blobs},
		{store.KindChunk, reach.Chunks},
	}
	for _, p := range plan {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(uploadParallelism)
		for id := range p.ids {
			if st.Has(p.kind, id) {
				continue
			}
			kind, id := p.kind, id
			g.Go(func() error {
				data, err := remote.GetObject(gctx, kind, id)
				if err != nil {
					return err
				}
				return st.PutBytes(kind, id, data)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// fetchManifest recursively pulls manifests and the recipes they
// reference, descending into superposition variants too.
func fetchManifest(ctx context.Context, remote Remote, st *store.Store, id object.ID) error {
	if !st.Has(store.KindManifest, id) {
		data, err := remote.GetObject(ctx, store.KindManifest, id)
		if err != nil {
			return err
		}
		if err := st.PutBytes(store.KindManifest, id, data); err != nil {
			return err
		}
	}
	m, err := st.GetManifest(id)
	if err != nil {
		return err
	}
	fetchKind := func(k object.EntryKind) error {
		switch k.Type {
		case object.TypeDir:
			return fetchManifest(ctx, remote, st, k.Manifest)
		case object.TypeChunked:
			if st.Has(store.KindRecipe, k.Recipe) {
				return nil
			}
			data, err := remote.GetObject(ctx, store.KindRecipe, k.Recipe)
			if err != nil {
				return err
			}
			return st.PutBytes(store.KindRecipe, k.Recipe, data)
		}
		return nil
	}
	for _, e := range m.Entries {
		if e.Type == object.TypeSuperposition {
			for _, v := range e.Variants {
				if err := fetchKind(v.EntryKind); err != nil {
					return err
				}
			}
			continue
		}
		if err := fetchKind(e.EntryKind); err != nil {
			return err
		}
	}
	return nil
}
