// Package store persists content-addressed objects on disk. Writes are
// atomic per id and idempotent; deletion happens only through GC. Writing
// a manifest or recipe does not require its children to be present
// (staged upload) — traversing operations enforce closure instead.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/converge-vcs/converge/internal/converr"
	"github.com/converge-vcs/converge/internal/object"
)

// Kind names an object subdirectory.
type Kind string

const (
	KindBlob     Kind = "blobs"
	KindChunk    Kind = "chunks"
	KindRecipe   Kind = "recipes"
	KindManifest Kind = "manifests"
	KindSnap     Kind = "snaps"
)

// Kinds lists every object kind in sweep order.
var Kinds = []Kind{KindBlob, KindChunk, KindRecipe, KindManifest, KindSnap}

// Store is a file-backed object store rooted at an objects/ directory,
// sharded by the first two hex chars of the id.
type Store struct {
	dir string
}

// Open creates the directory layout and returns a Store.
func Open(dir string) (*Store, error) {
	for _, k := range Kinds {
		if err := os.MkdirAll(filepath.Join(dir, string(k)), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", k, err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

func (s *Store) objectPath(kind Kind, id object.ID) string {
	return filepath.Join(s.dir, string(kind), string(id[:2]), string(id))
}

// Put stores bytes under their computed id and returns it.
func (s *Store) Put(kind Kind, data []byte) (object.ID, error) {
	id := object.HashBytes(data)
	if err := WriteIfAbsent(s.objectPath(kind, id), data, 0o644); err != nil {
		return "", fmt.Errorf("store %s: %w", kind, err)
	}
	return id, nil
}

// PutBytes stores bytes under a caller-claimed id, failing with
// integrity-mismatch when the bytes hash elsewhere.
func (s *Store) PutBytes(kind Kind, id object.ID, data []byte) error {
	if err := object.ValidateID(id); err != nil {
		return err
	}
	actual := object.HashBytes(data)
	if actual != id {
		return converr.New(converr.KindIntegrityMismatch,
			fmt.Errorf("%s bytes hash to %s, want %s", kind, actual, id))
	}
	if err := WriteIfAbsent(s.objectPath(kind, id), data, 0o644); err != nil {
		return fmt.Errorf("store %s %s: %w", kind, id, err)
	}
	return nil
}

// Get reads and integrity-checks an object.
func (s *Store) Get(kind Kind, id object.ID) ([]byte, error) {
	if err := object.ValidateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.objectPath(kind, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, converr.New(converr.KindMissingObject,
				fmt.Errorf("%s %s not in store", kind, id))
		}
		return nil, fmt.Errorf("read %s %s: %w", kind, id, err)
	}
	if actual := object.HashBytes(data); actual != id {
		return nil, converr.New(converr.KindIntegrityMismatch,
			fmt.Errorf("%s %s stored bytes hash to %s", kind, id, actual))
	}
	return data, nil
}

// Has reports whether an object is present. Malformed ids are absent.
func (s *Store) Has(kind Kind, id object.ID) bool {
	if object.ValidateID(id) != nil {
		return false
	}
	_, err := os.Stat(s.objectPath(kind, id))
	return err == nil
}

// Missing filters ids down to those absent from the store, preserving
// input order. Used as the pre-upload probe.
func (s *Store) Missing(kind Kind, ids []object.ID) []object.ID {
	var out []object.ID
	for _, id := range ids {
		if !s.Has(kind, id) {
			out = append(out, id)
		}
	}
	return out
}

// List returns every stored id of a kind, sorted.
func (s *Store) List(kind Kind) ([]object.ID, error) {
	root := filepath.Join(s.dir, string(kind))
	shards, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	var ids []object.ID
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", kind, shard.Name(), err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				ids = append(ids, object.ID(e.Name()))
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Delete removes an object. Only GC calls this.
func (s *Store) Delete(kind Kind, id object.ID) error {
	if err := object.ValidateID(id); err != nil {
		return err
	}
	if err := os.Remove(s.objectPath(kind, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return nil
}

// PutBlob stores raw file content.
func (s *Store) PutBlob(data []byte) (object.ID, error) { return s.Put(KindBlob, data) }

// GetBlob reads raw file content.
func (s *Store) GetBlob(id object.ID) ([]byte, error) { return s.Get(KindBlob, id) }

// PutChunk stores one piece of a chunked file.
func (s *Store) PutChunk(data []byte) (object.ID, error) { return s.Put(KindChunk, data) }

// GetChunk reads one piece of a chunked file.
func (s *Store) GetChunk(id object.ID) ([]byte, error) { return s.Get(KindChunk, id) }

// PutRecipe canonicalizes and stores a recipe.
func (s *Store) PutRecipe(r *object.Recipe) (object.ID, error) {
	if err := object.ValidateRecipe(r); err != nil {
		return "", err
	}
	id, b, err := object.HashCanonical(r)
	if err != nil {
		return "", fmt.Errorf("encode recipe: %w", err)
	}
	if err := WriteIfAbsent(s.objectPath(KindRecipe, id), b, 0o644); err != nil {
		return "", fmt.Errorf("store recipe: %w", err)
	}
	return id, nil
}

// GetRecipe reads and decodes a recipe.
func (s *Store) GetRecipe(id object.ID) (*object.Recipe, error) {
	b, err := s.Get(KindRecipe, id)
	if err != nil {
		return nil, err
	}
	var r object.Recipe
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse recipe %s: %w", id, err)
	}
	return &r, nil
}

// PutManifest canonicalizes and stores a manifest. Children need not be
// present yet.
func (s *Store) PutManifest(m *object.Manifest) (object.ID, error) {
	if err := object.ValidateManifest(m); err != nil {
		return "", err
	}
	id, b, err := object.HashCanonical(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := WriteIfAbsent(s.objectPath(KindManifest, id), b, 0o644); err != nil {
		return "", fmt.Errorf("store manifest: %w", err)
	}
	return id, nil
}

// GetManifest reads and decodes a manifest.
func (s *Store) GetManifest(id object.ID) (*object.Manifest, error) {
	b, err := s.Get(KindManifest, id)
	if err != nil {
		return nil, err
	}
	var m object.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", id, err)
	}
	return &m, nil
}

// PutSnap stores a snap record under its id. The id must match the snap's
// identity fields.
func (s *Store) PutSnap(snap *object.Snap) error {
	want := object.ComputeSnapID(snap.CreatedAt, snap.RootManifest, snap.WorkspaceID)
	if snap.ID != want {
		return converr.New(converr.KindIntegrityMismatch,
			fmt.Errorf("snap id %s does not match identity fields (want %s)", snap.ID, want))
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snap: %w", err)
	}
	if err := WriteIfAbsent(s.objectPath(KindSnap, object.ID(snap.ID)), b, 0o644); err != nil {
		return fmt.Errorf("store snap: %w", err)
	}
	return nil
}

// PutSnapBytes stores an uploaded snap record after re-deriving its id.
func (s *Store) PutSnapBytes(id object.ID, data []byte) error {
	var snap object.Snap
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snap %s: %w", id, err)
	}
	if snap.ID != string(id) {
		return converr.New(converr.KindIntegrityMismatch,
			fmt.Errorf("snap bytes carry id %s, want %s", snap.ID, id))
	}
	want := object.ComputeSnapID(snap.CreatedAt, snap.RootManifest, snap.WorkspaceID)
	if snap.ID != want {
		return converr.New(converr.KindIntegrityMismatch,
			fmt.Errorf("snap id %s does not match identity fields (want %s)", snap.ID, want))
	}
	if err := WriteIfAbsent(s.objectPath(KindSnap, id), data, 0o644); err != nil {
		return fmt.Errorf("store snap: %w", err)
	}
	return nil
}

// GetSnap reads a snap record and re-verifies its derived id.
func (s *Store) GetSnap(id string) (*object.Snap, error) {
	oid := object.ID(id)
	if err := object.ValidateID(oid); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.objectPath(KindSnap, oid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, converr.New(converr.KindSnapUnknown,
				fmt.Errorf("snap %s not in store", id))
		}
		return nil, fmt.Errorf("read snap %s: %w", id, err)
	}
	var snap object.Snap
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("parse snap %s: %w", id, err)
	}
	if want := object.ComputeSnapID(snap.CreatedAt, snap.RootManifest, snap.WorkspaceID); snap.ID != want {
		return nil, converr.New(converr.KindIntegrityMismatch,
			fmt.Errorf("snap %s identity fields hash to %s", id, want))
	}
	return &snap, nil
}

// ListSnaps returns every stored snap record.
func (s *Store) ListSnaps() ([]*object.Snap, error) {
	ids, err := s.List(KindSnap)
	if err != nil {
		return nil, err
	}
	snaps := make([]*object.Snap, 0, len(ids))
	for _, id := range ids {
		snap, err := s.GetSnap(string(id))
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}
