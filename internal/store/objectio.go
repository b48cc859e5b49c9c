package store

import (
	"fmt"
	"os"

	"github.com/converge-vcs/converge/internal/converr"
	"github.com/converge-vcs/converge/internal/object"
)

// PutObjectBytes routes an uploaded object to the right integrity check.
// Snap ids derive from identity fields rather than content bytes, so they
// verify differently from the content-addressed kinds.
func (s *Store) PutObjectBytes(kind Kind, id object.ID, data []byte) error {
	if kind == KindSnap {
		return s.PutSnapBytes(id, data)
	}
	return s.PutBytes(kind, id, data)
}

// GetObjectBytes reads an object's raw bytes for download.
func (s *Store) GetObjectBytes(kind Kind, id object.ID) ([]byte, error) {
	if kind != KindSnap {
		return s.Get(kind, id)
	}
	if err := object.ValidateID(id); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.objectPath(KindSnap, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, converr.New(converr.KindMissingObject,
				fmt.Errorf("snap %s not in store", id))
		}
		return nil, fmt.Errorf("read snap %s: %w", id, err)
	}
	return b, nil
}

// ParseKind maps a wire kind name to a store Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "blob", "blobs":
		return KindBlob, nil
	case "chunk", "chunks":
		return KindChunk, nil
	case "recipe", "recipes":
		return KindRecipe, nil
	case "manifest", "manifests":
		return KindManifest, nil
	case "snap", "snaps":
		return KindSnap, nil
	default:
		return "", fmt.Errorf("unknown object kind %q", name)
	}
}
