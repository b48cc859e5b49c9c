package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/converge-vcs/converge/internal/graph"
	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/resolve"
	"github.com/converge-vcs/converge/internal/store"
)

func (w *Workspace) resolutionPath(bundleID string) string {
	return filepath.Join(w.StateDir(), resolutionsDir, bundleID+".json")
}

// LoadResolution reads the decision file for a bundle, or starts an
// empty one against the given root.
func (w *Workspace) LoadResolution(bundleID string, root object.ID) (*resolve.Resolution, error) {
	data, err := os.ReadFile(w.resolutionPath(bundleID))
	if os.IsNotExist(err) {
		createdAt := time.Now().UTC().Format(time.RFC3339)
		return resolve.NewResolution(bundleID, root, createdAt), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resolution for %s: %w", bundleID, err)
	}
	var r resolve.Resolution
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse resolution for %s: %w", bundleID, err)
	}
	return &r, nil
}

// SaveResolution writes the decision file. Version-1 files upgrade to
// version 2 on the first edit: index decisions become variant keys.
func (w *Workspace) SaveResolution(r *resolve.Resolution) error {
	legacy := r.Version < 2
	for _, d := range r.Decisions {
		if d.Index != nil {
			legacy = true
		}
	}
	if legacy {
		variants, _, err := graph.SuperpositionPaths(w.Store, r.RootManifest)
		if err != nil {
			return err
		}
		r.UpgradeKeys(variants)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode resolution: %w", err)
	}
	return store.WriteAtomic(w.resolutionPath(r.BundleID), data, 0o644)
}

// ClearResolution deletes the decision file for a bundle.
func (w *Workspace) ClearResolution(bundleID string) error {
	err := os.Remove(w.resolutionPath(bundleID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear resolution for %s: %w", bundleID, err)
	}
	return nil
}

// ValidateResolution checks the decision file against every
// superposition under its root, collecting every problem.
func (w *Workspace) ValidateResolution(r *resolve.Resolution) (*resolve.Validation, error) {
	return resolve.Validate(w.Store, r.RootManifest, r.Decisions)
}

// ApplyResolution validates and applies a bundle's decision file to its
// manifest, returning the rewritten root. The result contains no
// superpositions and can be snapped and republished.
func (w *Workspace) ApplyResolution(r *resolve.Resolution) (object.ID, error) {
	return resolve.Apply(w.Store, r.RootManifest, r.Decisions)
}
