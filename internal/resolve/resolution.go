// Package resolve collapses superpositions back to normal manifests by
// applying a per-path decision map.
package resolve

import (
	"encoding/json"
	"fmt"

	"github.com/converge-vcs/converge/internal/object"
)

// Decision selects one variant of a superposition: either a legacy
// 0-based index (version 1 files) or a stable content-derived key
// (version 2, all new writes).
type Decision struct {
	Index *uint32
	Key   *object.VariantKey
}

// KeyDecision wraps a variant key as a decision.
func KeyDecision(k object.VariantKey) Decision { return Decision{Key: &k} }

// IndexDecision wraps a legacy index as a decision.
func IndexDecision(i uint32) Decision { return Decision{Index: &i} }

func (d Decision) MarshalJSON() ([]byte, error) {
	if d.Key != nil {
		return json.Marshal(d.Key)
	}
	if d.Index != nil {
		return json.Marshal(*d.Index)
	}
	return nil, fmt.Errorf("empty decision")
}

func (d *Decision) UnmarshalJSON(data []byte) error {
	var idx uint32
	if err := json.Unmarshal(data, &idx); err == nil {
		d.Index = &idx
		d.Key = nil
		return nil
	}
	var key object.VariantKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("decision is neither index nor key: %w", err)
	}
	d.Key = &key
	d.Index = nil
	return nil
}

// Resolution is the decision map for one bundle.
type Resolution struct {
	Version      uint32              `json:"version"`
	BundleID     string              `json:"bundle_id"`
	RootManifest object.ID           `json:"root_manifest"`
	CreatedAt    string              `json:"created_at"`
	Decisions    map[string]Decision `json:"decisions"`
}

// NewResolution starts an empty version-2 resolution for a bundle.
func NewResolution(bundleID string, root object.ID, createdAt string) *Resolution {
	return &Resolution{
		Version:      2,
		BundleID:     bundleID,
		RootManifest: root,
		CreatedAt:    createdAt,
		Decisions:    make(map[string]Decision),
	}
}

// Pick records a key decision for a path and upgrades the file to
// version 2. Legacy index decisions at other paths are left alone until
// UpgradeKeys converts them.
func (r *Resolution) Pick(path string, key object.VariantKey) {
	if r.Decisions == nil {
		r.Decisions = make(map[string]Decision)
	}
	r.Decisions[path] = KeyDecision(key)
	r.Version = 2
}

// Clear drops the decision for a path.
func (r *Resolution) Clear(path string) {
	delete(r.Decisions, path)
}

// UpgradeKeys converts every in-range index decision to its key form
// using the superpositions found under the resolution's root. Decisions
// that do not resolve are kept as-is for validation to report.
func (r *Resolution) UpgradeKeys(variants map[string][]object.Variant) {
	for path, d := range r.Decisions {
		if d.Index == nil {
			continue
		}
		vs, ok := variants[path]
		if !ok || int(*d.Index) >= len(vs) {
			continue
		}
		r.Decisions[path] = KeyDecision(vs[*d.Index].Key())
	}
	r.Version = 2
}
