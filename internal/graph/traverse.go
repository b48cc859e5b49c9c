// Package graph walks manifest trees. Traversing operations require the
// transitive closure of manifests to be present; content availability is
// checked separately so staged uploads stay cheap.
package graph

import (
	"fmt"
	"sort"

	"github.com/converge-vcs/converge/internal/converr"
	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
)

// joinPath extends a slash-separated manifest path.
func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// walker tracks visited manifests plus the current recursion chain so a
// corrupted store cannot loop us. Content addressing makes cycles
// impossible to construct honestly; this is defense in depth.
type walker struct {
	st     *store.Store
	onPath map[object.ID]bool
}

func (w *walker) walk(id object.ID, prefix string, fn func(path string, e object.Entry) error) error {
	if w.onPath[id] {
		return converr.New(converr.KindManifestCycle,
			fmt.Errorf("manifest %s re-enters its own tree at %q", id, prefix))
	}
	w.onPath[id] = true
	defer delete(w.onPath, id)

	m, err := w.st.GetManifest(id)
	if err != nil {
		return err
	}
	for _, e := range m.Entries {
		path := joinPath(prefix, e.Name)
		if err := fn(path, e); err != nil {
			return err
		}
		if e.Type == object.TypeDir {
			if err := w.walk(e.Manifest, path, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// WalkEntries visits every entry under root depth-first, directories
// before their children, with slash-joined paths.
func WalkEntries(st *store.Store, root object.ID, fn func(path string, e object.Entry) error) error {
	w := &walker{st: st, onPath: make(map[object.ID]bool)}
	return w.walk(root, "", fn)
}

// SuperpositionPaths returns every superposition under root keyed by
// path, paths sorted.
func SuperpositionPaths(st *store.Store, root object.ID) (map[string][]object.Variant, []string, error) {
	found := make(map[string][]object.Variant)
	err := WalkEntries(st, root, func(path string, e object.Entry) error {
		if e.Type == object.TypeSuperposition {
			found[path] = e.Variants
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	paths := make([]string, 0, len(found))
	for p := range found {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return found, paths, nil
}

// HasSuperpositions reports whether any superposition exists under root.
func HasSuperpositions(st *store.Store, root object.ID) (bool, error) {
	_, paths, err := SuperpositionPaths(st, root)
	if err != nil {
		return false, err
	}
	return len(paths) > 0, nil
}

// MissingContent walks root and collects referenced blob/chunk/recipe ids
// absent from the store, up to limit (0 means unbounded). Absent
// sub-manifests are an error: manifests are metadata and must always be
// uploaded.
func MissingContent(st *store.Store, root object.ID, limit int) ([]object.ID, error) {
	seen := make(map[object.ID]bool)
	var missing []object.ID
	note := func(kind store.Kind, id object.ID) {
		if seen[id] || (limit > 0 && len(missing) >= limit) {
			return
		}
		seen[id] = true
		if !st.Has(kind, id) {
			missing = append(missing, id)
		}
	}
	checkKind := func(k object.EntryKind) error {
		switch k.Type {
		case object.TypeFile:
			note(store.KindBlob, k.Blob)
		case object.TypeChunked:
			note(store.KindRecipe, k.Recipe)
			if st.Has(store.KindRecipe, k.Recipe) {
				recipe, err := st.GetRecipe(k.Recipe)
				if err != nil {
					return err
				}
				for _, c := range recipe.Chunks {
					note(store.KindChunk, c.Chunk)
				}
			}
		}
		return nil
	}

	err := WalkEntries(st, root, func(path string, e object.Entry) error {
		if e.Type == object.TypeSuperposition {
			for _, v := range e.Variants {
				if v.Type == object.TypeDir {
					sub := &walker{st: st, onPath: make(map[object.ID]bool)}
					if err := sub.walk(v.Manifest, path, func(_ string, se object.Entry) error {
						return checkKind(se.EntryKind)
					}); err != nil {
						return err
					}
					continue
				}
				if err := checkKind(v.EntryKind); err != nil {
					return err
				}
			}
			return nil
		}
		return checkKind(e.EntryKind)
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// Reachable accumulates every object id a set of roots keeps alive.
type Reachable struct {
	Manifests map[object.ID]bool
	Blobs     map[object.ID]bool
	Chunks    map[object.ID]bool
	Recipes   map[object.ID]bool
}

// NewReachable returns an empty reachability set.
func NewReachable() *Reachable {
	return &Reachable{
		Manifests: make(map[object.ID]bool),
		Blobs:     make(map[object.ID]bool),
		Chunks:    make(map[object.ID]bool),
		Recipes:   make(map[object.ID]bool),
	}
}

// Keeps reports whether an id of the given kind is marked.
func (r *Reachable) Keeps(kind store.Kind, id object.ID) bool {
	switch kind {
	case store.KindManifest:
		return r.Manifests[id]
	case store.KindBlob:
		return r.Blobs[id]
	case store.KindChunk:
		return r.Chunks[id]
	case store.KindRecipe:
		return r.Recipes[id]
	default:
		return false
	}
}

func (r *Reachable) markKind(st *store.Store, k object.EntryKind) error {
	switch k.Type {
	case object.TypeFile:
		r.Blobs[k.Blob] = true
	case object.TypeChunked:
		if r.Recipes[k.Recipe] {
			return nil
		}
		r.Recipes[k.Recipe] = true
		recipe, err := st.GetRecipe(k.Recipe)
		if err != nil {
			return err
		}
		for _, c := range recipe.Chunks {
			r.Chunks[c.Chunk] = true
		}
	case object.TypeDir:
		return r.MarkManifest(st, k.Manifest)
	case object.TypeSuperposition:
		for _, v := range k.Variants {
			if err := r.markKind(st, v.EntryKind); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarkManifest marks a manifest tree and everything it references,
// including every superposition variant.
func (r *Reachable) MarkManifest(st *store.Store, id object.ID) error {
	if r.Manifests[id] {
		return nil
	}
	r.Manifests[id] = true
	m, err := st.GetManifest(id)
	if err != nil {
		return err
	}
	for _, e := range m.Entries {
		if err := r.markKind(st, e.EntryKind); err != nil {
			return err
		}
	}
	return nil
}
