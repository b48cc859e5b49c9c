// Package coalesce merges N publication manifests into one bundle
// manifest, materializing conflicts as superposition entries. The merge
// is a pure function of the input set: inputs are ordered by publication
// id internally, so any permutation of the same set produces a
// bit-identical output manifest.
package coalesce

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
)

// Input binds a publication id to the root manifest of its snap.
type Input struct {
	Publication string
	Root        object.ID
}

// Coalesce merges the inputs into a new root manifest and returns its id.
// A single input coalesces to itself.
func Coalesce(st *store.Store, inputs []Input) (object.ID, error) {
	if len(inputs) == 0 {
		return "", fmt.Errorf("coalesce requires at least one input")
	}
	sorted := make([]Input, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Publication < sorted[j].Publication })
	return mergeDir(st, sorted)
}

type contribution struct {
	source string
	kind   *object.EntryKind // nil when the path is absent in this input
}

func mergeDir(st *store.Store, inputs []Input) (object.ID, error) {
	type inputMap struct {
		source  string
		entries map[string]object.EntryKind
	}
	maps := make([]inputMap, 0, len(inputs))
	nameSet := make(map[string]bool)
	for _, in := range inputs {
		m, err := st.GetManifest(in.Root)
		if err != nil {
			return "", err
		}
		entries := make(map[string]object.EntryKind, len(m.Entries))
		for _, e := range m.Entries {
			entries[e.Name] = e.EntryKind
			nameSet[e.Name] = true
		}
		maps = append(maps, inputMap{source: in.Publication, entries: entries})
	}

	names := make([]string, 0, len(nameSet))
	for n := range nameSet {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []object.Entry
	for _, name := range names {
		contribs := make([]contribution, 0, len(maps))
		for _, im := range maps {
			if k, ok := im.entries[name]; ok {
				kc := k
				contribs = append(contribs, contribution{source: im.source, kind: &kc})
			} else {
				contribs = append(contribs, contribution{source: im.source, kind: nil})
			}
		}

		if kind, ok := identicalKind(contribs); ok {
			if kind.Type == object.TypeTombstone {
				// Unanimous deletion: the path disappears from the bundle.
				continue
			}
			out = append(out, object.Entry{Name: name, EntryKind: *kind})
			continue
		}

		if childInputs, ok := allDirs(contribs); ok {
			merged, err := mergeDir(st, childInputs)
			if err != nil {
				return "", err
			}
			out = append(out, object.Entry{Name: name, EntryKind: object.DirEntry(merged)})
			continue
		}

		entry, keep := superpose(name, contribs)
		if keep {
			out = append(out, entry)
		}
	}

	merged := &object.Manifest{Version: 1, Entries: out}
	return st.PutManifest(merged)
}

// identicalKind reports the shared kind when every input has a deep-equal
// entry for the name. A single input always satisfies this, which gives
// the single-input identity law — superpositions included.
func identicalKind(contribs []contribution) (*object.EntryKind, bool) {
	first := contribs[0].kind
	if first == nil {
		for _, c := range contribs[1:] {
			if c.kind != nil {
				return nil, false
			}
		}
		// Absent everywhere cannot happen for a name in the union; explicit
		// tombstones land here instead.
		t := object.TombstoneEntry()
		return &t, true
	}
	for _, c := range contribs[1:] {
		if c.kind == nil || !reflect.DeepEqual(*c.kind, *first) {
			return nil, false
		}
	}
	return first, true
}

// allDirs extracts child merge inputs when every contribution is a Dir.
func allDirs(contribs []contribution) ([]Input, bool) {
	children := make([]Input, 0, len(contribs))
	for _, c := range contribs {
		if c.kind == nil || c.kind.Type != object.TypeDir {
			return nil, false
		}
		children = append(children, Input{Publication: c.source, Root: c.kind.Manifest})
	}
	return children, true
}

// superpose builds the conflict entry for a name. Identical variants from
// different sources collapse to one, attributed to the lowest
// contributing publication id; variants are ordered by (source, key).
// The second return is false when the entry collapses to pure deletion.
func superpose(name string, contribs []contribution) (object.Entry, bool) {
	type candidate struct {
		source string
		kind   object.EntryKind
	}
	var candidates []candidate
	for _, c := range contribs {
		switch {
		case c.kind == nil:
			// Absence is a deletion claim by this publication.
			candidates = append(candidates, candidate{c.source, object.TombstoneEntry()})
		case c.kind.Type == object.TypeSuperposition:
			// An unresolved input passes its variants through with their
			// original attribution rather than flattening them away.
			for _, v := range c.kind.Variants {
				candidates = append(candidates, candidate{v.Source, v.EntryKind})
			}
		default:
			candidates = append(candidates, candidate{c.source, *c.kind})
		}
	}

	byKey := make(map[object.VariantKey]string)
	kinds := make(map[object.VariantKey]object.EntryKind)
	for _, c := range candidates {
		k := c.kind.ContentKey()
		if prev, ok := byKey[k]; !ok || c.source < prev {
			byKey[k] = c.source
		}
		kinds[k] = c.kind
	}

	variants := make([]object.Variant, 0, len(byKey))
	for k, src := range byKey {
		variants = append(variants, object.Variant{Source: src, EntryKind: kinds[k]})
	}
	sort.Slice(variants, func(i, j int) bool {
		return variantLess(variants[i], variants[j])
	})

	if len(variants) == 1 {
		if variants[0].Type == object.TypeTombstone {
			return object.Entry{}, false
		}
		return object.Entry{Name: name, EntryKind: variants[0].EntryKind}, true
	}
	return object.Entry{Name: name, EntryKind: object.SuperpositionEntry(variants)}, true
}

func variantLess(a, b object.Variant) bool {
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	ka, kb := a.ContentKey(), b.ContentKey()
	if ka.Type != kb.Type {
		return ka.Type < kb.Type
	}
	if ka.Blob != kb.Blob {
		return ka.Blob < kb.Blob
	}
	if ka.Recipe != kb.Recipe {
		return ka.Recipe < kb.Recipe
	}
	if ka.Manifest != kb.Manifest {
		return ka.Manifest < kb.Manifest
	}
	if ka.Target != kb.Target {
		return ka.Target < kb.Target
	}
	if ka.Mode != kb.Mode {
		return ka.Mode < kb.Mode
	}
	return ka.Size < kb.Size
}
