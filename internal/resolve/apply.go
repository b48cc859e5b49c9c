package resolve

import (
	"fmt"

	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
)

// Apply rewrites the manifest tree under root, replacing each
// superposition with its decided variant, and returns the new root id.
// Validation runs first so callers get the full problem report instead
// of the first failure. A Tombstone decision removes the path from its
// parent manifest. Same inputs always produce the same output id.
func Apply(st *store.Store, root object.ID, decisions map[string]Decision) (object.ID, error) {
	report, err := Validate(st, root, decisions)
	if err != nil {
		return "", err
	}
	if err := report.Err(); err != nil {
		return "", err
	}
	memo := make(map[string]object.ID)
	return rewrite(st, root, "", decisions, memo)
}

// rewrite memoizes by (prefix, manifest id): decisions are path-based, so
// one manifest id reused at two paths must not share rewritten output.
func rewrite(st *store.Store, id object.ID, prefix string, decisions map[string]Decision, memo map[string]object.ID) (object.ID, error) {
	memoKey := prefix + "::" + string(id)
	if out, ok := memo[memoKey]; ok {
		return out, nil
	}

	m, err := st.GetManifest(id)
	if err != nil {
		return "", err
	}
	out := make([]object.Entry, 0, len(m.Entries))
	for _, e := range m.Entries {
		path := e.Name
		if prefix != "" {
			path = prefix + "/" + e.Name
		}

		switch e.Type {
		case object.TypeDir:
			sub, err := rewrite(st, e.Manifest, path, decisions, memo)
			if err != nil {
				return "", err
			}
			out = append(out, object.Entry{Name: e.Name, EntryKind: object.DirEntry(sub)})

		case object.TypeSuperposition:
			d, ok := decisions[path]
			if !ok {
				return "", fmt.Errorf("no resolution decision for %s", path)
			}
			idx, err := decisionIndex(path, d, e.Variants)
			if err != nil {
				return "", err
			}
			chosen := e.Variants[idx]
			switch chosen.Type {
			case object.TypeTombstone:
				// Deletion chosen: the entry vanishes from this manifest.
			case object.TypeDir:
				sub, err := rewrite(st, chosen.Manifest, path, decisions, memo)
				if err != nil {
					return "", err
				}
				out = append(out, object.Entry{Name: e.Name, EntryKind: object.DirEntry(sub)})
			default:
				out = append(out, object.Entry{Name: e.Name, EntryKind: chosen.EntryKind})
			}

		default:
			out = append(out, e)
		}
	}

	object.SortEntries(out)
	newID, err := st.PutManifest(&object.Manifest{Version: 1, Entries: out})
	if err != nil {
		return "", err
	}
	memo[memoKey] = newID
	return newID, nil
}

func decisionIndex(path string, d Decision, variants []object.Variant) (int, error) {
	if d.Index != nil {
		if int(*d.Index) >= len(variants) {
			return 0, fmt.Errorf("decision for %s out of range (index %d, variants %d)",
				path, *d.Index, len(variants))
		}
		return int(*d.Index), nil
	}
	if d.Key != nil {
		if i := findVariant(variants, *d.Key); i >= 0 {
			return i, nil
		}
		return 0, fmt.Errorf("decision key for %s matches no variant (wanted source %s)",
			path, d.Key.Source)
	}
	return 0, fmt.Errorf("empty decision for %s", path)
}
