package object

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EntryType discriminates manifest entries and superposition variants in
// the canonical encoding.
type EntryType string

const (
	TypeFile          EntryType = "file"
	TypeChunked       EntryType = "chunked"
	TypeDir           EntryType = "dir"
	TypeSymlink       EntryType = "symlink"
	TypeTombstone     EntryType = "tombstone"
	TypeSuperposition EntryType = "superposition"
)

// Manifest is an ordered list of named entries. Canonical form sorts
// entries by name (bytewise), and names are unique.
type Manifest struct {
	Version uint32  `json:"version"`
	Entries []Entry `json:"entries"`
}

// Entry is one name → kind mapping inside a manifest. Exactly the fields
// relevant to Type are populated; the JSON encoding carries only those.
type Entry struct {
	Name string
	EntryKind
}

// EntryKind is the payload of an entry or of a superposition variant.
// It is a closed sum over Type.
type EntryKind struct {
	Type     EntryType
	Blob     ID     // file
	Recipe   ID     // chunked
	Mode     uint32 // file, chunked
	Size     uint64 // file, chunked
	Manifest ID     // dir
	Target   string // symlink
	Variants []Variant
}

// Variant is one branch of a superposition, attributed to the publication
// that contributed it.
type Variant struct {
	Source string
	EntryKind
}

// FileEntry builds a plain file kind.
func FileEntry(blob ID, mode uint32, size uint64) EntryKind {
	return EntryKind{Type: TypeFile, Blob: blob, Mode: mode, Size: size}
}

// ChunkedEntry builds a recipe-backed file kind.
func ChunkedEntry(recipe ID, mode uint32, size uint64) EntryKind {
	return EntryKind{Type: TypeChunked, Recipe: recipe, Mode: mode, Size: size}
}

// DirEntry builds a sub-manifest kind.
func DirEntry(manifest ID) EntryKind {
	return EntryKind{Type: TypeDir, Manifest: manifest}
}

// SymlinkEntry builds a symlink kind.
func SymlinkEntry(target string) EntryKind {
	return EntryKind{Type: TypeSymlink, Target: target}
}

// TombstoneEntry builds a deletion marker.
func TombstoneEntry() EntryKind {
	return EntryKind{Type: TypeTombstone}
}

// SuperpositionEntry builds a conflict entry over the given variants.
func SuperpositionEntry(variants []Variant) EntryKind {
	return EntryKind{Type: TypeSuperposition, Variants: variants}
}

// SortEntries puts a manifest into canonical order.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

// VariantKey is the content-derived identity of a variant: stable under
// variant-list reordering, usable as a map key.
type VariantKey struct {
	Source   string    `json:"source"`
	Type     EntryType `json:"type"`
	Blob     ID        `json:"blob,omitempty"`
	Recipe   ID        `json:"recipe,omitempty"`
	Mode     uint32    `json:"mode,omitempty"`
	Size     uint64    `json:"size,omitempty"`
	Manifest ID        `json:"manifest,omitempty"`
	Target   string    `json:"target,omitempty"`
}

// Key derives the variant's key.
func (v Variant) Key() VariantKey {
	k := v.EntryKind.contentKey()
	k.Source = v.Source
	return k
}

// contentKey is the identity of a kind without source attribution. Used
// during coalescing to collapse identical variants from different sources.
func (k EntryKind) contentKey() VariantKey {
	switch k.Type {
	case TypeFile:
		return VariantKey{Type: TypeFile, Blob: k.Blob, Mode: k.Mode, Size: k.Size}
	case TypeChunked:
		return VariantKey{Type: TypeChunked, Recipe: k.Recipe, Mode: k.Mode, Size: k.Size}
	case TypeDir:
		return VariantKey{Type: TypeDir, Manifest: k.Manifest}
	case TypeSymlink:
		return VariantKey{Type: TypeSymlink, Target: k.Target}
	default:
		return VariantKey{Type: TypeTombstone}
	}
}

// ContentKey exposes the source-free identity of a kind.
func (k EntryKind) ContentKey() VariantKey { return k.contentKey() }

// SameContent reports whether two kinds are byte-equal under canonical
// encoding. Superpositions never compare equal.
func (k EntryKind) SameContent(other EntryKind) bool {
	if k.Type == TypeSuperposition || other.Type == TypeSuperposition {
		return false
	}
	return k.contentKey() == other.contentKey()
}

type fileJSON struct {
	Name string    `json:"name,omitempty"`
	Type EntryType `json:"type"`
	Blob ID        `json:"blob"`
	Mode uint32    `json:"mode"`
	Size uint64    `json:"size"`
}

type chunkedJSON struct {
	Name   string    `json:"name,omitempty"`
	Type   EntryType `json:"type"`
	Recipe ID        `json:"recipe"`
	Mode   uint32    `json:"mode"`
	Size   uint64    `json:"size"`
}

type dirJSON struct {
	Name     string    `json:"name,omitempty"`
	Type     EntryType `json:"type"`
	Manifest ID        `json:"manifest"`
}

type symlinkJSON struct {
	Name   string    `json:"name,omitempty"`
	Type   EntryType `json:"type"`
	Target string    `json:"target"`
}

type tombstoneJSON struct {
	Name string    `json:"name,omitempty"`
	Type EntryType `json:"type"`
}

type superpositionJSON struct {
	Name     string    `json:"name,omitempty"`
	Type     EntryType `json:"type"`
	Variants []Variant `json:"variants"`
}

func marshalKind(name, source string, k EntryKind) ([]byte, error) {
	// source is carried in place of name for variants.
	switch k.Type {
	case TypeFile:
		return json.Marshal(struct {
			Source string `json:"source,omitempty"`
			fileJSON
		}{source, fileJSON{name, TypeFile, k.Blob, k.Mode, k.Size}})
	case TypeChunked:
		return json.Marshal(struct {
			Source string `json:"source,omitempty"`
			chunkedJSON
		}{source, chunkedJSON{name, TypeChunked, k.Recipe, k.Mode, k.Size}})
	case TypeDir:
		return json.Marshal(struct {
			Source string `json:"source,omitempty"`
			dirJSON
		}{source, dirJSON{name, TypeDir, k.Manifest}})
	case TypeSymlink:
		return json.Marshal(struct {
			Source string `json:"source,omitempty"`
			symlinkJSON
		}{source, symlinkJSON{name, TypeSymlink, k.Target}})
	case TypeTombstone:
		return json.Marshal(struct {
			Source string `json:"source,omitempty"`
			tombstoneJSON
		}{source, tombstoneJSON{name, TypeTombstone}})
	case TypeSuperposition:
		return json.Marshal(struct {
			Source string `json:"source,omitempty"`
			superpositionJSON
		}{source, superpositionJSON{name, TypeSuperposition, k.Variants}})
	default:
		return nil, fmt.Errorf("unknown entry type %q", k.Type)
	}
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return marshalKind(e.Name, "", e.EntryKind)
}

func (v Variant) MarshalJSON() ([]byte, error) {
	if v.Type == TypeSuperposition {
		return nil, fmt.Errorf("superposition cannot nest as a variant")
	}
	return marshalKind("", v.Source, v.EntryKind)
}

type entryWire struct {
	Name     string    `json:"name"`
	Source   string    `json:"source"`
	Type     EntryType `json:"type"`
	Blob     ID        `json:"blob"`
	Recipe   ID        `json:"recipe"`
	Mode     uint32    `json:"mode"`
	Size     uint64    `json:"size"`
	Manifest ID        `json:"manifest"`
	Target   string    `json:"target"`
	Variants []Variant `json:"variants"`
}

func (w entryWire) kind() (EntryKind, error) {
	switch w.Type {
	case TypeFile:
		return FileEntry(w.Blob, w.Mode, w.Size), nil
	case TypeChunked:
		return ChunkedEntry(w.Recipe, w.Mode, w.Size), nil
	case TypeDir:
		return DirEntry(w.Manifest), nil
	case TypeSymlink:
		return SymlinkEntry(w.Target), nil
	case TypeTombstone:
		return TombstoneEntry(), nil
	case TypeSuperposition:
		return SuperpositionEntry(w.Variants), nil
	default:
		return EntryKind{}, fmt.Errorf("unknown entry type %q", w.Type)
	}
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var w entryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := w.kind()
	if err != nil {
		return err
	}
	e.Name = w.Name
	e.EntryKind = kind
	return nil
}

func (v *Variant) UnmarshalJSON(data []byte) error {
	var w entryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type == TypeSuperposition {
		return fmt.Errorf("superposition cannot nest as a variant")
	}
	kind, err := w.kind()
	if err != nil {
		return err
	}
	v.Source = w.Source
	v.EntryKind = kind
	return nil
}

// ValidateManifest checks structural invariants: sorted unique names and
// superpositions with at least two distinct-key variants.
func ValidateManifest(m *Manifest) error {
	for i, e := range m.Entries {
		if e.Name == "" {
			return fmt.Errorf("entry %d has empty name", i)
		}
		if i > 0 && m.Entries[i-1].Name >= e.Name {
			return fmt.Errorf("entries not strictly sorted at %q", e.Name)
		}
		if e.Type == TypeSuperposition {
			if len(e.Variants) < 2 {
				return fmt.Errorf("superposition %q has %d variants, need >= 2", e.Name, len(e.Variants))
			}
			// Identical content from different sources must have collapsed
			// during coalescing, so content keys are distinct here.
			seen := make(map[VariantKey]bool, len(e.Variants))
			for _, v := range e.Variants {
				k := v.contentKey()
				if seen[k] {
					return fmt.Errorf("superposition %q has duplicate variant key", e.Name)
				}
				seen[k] = true
			}
		}
	}
	return nil
}
