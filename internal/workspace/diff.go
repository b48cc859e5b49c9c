package workspace

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/converge-vcs/converge/internal/object"
)

// ChangeKind labels one side-by-side difference.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// Change is one path that differs between two manifests.
type Change struct {
	Path string
	Kind ChangeKind
	// Text is a unified diff for small modified text files, "" otherwise.
	Text string
}

// textDiffLimit bounds how large a blob we will render as text.
const textDiffLimit = 256 * 1024

// DiffManifests compares two manifest trees and returns per-path changes
// sorted by path. Modified small text blobs get a unified diff.
func (w *Workspace) DiffManifests(a, b object.ID) ([]Change, error) {
	left := make(map[string]object.EntryKind)
	right := make(map[string]object.EntryKind)
	if err := w.flatten(a, "", left); err != nil {
		return nil, err
	}
	if err := w.flatten(b, "", right); err != nil {
		return nil, err
	}

	paths := make(map[string]bool)
	for p := range left {
		paths[p] = true
	}
	for p := range right {
		paths[p] = true
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var changes []Change
	for _, p := range sorted {
		lk, inLeft := left[p]
		rk, inRight := right[p]
		switch {
		case !inLeft:
			changes = append(changes, Change{Path: p, Kind: ChangeAdded})
		case !inRight:
			changes = append(changes, Change{Path: p, Kind: ChangeRemoved})
		case lk.ContentKey() != rk.ContentKey():
			c := Change{Path: p, Kind: ChangeModified}
			if text, err := w.textDiff(p, lk, rk); err == nil {
				c.Text = text
			}
			changes = append(changes, c)
		}
	}
	return changes, nil
}

// flatten maps every non-dir entry to its path. Dirs contribute their
// children only.
func (w *Workspace) flatten(id object.ID, prefix string, into map[string]object.EntryKind) error {
	m, err := w.Store.GetManifest(id)
	if err != nil {
		return err
	}
	for _, e := range m.Entries {
		path := e.Name
		if prefix != "" {
			path = prefix + "/" + e.Name
		}
		if e.Type == object.TypeDir {
			if err := w.flatten(e.Manifest, path, into); err != nil {
				return err
			}
			continue
		}
		into[path] = e.EntryKind
	}
	return nil
}

func (w *Workspace) textDiff(path string, a, b object.EntryKind) (string, error) {
	left, err := w.smallText(a)
	if err != nil {
		return "", err
	}
	right, err := w.smallText(b)
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(left),
		B:        difflib.SplitLines(right),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
}

func (w *Workspace) smallText(k object.EntryKind) (string, error) {
	if k.Type != object.TypeFile || k.Size > textDiffLimit {
		return "", fmt.Errorf("not a small text blob")
	}
	data, err := w.Store.GetBlob(k.Blob)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) || strings.ContainsRune(string(data), 0) {
		return "", fmt.Errorf("binary content")
	}
	return string(data), nil
}
