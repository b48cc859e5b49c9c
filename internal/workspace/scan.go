package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/converge-vcs/converge/internal/chunker"
	"github.com/converge-vcs/converge/internal/object"
)

// ignoredName reports names that are never scanned into a manifest.
func ignoredName(name string) bool {
	return name == stateDir || name == ".git"
}

// Scan walks the working tree and stores its manifest graph, returning
// the root manifest id. Directory entries are visited in lexicographic
// byte order so identical trees produce identical ids on any host.
func (w *Workspace) Scan(ctx context.Context, stats *object.SnapStats) (object.ID, error) {
	return w.scanDir(ctx, w.Root, stats)
}

func (w *Workspace) scanDir(ctx context.Context, dir string, stats *object.SnapStats) (object.ID, error) {
	children, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read dir %s: %w", dir, err)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	cfg := w.Config.ChunkerConfig()
	var entries []object.Entry
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name := child.Name()
		if ignoredName(name) {
			continue
		}
		path := filepath.Join(dir, name)

		var kind object.EntryKind
		switch {
		case child.IsDir():
			stats.Dirs++
			sub, err := w.scanDir(ctx, path, stats)
			if err != nil {
				return "", err
			}
			kind = object.DirEntry(sub)

		case child.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return "", fmt.Errorf("read symlink %s: %w", path, err)
			}
			stats.Symlinks++
			kind = object.SymlinkEntry(target)

		case child.Type().IsRegular():
			info, err := child.Info()
			if err != nil {
				return "", fmt.Errorf("stat %s: %w", path, err)
			}
			size := uint64(info.Size())
			mode := uint32(info.Mode().Perm())

			f, err := os.Open(path)
			if err != nil {
				return "", fmt.Errorf("open %s: %w", path, err)
			}
			ref, err := chunker.Ingest(ctx, w.Store, f, size, cfg)
			f.Close()
			if err != nil {
				return "", fmt.Errorf("ingest %s: %w", path, err)
			}
			if ref.Chunked() {
				kind = object.ChunkedEntry(ref.Recipe, mode, size)
			} else {
				kind = object.FileEntry(ref.Blob, mode, size)
			}
			stats.Files++
			stats.Bytes += size

		default:
			// Sockets, devices, fifos are skipped.
			continue
		}

		entries = append(entries, object.Entry{Name: name, EntryKind: kind})
	}

	return w.Store.PutManifest(&object.Manifest{Version: 1, Entries: entries})
}

// CreateSnap scans the tree and records an immutable snap, advancing
// HEAD.
func (w *Workspace) CreateSnap(ctx context.Context, message string) (*object.Snap, error) {
	var stats object.SnapStats
	root, err := w.Scan(ctx, &stats)
	if err != nil {
		return nil, err
	}
	createdAt := time.Now().UTC().Format(time.RFC3339)
	snap := &object.Snap{
		Version:      1,
		ID:           object.ComputeSnapID(createdAt, root, w.Config.WorkspaceID),
		WorkspaceID:  w.Config.WorkspaceID,
		CreatedAt:    createdAt,
		RootManifest: root,
		Message:      message,
		Stats:        stats,
	}
	if err := w.Store.PutSnap(snap); err != nil {
		return nil, err
	}
	if err := w.SetHead(snap.ID); err != nil {
		return nil, err
	}
	return snap, nil
}

// SnapFromManifest records a snap for an already-stored manifest, e.g.
// the output of applying a resolution. HEAD is not moved.
func (w *Workspace) SnapFromManifest(root object.ID, message string) (*object.Snap, error) {
	createdAt := time.Now().UTC().Format(time.RFC3339)
	snap := &object.Snap{
		Version:      1,
		ID:           object.ComputeSnapID(createdAt, root, w.Config.WorkspaceID),
		WorkspaceID:  w.Config.WorkspaceID,
		CreatedAt:    createdAt,
		RootManifest: root,
		Message:      message,
	}
	if err := w.Store.PutSnap(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSnaps returns local snaps, newest first.
func (w *Workspace) ListSnaps() ([]*object.Snap, error) {
	snaps, err := w.Store.ListSnaps()
	if err != nil {
		return nil, err
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt != snaps[j].CreatedAt {
			return snaps[i].CreatedAt > snaps[j].CreatedAt
		}
		return snaps[i].ID > snaps[j].ID
	})
	return snaps, nil
}
