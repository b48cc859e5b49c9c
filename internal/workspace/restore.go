package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/converge-vcs/converge/internal/chunker"
	"github.com/converge-vcs/converge/internal/object"
)

// Restore materializes a manifest tree into dest: directories, file
// modes, symlink targets, and chunked files reassembled in order. The
// tree must be conflict-free; a superposition aborts the restore.
func (w *Workspace) Restore(ctx context.Context, root object.ID, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	return w.restoreDir(ctx, root, dest)
}

func (w *Workspace) restoreDir(ctx context.Context, id object.ID, dir string) error {
	m, err := w.Store.GetManifest(id)
	if err != nil {
		return err
	}
	for _, e := range m.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(dir, e.Name)
		switch e.Type {
		case object.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", path, err)
			}
			if err := w.restoreDir(ctx, e.Manifest, path); err != nil {
				return err
			}

		case object.TypeFile:
			if err := w.restoreFile(ctx, chunker.Ref{Blob: e.Blob, Size: e.Size}, path, e.Mode); err != nil {
				return err
			}

		case object.TypeChunked:
			if err := w.restoreFile(ctx, chunker.Ref{Recipe: e.Recipe, Size: e.Size}, path, e.Mode); err != nil {
				return err
			}

		case object.TypeSymlink:
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("clear %s: %w", path, err)
			}
			if err := os.Symlink(e.Target, path); err != nil {
				return fmt.Errorf("create symlink %s: %w", path, err)
			}

		case object.TypeSuperposition:
			return fmt.Errorf("cannot restore %s: unresolved superposition (resolve the bundle first)", path)

		case object.TypeTombstone:
			// Tombstones only exist mid-coalesce; a stored tree has none.
		}
	}
	return nil
}

func (w *Workspace) restoreFile(ctx context.Context, ref chunker.Ref, path string, mode uint32) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(mode))
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := chunker.Materialize(ctx, w.Store, ref, f); err != nil {
		f.Close()
		return fmt.Errorf("materialize %s: %w", path, err)
	}
	if err := f.Chmod(os.FileMode(mode)); err != nil {
		f.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return f.Close()
}
