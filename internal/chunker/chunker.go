// Package chunker splits large files into content-addressed chunk
// sequences and reassembles them. The scheme is fixed-size, so identical
// input bytes yield identical recipes on every host.
package chunker

import (
	"context"
	"fmt"
	"io"

	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
)

const (
	DefaultChunkSize = 4 * 1024 * 1024
	DefaultThreshold = 8 * 1024 * 1024
)

// Config controls when and how files are chunked.
type Config struct {
	ChunkSize uint64
	Threshold uint64
}

// DefaultConfig returns the standard 4 MiB / 8 MiB policy.
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize, Threshold: DefaultThreshold}
}

// Validate rejects configurations that cannot chunk.
func (c Config) Validate() error {
	if c.ChunkSize == 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.Threshold == 0 {
		return fmt.Errorf("threshold must be positive")
	}
	return nil
}

// Ref points at ingested file content: a single blob below the threshold,
// a recipe at or above it.
type Ref struct {
	Blob   object.ID
	Recipe object.ID
	Size   uint64
}

// Chunked reports whether the ref is recipe-backed.
func (r Ref) Chunked() bool { return r.Recipe != "" }

// Ingest streams r into the store. Files below the threshold become a
// single blob; larger files become chunk_size pieces under a recipe (the
// last chunk may be shorter). Files at or above the threshold are read
// one chunk at a time and never held in memory whole.
func Ingest(ctx context.Context, st *store.Store, r io.Reader, size uint64, cfg Config) (Ref, error) {
	if err := cfg.Validate(); err != nil {
		return Ref{}, err
	}

	if size < cfg.Threshold {
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return Ref{}, fmt.Errorf("read file: %w", err)
		}
		id, err := st.PutBlob(data)
		if err != nil {
			return Ref{}, err
		}
		return Ref{Blob: id, Size: size}, nil
	}

	recipe := &object.Recipe{Version: 1, Size: size}
	remaining := size
	buf := make([]byte, cfg.ChunkSize)
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return Ref{}, err
		}
		n := cfg.ChunkSize
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return Ref{}, fmt.Errorf("read chunk: %w", err)
		}
		id, err := st.PutChunk(buf[:n])
		if err != nil {
			return Ref{}, err
		}
		recipe.Chunks = append(recipe.Chunks, object.RecipeChunk{Chunk: id, Size: uint32(n)})
		remaining -= n
	}

	rid, err := st.PutRecipe(recipe)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Recipe: rid, Size: size}, nil
}

// Materialize streams the referenced content to w, concatenating recipe
// chunks in order.
func Materialize(ctx context.Context, st *store.Store, ref Ref, w io.Writer) error {
	if !ref.Chunked() {
		data, err := st.GetBlob(ref.Blob)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write blob: %w", err)
		}
		return nil
	}

	recipe, err := st.GetRecipe(ref.Recipe)
	if err != nil {
		return err
	}
	for i, c := range recipe.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := st.GetChunk(c.Chunk)
		if err != nil {
			return err
		}
		if uint32(len(data)) != c.Size {
			return fmt.Errorf("chunk %d of recipe %s is %d bytes, recipe says %d",
				i, ref.Recipe, len(data), c.Size)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
	}
	return nil
}
