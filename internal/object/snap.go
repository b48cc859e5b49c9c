package object

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// SnapStats counts what a workspace scan saw.
type SnapStats struct {
	Files    uint64 `json:"files"`
	Dirs     uint64 `json:"dirs"`
	Symlinks uint64 `json:"symlinks"`
	Bytes    uint64 `json:"bytes"`
}

// Snap is an immutable workspace capture. It is not assumed to be
// buildable or conflict-free.
type Snap struct {
	Version      uint32    `json:"version"`
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	CreatedAt    string    `json:"created_at"`
	RootManifest ID        `json:"root_manifest"`
	Message      string    `json:"message,omitempty"`
	Stats        SnapStats `json:"stats"`
}

// ComputeSnapID derives the snap id from its identity fields. Timestamps
// participate here (snap ids are provenance), never in object hashing.
func ComputeSnapID(createdAt string, root ID, workspaceID string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(createdAt))
	h.Write([]byte("\n"))
	h.Write([]byte(root))
	h.Write([]byte("\n"))
	h.Write([]byte(workspaceID))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}
