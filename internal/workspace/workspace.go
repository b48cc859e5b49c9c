// Package workspace is the client side: a working tree plus a .converge/
// directory holding a local object store, config, the HEAD snap pointer,
// and in-progress resolutions. One process owns a workspace at a time.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/converge-vcs/converge/internal/store"
)

const (
	stateDir       = ".converge"
	configFile     = "config.toml"
	headFile       = "HEAD"
	resolutionsDir = "resolutions"
)

// Workspace is an opened working tree.
type Workspace struct {
	Root   string
	Store  *store.Store
	Config *Config
}

// Init creates the .converge/ directory in root. Fails when one exists.
func Init(root string) (*Workspace, error) {
	dir := filepath.Join(root, stateDir)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("workspace already initialized at %s", dir)
	}
	for _, sub := range []string{dir, filepath.Join(dir, resolutionsDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}
	cfg := &Config{Version: 1, WorkspaceID: uuid.NewString()}
	if err := saveConfig(dir, cfg); err != nil {
		return nil, err
	}
	return Open(root)
}

// Open loads an existing workspace.
func Open(root string) (*Workspace, error) {
	dir := filepath.Join(root, stateDir)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("no workspace at %s (run init first)", root)
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(filepath.Join(dir, "objects"))
	if err != nil {
		return nil, err
	}
	return &Workspace{Root: root, Store: st, Config: cfg}, nil
}

// StateDir returns the .converge/ path.
func (w *Workspace) StateDir() string {
	return filepath.Join(w.Root, stateDir)
}

// SaveConfig persists the in-memory config.
func (w *Workspace) SaveConfig() error {
	return saveConfig(w.StateDir(), w.Config)
}

// Head returns the current snap id, or "" when no snap exists yet.
func (w *Workspace) Head() (string, error) {
	data, err := os.ReadFile(filepath.Join(w.StateDir(), headFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetHead points HEAD at a snap id.
func (w *Workspace) SetHead(snapID string) error {
	return store.WriteAtomic(filepath.Join(w.StateDir(), headFile), []byte(snapID+"\n"), 0o644)
}
