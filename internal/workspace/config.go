package workspace

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/converge-vcs/converge/internal/chunker"
)

// Config is the workspace's config.toml.
type Config struct {
	Version     uint32         `toml:"version"`
	WorkspaceID string         `toml:"workspace_id"`
	Chunking    ChunkingConfig `toml:"chunking"`
	Remote      *RemoteConfig  `toml:"remote,omitempty"`
}

// ChunkingConfig mirrors chunker.Config in the config file.
type ChunkingConfig struct {
	ChunkSize uint64 `toml:"chunk_size"`
	Threshold uint64 `toml:"threshold"`
}

// RemoteConfig points the workspace at an authority.
type RemoteConfig struct {
	BaseURL string `toml:"base_url"`
	Repo    string `toml:"repo"`
	Scope   string `toml:"scope"`
	Gate    string `toml:"gate"`
	Lane    string `toml:"lane,omitempty"`
}

// ChunkerConfig converts the file form to the chunker's config.
func (c *Config) ChunkerConfig() chunker.Config {
	cfg := chunker.Config{ChunkSize: c.Chunking.ChunkSize, Threshold: c.Chunking.Threshold}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = chunker.DefaultChunkSize
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = chunker.DefaultThreshold
	}
	return cfg
}

func configPath(dir string) string {
	return filepath.Join(dir, configFile)
}

func loadConfig(dir string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(configPath(dir), &cfg); err != nil {
		return nil, fmt.Errorf("read workspace config: %w", err)
	}
	return &cfg, nil
}

func saveConfig(dir string, cfg *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode workspace config: %w", err)
	}
	if err := os.WriteFile(configPath(dir), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write workspace config: %w", err)
	}
	return nil
}
