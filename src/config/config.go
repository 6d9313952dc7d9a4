/*
src/config/config.go

Persistence for BridgeConfig. The store owns a state directory (0700) and
writes the configuration as YAML with owner-only permissions, using a
write-temp-then-rename so a crash mid-write can never leave a half-written
file that a later Load would accept.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/lokegud/Paradelala/types"
)

const (
	configFileName = "bridge.yaml"

	dirMode  = 0o700
	fileMode = 0o600
)

// Store reads and writes the bridge configuration under a state directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created on the
// first Save, not here, so a read-only `status` invocation never mutates
// the filesystem.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultStateDir resolves the state directory: $BRIDGE_STATE_DIR if set,
// otherwise ~/.bridge.
func DefaultStateDir() string {
	if d := os.Getenv("BRIDGE_STATE_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// Last resort: relative to the working directory.
		return ".bridge"
	}
	return filepath.Join(home, ".bridge")
}

// Dir returns the state directory this store is rooted at.
func (s *Store) Dir() string { return s.dir }

// Path returns the full path of the config file.
func (s *Store) Path() string { return filepath.Join(s.dir, configFileName) }

// Load reads and validates the persisted configuration. A missing file is
// reported as types.ErrNotFound so callers can distinguish "never set up"
// from a real failure.
func (s *Store) Load() (*types.BridgeConfig, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", s.Path(), types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg types.BridgeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", s.Path(), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save validates cfg and writes it atomically with mode 0600. The config may
// reference private key paths, hence the restrictive permissions.
func (s *Store) Save(cfg *types.BridgeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fmt.Errorf("failed to create state dir %s: %w", s.dir, err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, configFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config: %w", err)
	}

	if err := os.Rename(tmpName, s.Path()); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}

	log.Debug().Str("path", s.Path()).Str("role", string(cfg.Role)).Str("method", string(cfg.Method)).Msg("Config saved")
	return nil
}
