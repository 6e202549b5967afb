package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/renderq/renderq/errors"
)

// Save writes the configuration to a TOML file, creating parent directories
// as needed. Used by `renderq config init`.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create config directory %s", dir)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create config file %s", path)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return errors.Wrapf(err, "failed to encode config to %s", path)
	}
	return nil
}
