package config

import (
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// LoadFile decodes a TOML config file into cfg, in place, the same way
// the teacher repo's routes config loader reads its JSON file: missing
// file is not an error, a malformed file is.
func LoadFile(path string, cfg *Config) error {
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(err, "could not load config file %q", path)
	}
	return nil
}

// FileExists reports whether path can be stat'ed.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
