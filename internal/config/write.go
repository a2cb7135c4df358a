package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/renameio/v2"
)

// WriteDefault writes the default config file at path, refusing to clobber
// an existing one. Parent directories are created as needed.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return atomicWrite(path, []byte(DefaultConfigYAML))
}

// atomicWrite replaces path atomically so a crash mid-write never leaves a
// truncated config behind.
func atomicWrite(path string, data []byte) error {
	if runtime.GOOS == "windows" {
		// renameio does not guarantee atomicity on Windows.
		return os.WriteFile(path, data, 0o600)
	}
	return renameio.WriteFile(path, data, 0o600)
}
