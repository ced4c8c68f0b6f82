// Package paths provides centralized path resolution for chromewire.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the name of the config file looked up by ConfigPath.
const ConfigFileName = "chromewire.json"

// BaseDir returns the chromewire base directory (~/.chromewire).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".chromewire"), nil
}

// DataPath returns a path within the chromewire data directory (~/.chromewire/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config path.
// Priority: ./chromewire.json (current dir) > ~/.chromewire/chromewire.json
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	if _, err := os.Stat(ConfigFileName); err == nil {
		absPath, err := filepath.Abs(ConfigFileName)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	globalPath, err := DataPath(ConfigFileName)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", nil
}

// RegistryDir returns the default process registry directory (~/.chromewire/registry).
func RegistryDir() (string, error) {
	return DataPath("registry")
}

// ProfilesDir returns the default browser profiles directory (~/.chromewire/profiles).
func ProfilesDir() (string, error) {
	return DataPath("profiles")
}

// BinDir returns the directory downloaded browser binaries are kept in.
func BinDir() (string, error) {
	return DataPath("bin")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
