package launcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	. "github.com/roelfdiedericks/chromewire/internal/logging"
	"github.com/roelfdiedericks/chromewire/internal/procreg"
)

// DevToolsActivePort is the file the browser writes into its user data
// directory once the debugging endpoint listens.
const DevToolsActivePort = "DevToolsActivePort"

// Lock files a crashed browser leaves behind. The browser refuses to start
// while SingletonLock points at a dead process on another host name.
var staleLockFiles = []string{"SingletonLock", "SingletonCookie", "SingletonSocket"}

// ProfileInfo describes one profile directory.
type ProfileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	LastUsed time.Time `json:"lastUsed"`
}

// ProfileManager maps profile names to user data directories. Directory
// names use the registry's name encoding, so any profile name is safe.
type ProfileManager struct {
	root string
}

func NewProfileManager(root string) *ProfileManager {
	return &ProfileManager{root: root}
}

// Root returns the directory holding all profiles.
func (m *ProfileManager) Root() string { return m.root }

// Dir returns the directory for name without creating it.
func (m *ProfileManager) Dir(name string) (string, error) {
	id, err := procreg.EncodeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.root, id), nil
}

// EnsureProfile creates the profile directory if needed and returns it.
func (m *ProfileManager) EnsureProfile(name string) (string, error) {
	dir, err := m.Dir(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("launcher: create profile directory: %w", err)
	}
	L_debug("launcher: ensured profile", "name", name, "path", dir)
	return dir, nil
}

// Exists reports whether the profile directory is present.
func (m *ProfileManager) Exists(name string) bool {
	dir, err := m.Dir(name)
	if err != nil {
		return false
	}
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}

// List returns every profile, sorted by name.
func (m *ProfileManager) List() ([]ProfileInfo, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("launcher: read profiles directory: %w", err)
	}

	var out []ProfileInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, err := procreg.DecodeName(e.Name())
		if err != nil {
			continue
		}
		out = append(out, profileInfo(name, filepath.Join(m.root, e.Name())))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func profileInfo(name, dir string) ProfileInfo {
	info := ProfileInfo{Name: name, Path: dir}
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			info.Size += fi.Size()
		}
		if fi.ModTime().After(info.LastUsed) {
			info.LastUsed = fi.ModTime()
		}
		return nil
	})
	return info
}

// Delete removes a profile directory and everything in it. The caller must
// make sure no browser is using it.
func (m *ProfileManager) Delete(name string) error {
	dir, err := m.Dir(name)
	if err != nil {
		return err
	}
	if !m.Exists(name) {
		return fmt.Errorf("launcher: profile does not exist: %s", name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("launcher: delete profile: %w", err)
	}
	L_info("launcher: deleted profile", "name", name)
	return nil
}

// RemoveStaleLocks deletes lock files left by a browser that did not exit
// cleanly. Only call it once the registry has confirmed no process owns dir.
func RemoveStaleLocks(dir string) {
	for _, name := range staleLockFiles {
		p := filepath.Join(dir, name)
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		if err := os.Remove(p); err != nil {
			L_warn("launcher: failed to remove stale lock file", "file", p, "error", err)
			continue
		}
		L_info("launcher: removed stale lock file", "file", p)
	}
}

// FormatSize returns a human-readable size string.
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
