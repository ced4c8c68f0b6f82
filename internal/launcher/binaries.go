package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-rod/rod/lib/launcher"

	. "github.com/roelfdiedericks/chromewire/internal/logging"
)

var ErrNoBrowser = errors.New("launcher: no browser binary")

// Binaries locates the browser executable. Lookup order: the configured
// path, a previous download under binDir, the system install, then a fresh
// download when allowed. The result is cached for the process lifetime.
type Binaries struct {
	bin          string
	binDir       string
	autoDownload bool

	// lookPath is the system lookup, replaceable in tests.
	lookPath func() (string, bool)

	mu   sync.Mutex
	path string
}

// NewBinaries creates a resolver. bin may be empty.
func NewBinaries(bin, binDir string, autoDownload bool) *Binaries {
	return &Binaries{
		bin:          bin,
		binDir:       binDir,
		autoDownload: autoDownload,
		lookPath:     launcher.LookPath,
	}
}

// Resolve returns a usable browser path. It is safe to call concurrently.
func (b *Binaries) Resolve(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.path != "" {
		if _, err := os.Stat(b.path); err == nil {
			return b.path, nil
		}
		b.path = ""
	}

	if b.bin != "" {
		if _, err := os.Stat(b.bin); err != nil {
			return "", fmt.Errorf("%w: configured %s: %v", ErrNoBrowser, b.bin, err)
		}
		b.path = b.bin
		return b.path, nil
	}

	if p, err := b.findDownloaded(); err == nil {
		L_debug("launcher: using downloaded browser", "path", p)
		b.path = p
		return p, nil
	}

	if p, ok := b.lookPath(); ok {
		L_debug("launcher: using system browser", "path", p)
		b.path = p
		return p, nil
	}

	if !b.autoDownload {
		return "", fmt.Errorf("%w: none installed and autoDownload is disabled", ErrNoBrowser)
	}

	p, err := b.download(ctx)
	if err != nil {
		return "", err
	}
	b.path = p
	return p, nil
}

// Download fetches the default Chromium revision even if one is present.
func (b *Binaries) Download(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.download(ctx)
	if err != nil {
		return "", err
	}
	b.path = p
	return p, nil
}

func (b *Binaries) download(ctx context.Context) (string, error) {
	if err := os.MkdirAll(b.binDir, 0755); err != nil {
		return "", fmt.Errorf("launcher: create bin directory: %w", err)
	}

	L_info("launcher: downloading browser", "dir", b.binDir)
	rb := launcher.NewBrowser()
	rb.RootDir = b.binDir
	rb.Context = ctx

	p, err := rb.Get()
	if err != nil {
		return "", fmt.Errorf("%w: download failed: %v", ErrNoBrowser, err)
	}
	L_info("launcher: browser ready", "path", p)
	return p, nil
}

// findDownloaded looks for an executable left by an earlier download.
func (b *Binaries) findDownloaded() (string, error) {
	entries, err := os.ReadDir(b.binDir)
	if err != nil {
		return "", err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidates := []string{
			filepath.Join(b.binDir, entry.Name(), "chrome"),
			filepath.Join(b.binDir, entry.Name(), "chrome.exe"),
			filepath.Join(b.binDir, entry.Name(), "Chromium.app", "Contents", "MacOS", "Chromium"),
		}
		for _, c := range candidates {
			if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
				return c, nil
			}
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoBrowser, b.binDir)
}
