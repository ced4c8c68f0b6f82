package launcher

import (
	"strings"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"

	"github.com/roelfdiedericks/chromewire/internal/config"
)

// BuildArgs returns the browser command line for one profile, without the
// executable. The flag set starts from rod's automation defaults.
func BuildArgs(cfg config.BrowserConfig, profileDir string) []string {
	l := launcher.New().
		UserDataDir(profileDir).
		RemoteDebuggingPort(cfg.DebugPort).
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.WindowSize != "" {
		l = l.Set("window-size", cfg.WindowSize)
	}
	if !cfg.Headless {
		l = l.Set("start-maximized")
	}

	if cfg.Stealth {
		l = l.Set("disable-blink-features", "AutomationControlled").
			Delete("enable-automation")
	}

	if cfg.Proxy != "" {
		l = l.Proxy(cfg.Proxy)
	}
	if cfg.Lang != "" {
		l = l.Set("lang", cfg.Lang)
	}

	for _, arg := range cfg.ExtraArgs {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			l = l.Set(flags.Flag(name), value)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}

	return l.FormatArgs()
}
