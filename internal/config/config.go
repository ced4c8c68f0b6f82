package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/roelfdiedericks/chromewire/internal/logging"
	"github.com/roelfdiedericks/chromewire/internal/paths"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides (CHROMEWIRE_BROWSER_HEADLESS, ...).
const EnvPrefix = "CHROMEWIRE"

// ErrProxyCredentials is returned by Validate when a proxy URL embeds a
// username or password. Chromium's --proxy-server switch drops them.
var ErrProxyCredentials = errors.New("proxy URL must not contain credentials")

// Config represents the merged chromewire configuration
type Config struct {
	Browser  BrowserConfig  `json:"browser" toml:"browser" yaml:"browser"`
	Session  SessionConfig  `json:"session" toml:"session" yaml:"session"`
	Registry RegistryConfig `json:"registry" toml:"registry" yaml:"registry"`
	Log      LogConfig      `json:"log" toml:"log" yaml:"log"`
}

// BrowserConfig controls how browser processes are launched.
type BrowserConfig struct {
	Bin            string   `json:"bin" toml:"bin" yaml:"bin" split_words:"true"`                                  // Browser executable (empty = search, then download)
	BinDir         string   `json:"binDir" toml:"binDir" yaml:"binDir" split_words:"true"`                         // Download directory (empty = ~/.chromewire/bin)
	AutoDownload   bool     `json:"autoDownload" toml:"autoDownload" yaml:"autoDownload" split_words:"true"`       // Download Chromium if no binary is found
	ProfilesDir    string   `json:"profilesDir" toml:"profilesDir" yaml:"profilesDir" split_words:"true"`          // Profile root (empty = ~/.chromewire/profiles)
	DefaultProfile string   `json:"defaultProfile" toml:"defaultProfile" yaml:"defaultProfile" split_words:"true"` // Profile used when none is given
	Headless       bool     `json:"headless" toml:"headless" yaml:"headless" split_words:"true"`
	NoSandbox      bool     `json:"noSandbox" toml:"noSandbox" yaml:"noSandbox" split_words:"true"` // Needed for Docker/root
	Stealth        bool     `json:"stealth" toml:"stealth" yaml:"stealth" split_words:"true"`
	DebugPort      int      `json:"debugPort" toml:"debugPort" yaml:"debugPort" split_words:"true"` // 0 = let the browser pick
	WindowSize     string   `json:"windowSize" toml:"windowSize" yaml:"windowSize" split_words:"true"`
	Proxy          string   `json:"proxy" toml:"proxy" yaml:"proxy" split_words:"true"`
	Lang           string   `json:"lang" toml:"lang" yaml:"lang" split_words:"true"`
	ExtraArgs      []string `json:"extraArgs" toml:"extraArgs" yaml:"extraArgs" split_words:"true"`
	StartupTimeout string   `json:"startupTimeout" toml:"startupTimeout" yaml:"startupTimeout" split_words:"true"` // Wait for the debug port

	// Per-profile overrides, merged over the fields above by ForProfile.
	Profiles map[string]BrowserConfig `json:"profiles,omitempty" toml:"profiles" yaml:"profiles" ignored:"true"`
}

// SessionConfig holds protocol-level timeouts.
type SessionConfig struct {
	CommandTimeout    string `json:"commandTimeout" toml:"commandTimeout" yaml:"commandTimeout" split_words:"true"`
	NavigationTimeout string `json:"navigationTimeout" toml:"navigationTimeout" yaml:"navigationTimeout" split_words:"true"`
	FindTimeout       string `json:"findTimeout" toml:"findTimeout" yaml:"findTimeout" split_words:"true"`
	PollInterval      string `json:"pollInterval" toml:"pollInterval" yaml:"pollInterval" split_words:"true"`
	CloseTimeout      string `json:"closeTimeout" toml:"closeTimeout" yaml:"closeTimeout" split_words:"true"`
}

// RegistryConfig configures the process identity registry.
type RegistryConfig struct {
	Dir            string `json:"dir" toml:"dir" yaml:"dir" split_words:"true"` // empty = ~/.chromewire/registry
	TerminateGrace string `json:"terminateGrace" toml:"terminateGrace" yaml:"terminateGrace" split_words:"true"`
	KillWait       string `json:"killWait" toml:"killWait" yaml:"killWait" split_words:"true"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `json:"level" toml:"level" yaml:"level" split_words:"true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Browser: BrowserConfig{
			AutoDownload:   true,
			DefaultProfile: "default",
			Headless:       true,
			WindowSize:     "1920,1080",
			StartupTimeout: "30s",
		},
		Session: SessionConfig{
			CommandTimeout:    "30s",
			NavigationTimeout: "30s",
			FindTimeout:       "10s",
			PollInterval:      "100ms",
			CloseTimeout:      "5s",
		},
		Registry: RegistryConfig{
			TerminateGrace: "5s",
			KillWait:       "3s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration at path (JSON, TOML or YAML by extension) over the
// defaults and applies CHROMEWIRE_* environment overrides. An empty path
// looks up ./chromewire.json then ~/.chromewire/chromewire.json; no file at
// all is a valid state.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = found
	}

	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
		logging.L_debug("config: loaded", "path", path)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks values that would otherwise fail late, at launch time.
func (c *Config) Validate() error {
	if c.Browser.DefaultProfile == "" {
		return fmt.Errorf("browser.defaultProfile must not be empty")
	}
	if err := ValidateProxy(c.Browser.Proxy); err != nil {
		return fmt.Errorf("browser.proxy: %w", err)
	}
	for name, p := range c.Browser.Profiles {
		if err := ValidateProxy(p.Proxy); err != nil {
			return fmt.Errorf("browser.profiles.%s.proxy: %w", name, err)
		}
	}

	durations := map[string]string{
		"browser.startupTimeout":    c.Browser.StartupTimeout,
		"session.commandTimeout":    c.Session.CommandTimeout,
		"session.navigationTimeout": c.Session.NavigationTimeout,
		"session.findTimeout":       c.Session.FindTimeout,
		"session.pollInterval":      c.Session.PollInterval,
		"session.closeTimeout":      c.Session.CloseTimeout,
		"registry.terminateGrace":   c.Registry.TerminateGrace,
		"registry.killWait":         c.Registry.KillWait,
	}
	for key, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, v)
		}
	}
	return nil
}

// ValidateProxy accepts "", "host:port" and scheme URLs without user info.
func ValidateProxy(proxy string) error {
	if proxy == "" {
		return nil
	}
	if !strings.Contains(proxy, "://") {
		proxy = "http://" + proxy
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.User != nil {
		return ErrProxyCredentials
	}
	if u.Host == "" {
		return fmt.Errorf("invalid proxy URL %q: missing host", proxy)
	}
	return nil
}

// ForProfile returns the browser config with the named profile's overrides
// applied. Only non-zero override fields take effect.
func (c BrowserConfig) ForProfile(name string) BrowserConfig {
	out := c
	out.Profiles = nil
	override, ok := c.Profiles[name]
	if !ok {
		return out
	}
	override.Profiles = nil
	if err := mergo.Merge(&out, override, mergo.WithOverride); err != nil {
		logging.L_warn("config: profile override merge failed", "profile", name, "error", err)
	}
	return out
}

// ResolveProfilesDir returns the profiles directory, defaulting to ~/.chromewire/profiles
func (c BrowserConfig) ResolveProfilesDir() (string, error) {
	if c.ProfilesDir != "" {
		return paths.ExpandTilde(c.ProfilesDir)
	}
	return paths.ProfilesDir()
}

// ResolveBinDir returns the download directory for browser binaries
func (c BrowserConfig) ResolveBinDir() (string, error) {
	if c.BinDir != "" {
		return paths.ExpandTilde(c.BinDir)
	}
	return paths.BinDir()
}

// ResolveStartupTimeout returns how long to wait for the debug port.
func (c BrowserConfig) ResolveStartupTimeout() time.Duration {
	return parseDuration(c.StartupTimeout, 30*time.Second)
}

// ResolveDir returns the registry directory, defaulting to ~/.chromewire/registry
func (c RegistryConfig) ResolveDir() (string, error) {
	if c.Dir != "" {
		return paths.ExpandTilde(c.Dir)
	}
	return paths.RegistryDir()
}

// ResolveTerminateGrace returns how long a stale browser gets after SIGTERM.
func (c RegistryConfig) ResolveTerminateGrace() time.Duration {
	return parseDuration(c.TerminateGrace, 5*time.Second)
}

// ResolveKillWait returns how long to wait for a process after SIGKILL.
func (c RegistryConfig) ResolveKillWait() time.Duration {
	return parseDuration(c.KillWait, 3*time.Second)
}

// ResolveCommandTimeout returns the default per-command timeout.
func (c SessionConfig) ResolveCommandTimeout() time.Duration {
	return parseDuration(c.CommandTimeout, 30*time.Second)
}

// ResolveNavigationTimeout returns the load-wait timeout for navigations.
func (c SessionConfig) ResolveNavigationTimeout() time.Duration {
	return parseDuration(c.NavigationTimeout, 30*time.Second)
}

// ResolveFindTimeout returns the default element wait.
func (c SessionConfig) ResolveFindTimeout() time.Duration {
	return parseDuration(c.FindTimeout, 10*time.Second)
}

// ResolvePollInterval returns the element poll interval.
func (c SessionConfig) ResolvePollInterval() time.Duration {
	return parseDuration(c.PollInterval, 100*time.Millisecond)
}

// ResolveCloseTimeout returns how long Close waits for the target to go away.
func (c SessionConfig) ResolveCloseTimeout() time.Duration {
	return parseDuration(c.CloseTimeout, 5*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
