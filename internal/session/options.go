package session

import (
	"time"

	"github.com/roelfdiedericks/chromewire/internal/config"
	"github.com/roelfdiedericks/chromewire/internal/metrics"
)

// Options holds the timeouts and features shared by a browser session and
// every target attached through it.
type Options struct {
	CommandTimeout    time.Duration
	NavigationTimeout time.Duration
	FindTimeout       time.Duration
	PollInterval      time.Duration
	CloseTimeout      time.Duration

	Stealth bool // inject the stealth script into every attached page
	Network bool // enable the Network domain on attach

	Metrics *metrics.Recorder
}

// OptionsFromConfig resolves the session section of the config file.
func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		CommandTimeout:    cfg.ResolveCommandTimeout(),
		NavigationTimeout: cfg.ResolveNavigationTimeout(),
		FindTimeout:       cfg.ResolveFindTimeout(),
		PollInterval:      cfg.ResolvePollInterval(),
		CloseTimeout:      cfg.ResolveCloseTimeout(),
	}
}

func (o Options) withDefaults() Options {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if o.FindTimeout <= 0 {
		o.FindTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	return o
}
