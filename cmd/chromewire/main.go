// Command chromewire launches browsers under named profiles and maintains
// the process registry that keeps one browser per profile.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/chromewire/internal/config"
	. "github.com/roelfdiedericks/chromewire/internal/logging"
	"github.com/roelfdiedericks/chromewire/internal/metrics"
)

const version = "0.1.0"

// Globals are the flags shared by every command.
type Globals struct {
	Config   string `help:"Config file (JSON, TOML or YAML)." type:"path" short:"c"`
	LogLevel string `help:"Log level: trace, debug, info, warn, error." name:"log-level" default:""`
	Metrics  bool   `help:"Print collected metrics on exit."`
}

type CLI struct {
	Globals

	Version  VersionCmd  `cmd:"" help:"Print the version."`
	Registry RegistryCmd `cmd:"" help:"Inspect and maintain the process registry."`
	Profiles ProfilesCmd `cmd:"" help:"Manage profile directories."`
	Launch   LaunchCmd   `cmd:"" help:"Launch a browser for a profile and open a page."`
}

// app carries what commands share after startup.
type app struct {
	cfg     *config.Config
	metrics *metrics.Recorder
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("chromewire"),
		kong.Description("Drive Chromium over the DevTools protocol."),
		kong.UsageOnError(),
	)

	cfg, err := setup(&cli.Globals)
	if err != nil {
		L_fatal("failed to load config: %v", err)
	}

	rt := &app{cfg: cfg, metrics: metrics.NewRecorder()}
	err = kctx.Run(&cli.Globals, rt)
	if cli.Metrics {
		printMetrics(rt.metrics)
	}
	kctx.FatalIfErrorf(err)
}

// setup initialises logging, loads the config and applies the effective log
// level. The flag wins over log.level in the file.
func setup(g *Globals) (*config.Config, error) {
	Init(&Config{Level: ParseLevel(g.LogLevel), TimeFormat: "15:04:05"})

	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if g.LogLevel != "" {
		level = g.LogLevel
	}
	SetLevel(ParseLevel(level))
	return cfg, nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("chromewire %s\n", version)
	return nil
}

func printMetrics(m *metrics.Recorder) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m.Snapshot()); err != nil {
		L_warn("failed to print metrics", "error", err)
	}
}
