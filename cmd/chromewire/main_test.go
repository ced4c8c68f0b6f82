package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/chromewire/internal/logging"
)

func TestCommandLine(t *testing.T) {
	tests := []struct {
		args    []string
		command string
		wantErr bool
	}{
		{[]string{"version"}, "version", false},
		{[]string{"registry", "list", "--active"}, "registry list", false},
		{[]string{"registry", "info", "bot1"}, "registry info <name>", false},
		{[]string{"registry", "forget", "bot1"}, "registry forget <name>", false},
		{[]string{"launch"}, "launch", false},
		{[]string{"launch", "work", "--url", "https://example.com", "--keep"}, "launch <profile>", false},
		{[]string{"launch", "work", "--dump", "markdown", "--max-chars", "2000"}, "launch <profile>", false},
		{[]string{"launch", "--dump", "pdf"}, "", true},
		{[]string{"-c", "/tmp/x.toml", "--log-level", "debug", "profiles", "list"}, "profiles list", false},
		{[]string{"registry", "info"}, "", true},
		{[]string{"bogus"}, "", true},
	}
	for _, tt := range tests {
		var cli CLI
		parser, err := kong.New(&cli, kong.Name("chromewire"), kong.Exit(func(int) {}))
		if err != nil {
			t.Fatalf("kong.New: %v", err)
		}
		kctx, err := parser.Parse(tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%v) err = %v", tt.args, err)
			continue
		}
		if err == nil && kctx.Command() != tt.command {
			t.Errorf("Parse(%v) command = %q, want %q", tt.args, kctx.Command(), tt.command)
		}
	}
}

func TestSetupAppliesLogLevel(t *testing.T) {
	p := filepath.Join(t.TempDir(), "chromewire.json")
	if err := os.WriteFile(p, []byte(`{"log": {"level": "debug"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	t.Cleanup(func() {
		logging.SetOutput(os.Stderr)
		logging.SetLevel(logging.LevelInfo)
	})

	if _, err := setup(&Globals{Config: p}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	logging.SetOutput(&buf)
	logging.L_debug("from config level")
	if !strings.Contains(buf.String(), "from config level") {
		t.Fatalf("log.level=debug from the config file was ignored: %q", buf.String())
	}

	buf.Reset()
	if _, err := setup(&Globals{Config: p, LogLevel: "warn"}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	logging.SetOutput(&buf)
	logging.L_info("below flag level")
	logging.L_warn("at flag level")
	if out := buf.String(); strings.Contains(out, "below flag level") || !strings.Contains(out, "at flag level") {
		t.Fatalf("--log-level=warn not applied: %q", out)
	}
}
