package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roelfdiedericks/chromewire/internal/extract"
	"github.com/roelfdiedericks/chromewire/internal/launcher"
	. "github.com/roelfdiedericks/chromewire/internal/logging"
	"github.com/roelfdiedericks/chromewire/internal/session"
)

type LaunchCmd struct {
	Profile  string `arg:"" optional:"" help:"Profile name (default from config)."`
	URL      string `help:"Page to open." default:"about:blank"`
	Keep     bool   `help:"Keep the browser running until interrupted."`
	Headed   bool   `help:"Show the browser window."`
	Dump     string `help:"Print the page content after loading." enum:"none,html,markdown,text" default:"none"`
	MaxChars int    `help:"Truncate dumped content to this many bytes (0 keeps all)." default:"0"`
}

func (c *LaunchCmd) Run(rt *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Headed {
		rt.cfg.Browser.Headless = false
	}
	l, err := launcher.NewFromConfig(rt.cfg, rt.metrics)
	if err != nil {
		return err
	}

	inst, err := l.Launch(ctx, c.Profile)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := inst.Close(closeCtx); err != nil {
			L_error("launch: failed to stop browser", "error", err)
		}
	}()

	opts := session.OptionsFromConfig(rt.cfg.Session)
	opts.Metrics = rt.metrics
	browser, err := inst.Connect(ctx, opts)
	if err != nil {
		return err
	}
	defer browser.Close()

	target, err := browser.NewWindow(ctx, "about:blank", session.NewTargetOptions{})
	if err != nil {
		return err
	}
	if err := target.Navigate(ctx, c.URL, true); err != nil {
		return err
	}
	title, err := target.Title(ctx)
	if err != nil {
		return err
	}
	url, err := target.CurrentURL(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("profile: %s (pid %d, port %d)\n", inst.Profile, inst.PID, inst.Port)
	fmt.Printf("browser: %s\n", inst.Version().Browser)
	fmt.Printf("url:     %s\n", url)
	fmt.Printf("title:   %s\n", title)

	if c.Dump != "none" {
		if err := dumpPage(ctx, target, url, title, c.Dump, c.MaxChars); err != nil {
			return err
		}
	}

	if !c.Keep {
		return nil
	}
	L_info("launch: browser running, press Ctrl-C to stop", "profile", inst.Profile)
	select {
	case <-ctx.Done():
	case <-inst.Exited():
		L_warn("launch: browser exited", "error", inst.Wait())
	}
	return nil
}

func dumpPage(ctx context.Context, target *session.Target, url, title, format string, maxChars int) error {
	f, err := extract.ParseFormat(format)
	if err != nil {
		return err
	}
	html, err := target.PageSource(ctx)
	if err != nil {
		return err
	}
	page, err := extract.Render(html, url, title, f, maxChars)
	if err != nil {
		return err
	}
	fmt.Printf("\n%s\n", page)
	return nil
}
