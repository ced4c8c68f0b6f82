// Package launcher starts browser processes for named profiles. Every launch
// first reconciles the profile's registry record, so a browser left over
// from an earlier run is stopped before a new one touches the same user data
// directory.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roelfdiedericks/chromewire/internal/cdp"
	"github.com/roelfdiedericks/chromewire/internal/config"
	. "github.com/roelfdiedericks/chromewire/internal/logging"
	"github.com/roelfdiedericks/chromewire/internal/metrics"
	"github.com/roelfdiedericks/chromewire/internal/procreg"
	"github.com/roelfdiedericks/chromewire/internal/session"
)

const defaultTerminateGrace = 5 * time.Second

// Options configure a Launcher.
type Options struct {
	Browser        config.BrowserConfig
	Registry       *procreg.Registry
	Profiles       *ProfileManager
	Binaries       *Binaries
	TerminateGrace time.Duration // per step when stopping an Instance
	Metrics        *metrics.Recorder
}

// Launcher starts browsers. It is safe for concurrent use. Launches of the
// same profile run one at a time from Reconcile until the browser is ready,
// so a later launch replaces an earlier one instead of sharing its profile.
type Launcher struct {
	cfg      config.BrowserConfig
	registry *procreg.Registry
	profiles *ProfileManager
	binaries *Binaries
	grace    time.Duration
	metrics  *metrics.Recorder

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// New creates a launcher. Registry, Profiles and Binaries are required.
func New(opts Options) (*Launcher, error) {
	if opts.Registry == nil || opts.Profiles == nil || opts.Binaries == nil {
		return nil, errors.New("launcher: registry, profiles and binaries are required")
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = defaultTerminateGrace
	}
	return &Launcher{
		cfg:      opts.Browser,
		registry: opts.Registry,
		profiles: opts.Profiles,
		binaries: opts.Binaries,
		grace:    opts.TerminateGrace,
		metrics:  opts.Metrics,
		slots:    make(map[string]chan struct{}),
	}, nil
}

// NewFromConfig wires a launcher and its registry from the config file.
func NewFromConfig(cfg *config.Config, m *metrics.Recorder) (*Launcher, error) {
	regDir, err := cfg.Registry.ResolveDir()
	if err != nil {
		return nil, err
	}
	reg, err := procreg.New(regDir, procreg.Options{
		TerminateGrace: cfg.Registry.ResolveTerminateGrace(),
		KillWait:       cfg.Registry.ResolveKillWait(),
		Metrics:        m,
	})
	if err != nil {
		return nil, err
	}

	profilesDir, err := cfg.Browser.ResolveProfilesDir()
	if err != nil {
		return nil, err
	}
	binDir, err := cfg.Browser.ResolveBinDir()
	if err != nil {
		return nil, err
	}

	return New(Options{
		Browser:        cfg.Browser,
		Registry:       reg,
		Profiles:       NewProfileManager(profilesDir),
		Binaries:       NewBinaries(cfg.Browser.Bin, binDir, cfg.Browser.AutoDownload),
		TerminateGrace: cfg.Registry.ResolveTerminateGrace(),
		Metrics:        m,
	})
}

func (l *Launcher) Registry() *procreg.Registry { return l.registry }

func (l *Launcher) Profiles() *ProfileManager { return l.profiles }

func (l *Launcher) Binaries() *Binaries { return l.binaries }

// Launch starts a browser for profile (the configured default when empty)
// and waits until its debugging endpoint answers. Every failure is a
// *procreg.LifecycleError.
func (l *Launcher) Launch(ctx context.Context, profile string) (*Instance, error) {
	if profile == "" {
		profile = l.cfg.DefaultProfile
	}

	start := time.Now()
	release, err := l.acquire(ctx, profile)
	if err != nil {
		l.metrics.RecordOutcome("launcher", "launch", "failed")
		return nil, &procreg.LifecycleError{Op: "launch", Name: profile, Err: err}
	}
	inst, err := l.launch(ctx, profile)
	release()
	if err != nil {
		l.metrics.RecordOutcome("launcher", "launch", "failed")
		L_error("launcher: launch failed", "profile", profile, "error", err)
		return nil, err
	}
	l.metrics.Since("launcher", "launch", start)
	l.metrics.RecordOutcome("launcher", "launch", "ok")
	L_elapsed(start, "launcher: browser ready", "profile", profile, "pid", inst.PID, "port", inst.Port, "browser", inst.version.Browser)
	return inst, nil
}

// acquire takes the launch slot of profile, waiting for a launch in progress
// unless ctx ends first.
func (l *Launcher) acquire(ctx context.Context, profile string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[profile]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[profile] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Launcher) launch(ctx context.Context, profile string) (*Instance, error) {
	cfg := l.cfg.ForProfile(profile)
	fail := func(op string, pid int, err error) error {
		return &procreg.LifecycleError{Op: op, Name: profile, PID: pid, Err: err}
	}

	profileDir, err := l.profiles.EnsureProfile(profile)
	if err != nil {
		return nil, fail("launch", 0, err)
	}

	// Reconcile and binary lookup are independent; a download can take a
	// while and a stale browser can take the full terminate grace.
	var bin string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stale, err := l.registry.Reconcile(gctx, profile)
		if err != nil {
			return err
		}
		if stale {
			L_info("launcher: stopped stale browser", "profile", profile)
		}
		return nil
	})
	g.Go(func() error {
		p, err := l.binaries.Resolve(gctx)
		if err != nil {
			return fail("launch", 0, err)
		}
		bin = p
		return nil
	})
	if err := g.Wait(); err != nil {
		var le *procreg.LifecycleError
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, fail("reconcile", 0, err)
	}

	RemoveStaleLocks(profileDir)
	if err := os.Remove(filepath.Join(profileDir, DevToolsActivePort)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fail("launch", 0, err)
	}

	args := BuildArgs(cfg, profileDir)
	cmd := exec.Command(bin, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fail("launch", 0, err)
	}

	L_debug("launcher: starting browser", "profile", profile, "bin", bin, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fail("launch", 0, err)
	}

	inst := &Instance{
		Profile:    profile,
		ProfileDir: profileDir,
		PID:        cmd.Process.Pid,
		cmd:        cmd,
		stealth:    cfg.Stealth,
		registry:   l.registry,
		grace:      l.grace,
		output:     newRingBuffer(outputLines),
		exited:     make(chan struct{}),
	}
	inst.outputWG.Add(1)
	go inst.output.capture(stderr, profile, inst.outputWG.Done)
	go inst.reap()

	if _, err := l.registry.RecordLaunch(profile, inst.PID, profileDir); err != nil {
		return nil, inst.abort("launch", err)
	}

	timeout := cfg.ResolveStartupTimeout()
	ap, err := waitForActivePort(ctx, profileDir, timeout, inst.exited)
	if err != nil {
		return nil, inst.abort("wait-port", err)
	}
	inst.Port = ap.Port

	disc, err := cdp.NewDiscovery(ap.Addr())
	if err != nil {
		return nil, inst.abort("wait-port", err)
	}
	ver, err := disc.WaitReady(ctx, timeout)
	if err != nil {
		disc.Close()
		return nil, inst.abort("wait-port", err)
	}
	inst.discovery = disc
	inst.version = ver
	return inst, nil
}

// Instance is one running browser process started by Launch.
type Instance struct {
	Profile    string
	ProfileDir string
	PID        int
	Port       int

	cmd       *exec.Cmd
	stealth   bool
	registry  *procreg.Registry
	discovery *cdp.Discovery
	version   cdp.VersionInfo
	grace     time.Duration

	output   *ringBuffer
	outputWG sync.WaitGroup

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// reap waits for the process. Stderr must be drained before cmd.Wait.
func (i *Instance) reap() {
	i.outputWG.Wait()
	i.waitErr = i.cmd.Wait()
	L_debug("launcher: browser exited", "profile", i.Profile, "pid", i.PID, "error", i.waitErr)
	close(i.exited)
}

// Version returns the endpoint's /json/version document.
func (i *Instance) Version() cdp.VersionInfo { return i.version }

// WebSocketURL returns the browser-level debugging endpoint.
func (i *Instance) WebSocketURL() string { return i.version.WebSocketDebuggerURL }

func (i *Instance) Discovery() *cdp.Discovery { return i.discovery }

// Stderr returns the last lines the browser wrote to stderr.
func (i *Instance) Stderr() []string { return i.output.Lines() }

// Exited is closed once the process has been reaped.
func (i *Instance) Exited() <-chan struct{} { return i.exited }

// Wait blocks until the process exits and returns its exit status.
func (i *Instance) Wait() error {
	<-i.exited
	return i.waitErr
}

// Connect opens a session on the browser endpoint. Stealth is forced on
// when the profile is configured for it.
func (i *Instance) Connect(ctx context.Context, opts session.Options) (*session.Browser, error) {
	if i.stealth {
		opts.Stealth = true
	}
	return session.Connect(ctx, i.WebSocketURL(), opts)
}

// Close stops the browser: Browser.close first, then SIGTERM, then SIGKILL,
// each bounded by the terminate grace. The registry record is removed once
// the process is gone. Close is idempotent.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() { i.closeErr = i.close(ctx) })
	return i.closeErr
}

func (i *Instance) close(ctx context.Context) error {
	if i.discovery != nil {
		defer i.discovery.Close()
	}

	if !i.waitExited(ctx, 0) {
		i.requestClose(ctx)
		if !i.waitExited(ctx, i.grace) {
			L_warn("launcher: browser ignored Browser.close, terminating", "profile", i.Profile, "pid", i.PID)
			if err := i.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				L_debug("launcher: SIGTERM failed", "pid", i.PID, "error", err)
			}
			if !i.waitExited(ctx, i.grace) {
				_ = i.cmd.Process.Kill()
				if !i.waitExited(ctx, i.grace) {
					err := ctx.Err()
					if err == nil {
						err = fmt.Errorf("still running after kill")
					}
					return &procreg.LifecycleError{Op: "terminate", Name: i.Profile, PID: i.PID, Err: err}
				}
			}
		}
	}

	if err := i.registry.RemoveOwned(i.Profile, i.PID); err != nil {
		return err
	}
	L_info("launcher: browser closed", "profile", i.Profile, "pid", i.PID)
	return nil
}

// requestClose sends Browser.close on a short-lived connection. The browser
// dropping the socket while it exits is expected.
func (i *Instance) requestClose(ctx context.Context) {
	if i.WebSocketURL() == "" {
		return
	}
	conn, err := cdp.Dial(ctx, i.WebSocketURL(), cdp.Options{Name: "close:" + i.Profile, DefaultTimeout: i.grace})
	if err != nil {
		L_debug("launcher: cannot reach browser for Browser.close", "profile", i.Profile, "error", err)
		return
	}
	defer conn.Close()

	if _, err := conn.SendTimeout(ctx, "Browser.close", nil, i.grace); err != nil && !errors.Is(err, cdp.ErrTransport) {
		L_debug("launcher: Browser.close failed", "profile", i.Profile, "error", err)
	}
}

// waitExited reports whether the process exits within d. A zero d only
// checks.
func (i *Instance) waitExited(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-i.exited:
			return true
		default:
			return false
		}
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-i.exited:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// abort kills a browser whose startup failed and reports why, with the tail
// of its stderr.
func (i *Instance) abort(op string, cause error) error {
	_ = i.cmd.Process.Kill()
	if i.waitExited(context.Background(), i.grace) {
		if err := i.registry.RemoveOwned(i.Profile, i.PID); err != nil {
			L_warn("launcher: failed to remove record after aborted launch", "profile", i.Profile, "error", err)
		}
	}

	if lines := i.Stderr(); len(lines) > 0 {
		if len(lines) > 5 {
			lines = lines[len(lines)-5:]
		}
		cause = fmt.Errorf("%w (stderr: %s)", cause, strings.Join(lines, " | "))
	}
	return &procreg.LifecycleError{Op: op, Name: i.Profile, PID: i.PID, Err: cause}
}
