package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roelfdiedericks/chromewire/internal/cdp"
	. "github.com/roelfdiedericks/chromewire/internal/logging"
)

var errBrowserExited = errors.New("launcher: browser exited during startup")

// activePortPoll backs up fsnotify, which can miss a create-then-write on
// some filesystems.
const activePortPoll = 250 * time.Millisecond

// ActivePort is the content of DevToolsActivePort: the listening port and
// the browser endpoint path.
type ActivePort struct {
	Port        int
	BrowserPath string // /devtools/browser/<id>
}

// Addr returns the loopback address of the debugging endpoint.
func (a ActivePort) Addr() string {
	return "127.0.0.1:" + strconv.Itoa(a.Port)
}

// ReadActivePort parses dir/DevToolsActivePort.
func ReadActivePort(dir string) (ActivePort, error) {
	data, err := os.ReadFile(filepath.Join(dir, DevToolsActivePort))
	if err != nil {
		return ActivePort{}, err
	}
	return parseActivePort(data)
}

func parseActivePort(data []byte) (ActivePort, error) {
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) < 2 {
		return ActivePort{}, fmt.Errorf("launcher: incomplete %s", DevToolsActivePort)
	}
	port, err := strconv.Atoi(string(bytes.TrimSpace(lines[0])))
	if err != nil || port <= 0 || port > 65535 {
		return ActivePort{}, fmt.Errorf("launcher: bad port in %s: %q", DevToolsActivePort, lines[0])
	}
	return ActivePort{Port: port, BrowserPath: string(bytes.TrimSpace(lines[1]))}, nil
}

// waitForActivePort blocks until the browser has written DevToolsActivePort
// into dir. A stale file must be removed before the browser starts.
func waitForActivePort(ctx context.Context, dir string, timeout time.Duration, exited <-chan struct{}) (ActivePort, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if w, err := fsnotify.NewWatcher(); err != nil {
		L_warn("launcher: file watcher unavailable, polling", "error", err)
	} else {
		defer w.Close()
		if err := w.Add(dir); err != nil {
			L_warn("launcher: failed to watch profile dir, polling", "dir", dir, "error", err)
		} else {
			events, watchErrs = w.Events, w.Errors
		}
	}

	poll := time.NewTicker(activePortPoll)
	defer poll.Stop()

	for {
		if ap, err := ReadActivePort(dir); err == nil {
			return ap, nil
		}

		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
			} else if filepath.Base(ev.Name) == DevToolsActivePort {
				L_trace("launcher: active port file event", "op", ev.Op.String())
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
			} else {
				L_debug("launcher: watcher error", "error", err)
			}
		case <-poll.C:
		case <-exited:
			return ActivePort{}, errBrowserExited
		case <-wctx.Done():
			if err := ctx.Err(); err != nil {
				return ActivePort{}, err
			}
			return ActivePort{}, &cdp.TimeoutError{Method: "wait for " + DevToolsActivePort, Timeout: timeout}
		}
	}
}
