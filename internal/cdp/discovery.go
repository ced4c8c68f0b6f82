package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	. "github.com/roelfdiedericks/chromewire/internal/logging"
)

// VersionInfo is the /json/version document.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version,omitempty"`
	WebKitVersion        string `json:"WebKit-Version,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// TargetListing is one entry of /json/list.
type TargetListing struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	Description          string `json:"description,omitempty"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl,omitempty"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

// Discovery queries the plain-HTTP side of a debugging endpoint.
type Discovery struct {
	BaseURL string // http://host:port

	client *retryablehttp.Client
}

// NewDiscovery creates a client for addr, which may be "host:port", an
// http(s) URL or a ws(s) URL of the same endpoint.
func NewDiscovery(addr string) (*Discovery, error) {
	base, err := httpBase(addr)
	if err != nil {
		return nil, err
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.Logger = nil // Disable logging
	client.HTTPClient.Timeout = 10 * time.Second

	return &Discovery{BaseURL: base, client: client}, nil
}

func httpBase(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("cdp: invalid endpoint %q: %w", addr, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("cdp: unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("cdp: endpoint %q has no host", addr)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Host returns the host:port of the endpoint.
func (d *Discovery) Host() string {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// PageURL returns the per-target WebSocket endpoint for a target id.
func (d *Discovery) PageURL(targetID string) string {
	return PageURL(d.Host(), targetID)
}

// PageURL returns ws://host/devtools/page/<id>.
func PageURL(host, targetID string) string {
	return "ws://" + host + "/devtools/page/" + targetID
}

// Version fetches /json/version.
func (d *Discovery) Version(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	err := d.getJSON(ctx, "/json/version", &info)
	return info, err
}

// Targets fetches /json/list.
func (d *Discovery) Targets(ctx context.Context) ([]TargetListing, error) {
	var targets []TargetListing
	if err := d.getJSON(ctx, "/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// WaitReady polls /json/version until the endpoint answers or timeout
// elapses. The expiry is reported as *TimeoutError.
func (d *Discovery) WaitReady(ctx context.Context, timeout time.Duration) (VersionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	interval := 50 * time.Millisecond
	var lastErr error

	for {
		info, err := d.Version(ctx)
		if err == nil && info.WebSocketDebuggerURL != "" {
			L_debug("cdp: endpoint ready", "url", d.BaseURL, "browser", info.Browser, "elapsed", time.Since(start))
			return info, nil
		}
		if err == nil {
			err = fmt.Errorf("cdp: %s/json/version has no webSocketDebuggerUrl", d.BaseURL)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			L_debug("cdp: endpoint never became ready", "url", d.BaseURL, "lastError", lastErr)
			return VersionInfo{}, &TimeoutError{Method: "GET /json/version", Timeout: timeout}
		case <-time.After(interval):
		}
		if interval < 500*time.Millisecond {
			interval *= 2
		}
	}
}

func (d *Discovery) getJSON(ctx context.Context, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("cdp: build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &TransportError{Op: "http", URL: d.BaseURL + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransportError{
			Op:         "http",
			URL:        d.BaseURL + path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body))),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cdp: decode %s: %w", path, err)
	}
	return nil
}

// Close releases idle HTTP connections.
func (d *Discovery) Close() {
	d.client.HTTPClient.CloseIdleConnections()
}
