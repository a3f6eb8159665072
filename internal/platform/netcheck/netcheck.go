// Package netcheck answers one question before a crawl or login touches the
// platform: is the network down, or just the platform? Callers use the two
// sentinel errors to decide between aborting and retrying.
package netcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

var (
	// ErrNetworkUnavailable indicates no outbound connectivity at all.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrPlatformUnreachable indicates the network is up but the platform
	// host did not answer.
	ErrPlatformUnreachable = errors.New("platform unreachable")
)

// bootstrapAddrs are well-known resolver endpoints used to distinguish
// "no network" from "platform down" when the platform dial fails.
var bootstrapAddrs = []string{"8.8.8.8:53", "1.1.1.1:53"}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Checker probes platform reachability over TCP and HTTP.
type Checker struct {
	dial        dialFunc
	httpClient  *http.Client
	dialTimeout time.Duration
	bootstrap   []string
}

// Option configures a Checker.
type Option func(*Checker)

// WithDialer overrides the TCP dialer (tests redirect dials here).
func WithDialer(d dialFunc) Option {
	return func(c *Checker) { c.dial = d }
}

// WithHTTPClient overrides the HTTP probe client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Checker) { c.httpClient = hc }
}

// WithDialTimeout overrides the per-dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Checker) { c.dialTimeout = d }
}

// WithBootstrapAddrs overrides the connectivity reference endpoints.
func WithBootstrapAddrs(addrs ...string) Option {
	return func(c *Checker) { c.bootstrap = addrs }
}

// New creates a Checker with sane production defaults.
func New(opts ...Option) *Checker {
	c := &Checker{
		dialTimeout: 3 * time.Second,
		bootstrap:   bootstrapAddrs,
	}
	dialer := &net.Dialer{}
	c.dial = dialer.DialContext
	c.httpClient = &http.Client{Timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check verifies that the platform behind baseURL is reachable.
//
// It dials the platform host first. If that fails it dials the bootstrap
// endpoints to classify the failure: none reachable means the network is
// down (ErrNetworkUnavailable), otherwise the platform itself is the
// problem (ErrPlatformUnreachable). A successful dial is followed by an
// HTTP probe so that TCP-level reachability with a broken HTTP path is
// still reported as unreachable.
func (c *Checker) Check(ctx context.Context, baseURL string) error {
	host, port, err := hostPort(baseURL)
	if err != nil {
		return fmt.Errorf("netcheck: %w", err)
	}

	addr := net.JoinHostPort(host, port)
	dialErr := c.tryDial(ctx, addr)
	if dialErr != nil {
		if !c.anyBootstrapReachable(ctx) {
			return fmt.Errorf("%w: dial %s: %v", ErrNetworkUnavailable, addr, dialErr)
		}
		return fmt.Errorf("%w: dial %s: %v", ErrPlatformUnreachable, addr, dialErr)
	}

	if err := c.httpProbe(ctx, baseURL); err != nil {
		return fmt.Errorf("%w: %v", ErrPlatformUnreachable, err)
	}
	return nil
}

func (c *Checker) tryDial(ctx context.Context, addr string) error {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, err := c.dial(dctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *Checker) anyBootstrapReachable(ctx context.Context) bool {
	for _, addr := range c.bootstrap {
		if err := c.tryDial(ctx, addr); err == nil {
			return true
		}
	}
	return false
}

// httpProbe issues a lightweight GET against the base URL. Any HTTP status
// counts as reachable; only transport failures matter here.
func (c *Checker) httpProbe(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return fmt.Errorf("probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return nil
}

func hostPort(baseURL string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", "", fmt.Errorf("invalid base url: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("base url %q has no host", baseURL)
	}
	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return "", "", err
	}
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			return "", "", fmt.Errorf("unknown scheme %q", u.Scheme)
		}
	}
	return host, port, nil
}

// NormalizeHost validates and normalizes a host for dialing and comparison.
// IDN hosts are converted to their ASCII (punycode) form.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if strings.Contains(host, "://") {
		return "", fmt.Errorf("host must not include scheme: %s", raw)
	}
	if strings.Contains(host, "/") {
		return "", fmt.Errorf("host must not include path: %s", raw)
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("host must not include port: %s", raw)
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}
