// SPDX-License-Identifier: MIT

// Package session manages the platform login lifecycle: QR login, stored
// credential reuse, verification against the platform, and logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/ManuGH/vidharvest/internal/client"
	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/platform/netcheck"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	navPath        = "/x/web-interface/nav"
	qrGeneratePath = "/x/passport-login/web/qrcode/generate"
	qrPollPath     = "/x/passport-login/web/qrcode/poll"
)

// Poll codes returned inside the QR poll payload.
const (
	pollConfirmed  = 0
	pollExpired    = 86038
	pollScanned    = 86090
	pollNotScanned = 86101
)

var (
	// ErrNotLoggedIn indicates the platform rejected or downgraded the
	// stored credential.
	ErrNotLoggedIn = errors.New("session: credential rejected by platform")
	// ErrLoginExpired indicates the QR code expired before confirmation.
	ErrLoginExpired = errors.New("session: login QR expired")
	// ErrLoginTimeout indicates the user never confirmed within the window.
	ErrLoginTimeout = errors.New("session: login confirmation timed out")
)

// Identity describes the account behind a verified session.
type Identity struct {
	Uname string
	Mid   int64
}

// Manager owns the stored credential and the login/verify/logout flows.
type Manager struct {
	api          *client.Client
	passport     *client.Client
	checker      *netcheck.Checker
	credFile     string
	pollInterval time.Duration
	pollTimeout  time.Duration
	out          io.Writer

	mu   sync.RWMutex
	cred *Credential
}

// Options configures a Manager. Clients are attached later via Bind because
// they need the manager's Cookie method at construction time.
type Options struct {
	CredentialFile string
	Checker        *netcheck.Checker
	PollInterval   time.Duration
	PollTimeout    time.Duration
	Out            io.Writer // QR code and login instructions
}

// NewManager creates a Manager and silently picks up any credential already
// on disk.
func NewManager(opts Options) *Manager {
	m := &Manager{
		checker:      opts.Checker,
		credFile:     opts.CredentialFile,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
		out:          opts.Out,
	}
	if m.checker == nil {
		m.checker = netcheck.New()
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 3 * time.Second
	}
	if m.pollTimeout <= 0 {
		m.pollTimeout = 180 * time.Second
	}
	if m.out == nil {
		m.out = os.Stdout
	}
	if cred, err := LoadCredential(m.credFile); err == nil {
		m.cred = cred
	}
	return m
}

// Bind attaches the API and passport transports. Must be called before
// Login or Verify.
func (m *Manager) Bind(api, passport *client.Client) {
	m.api = api
	m.passport = passport
}

// Cookie returns the current credential as a Cookie header value. It is
// handed to client.Options.CookieProvider as a method value.
func (m *Manager) Cookie() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.CookieHeader()
}

// Credential returns the cached credential, nil when absent.
func (m *Manager) Credential() *Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred
}

func (m *Manager) setCredential(cred *Credential) {
	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()
}

// Verify asks the platform whether the stored credential is still accepted
// and returns the account identity when it is.
func (m *Manager) Verify(ctx context.Context) (*Identity, error) {
	if m.api == nil {
		return nil, fmt.Errorf("session: manager not bound to a transport")
	}
	if !m.Credential().Valid() {
		return nil, ErrNoCredential
	}

	var nav struct {
		IsLogin bool   `json:"isLogin"`
		Uname   string `json:"uname"`
		Mid     int64  `json:"mid"`
	}
	if err := m.api.GetJSON(ctx, "session.verify", navPath, nil, &nav); err != nil {
		if errors.Is(err, client.ErrAuthExpired) {
			return nil, fmt.Errorf("%w: %v", ErrNotLoggedIn, err)
		}
		return nil, err
	}
	if !nav.IsLogin {
		return nil, ErrNotLoggedIn
	}
	return &Identity{Uname: nav.Uname, Mid: nav.Mid}, nil
}

// Login establishes a platform session. Without force, a stored credential
// that still verifies is reused as is. Otherwise a QR login runs: generate
// a QR code, render it, and poll until the user confirms on their device.
func (m *Manager) Login(ctx context.Context, force bool) (*Credential, error) {
	if m.passport == nil {
		return nil, fmt.Errorf("session: manager not bound to a transport")
	}
	logger := log.WithComponent("session")

	if !force {
		if id, err := m.Verify(ctx); err == nil {
			logger.Info().Str("uname", id.Uname).Int64("mid", id.Mid).
				Msg("existing session still valid")
			return m.Credential(), nil
		}
	}

	if err := m.checker.Check(ctx, m.passport.Base()); err != nil {
		return nil, fmt.Errorf("login precheck: %w", err)
	}

	var gen struct {
		URL       string `json:"url"`
		QRCodeKey string `json:"qrcode_key"`
	}
	if err := m.passport.GetJSON(ctx, "login.qr.generate", qrGeneratePath, nil, &gen); err != nil {
		return nil, err
	}
	if gen.URL == "" || gen.QRCodeKey == "" {
		return nil, fmt.Errorf("login: QR generate returned an empty payload")
	}
	m.renderQR(gen.URL)

	params := url.Values{}
	params.Set("qrcode_key", gen.QRCodeKey)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(m.pollTimeout)
	defer timeout.Stop()

	scannedNotified := false
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, ErrLoginTimeout
		case <-ticker.C:
			var poll struct {
				URL          string `json:"url"`
				RefreshToken string `json:"refresh_token"`
				Code         int    `json:"code"`
				Message      string `json:"message"`
			}
			if err := m.passport.GetJSON(ctx, "login.qr.poll", qrPollPath, params, &poll); err != nil {
				if client.Retryable(err) {
					continue // transient, the next tick polls again
				}
				return nil, err
			}

			switch poll.Code {
			case pollConfirmed:
				cred, err := credentialFromURL(poll.URL)
				if err != nil {
					return nil, err
				}
				cred.RefreshToken = poll.RefreshToken
				cred.SavedAt = time.Now().UTC()
				if err := SaveCredential(m.credFile, cred); err != nil {
					return nil, err
				}
				m.setCredential(cred)
				logger.Info().Str("event", "session.login").Msg("login confirmed, credential saved")
				return cred, nil
			case pollExpired:
				return nil, ErrLoginExpired
			case pollScanned:
				if !scannedNotified {
					fmt.Fprintln(m.out, "QR scanned, confirm the login on your device...")
					scannedNotified = true
				}
			case pollNotScanned:
				// keep waiting
			default:
				return nil, fmt.Errorf("login: unexpected poll code %d: %s", poll.Code, poll.Message)
			}
		}
	}
}

// Logout clears the cached credential and removes the credential file.
func (m *Manager) Logout() error {
	m.setCredential(nil)
	return RemoveCredential(m.credFile)
}

func (m *Manager) renderQR(loginURL string) {
	fmt.Fprintln(m.out, "Scan the QR code with the mobile app to log in:")
	if qr, err := qrcode.New(loginURL, qrcode.Medium); err == nil {
		fmt.Fprint(m.out, qr.ToSmallString(false))
	}
	fmt.Fprintf(m.out, "Or open this URL on a logged-in device:\n%s\n", loginURL)
}

// credentialFromURL extracts the session cookies from the cross-domain
// confirmation URL carried in a successful poll payload.
func credentialFromURL(raw string) (*Credential, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("login: parse confirmation url: %w", err)
	}
	q := u.Query()
	cred := &Credential{
		SESSDATA:   q.Get("SESSDATA"),
		BiliJCT:    q.Get("bili_jct"),
		DedeUserID: q.Get("DedeUserID"),
	}
	if !cred.Valid() {
		return nil, fmt.Errorf("login: confirmation url carries no session cookie")
	}
	return cred, nil
}
