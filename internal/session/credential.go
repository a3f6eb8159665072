// SPDX-License-Identifier: MIT

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/vidharvest/internal/platform/fs"
)

// ErrNoCredential indicates no usable credential is stored on disk.
var ErrNoCredential = errors.New("session: no stored credential")

// Credential holds the platform session cookies obtained by login.
type Credential struct {
	SESSDATA     string    `json:"sessdata"`
	BiliJCT      string    `json:"bili_jct"`
	DedeUserID   string    `json:"dede_user_id"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// Valid reports whether the credential carries a session cookie at all.
// It says nothing about whether the platform still accepts it.
func (c *Credential) Valid() bool {
	return c != nil && c.SESSDATA != ""
}

// CookieHeader renders the credential as a Cookie header value.
func (c *Credential) CookieHeader() string {
	if c == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	if c.SESSDATA != "" {
		parts = append(parts, "SESSDATA="+c.SESSDATA)
	}
	if c.BiliJCT != "" {
		parts = append(parts, "bili_jct="+c.BiliJCT)
	}
	if c.DedeUserID != "" {
		parts = append(parts, "DedeUserID="+c.DedeUserID)
	}
	return strings.Join(parts, "; ")
}

// LoadCredential reads a credential file. A missing or empty file maps to
// ErrNoCredential so callers can branch into the login flow.
func LoadCredential(path string) (*Credential, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("read credential: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	if !cred.Valid() {
		return nil, ErrNoCredential
	}
	return &cred, nil
}

// SaveCredential writes the credential atomically with owner-only
// permissions. Readers never observe a partially written file.
func SaveCredential(path string, cred *Credential) error {
	if !cred.Valid() {
		return fmt.Errorf("refusing to save credential without session cookie")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := fs.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// RemoveCredential deletes the credential file. Missing files are fine.
func RemoveCredential(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}
