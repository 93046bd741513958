// Package credentials keeps one upstream account's OAuth credential valid.
//
// DESIGN: Kiro access tokens live about an hour and are refreshed with a
// long-lived refresh token, either through the Kiro social endpoint or
// through AWS SSO-OIDC (IdC / Builder ID accounts). Many requests share one
// account, and several accounts can share one refresh token (alias files),
// so refreshes are coordinated by a RefreshRegistry keyed by refresh token.
//
// FLOW (EnsureFresh):
//  1. Token valid for more than 5 minutes → nothing to do
//  2. RefreshRegistry: join an in-flight refresh, or skip inside the 30s cooldown
//  3. Leader: adopt a fresher credential from the shared cache if another
//     process already refreshed, else call the refresh endpoint
//  4. Persist: merge into the credential file, update the cache, sync aliases
//
// The credential file is never overwritten wholesale: fields are merged into
// the existing JSON so keys written by other tools survive.
package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Auth methods as written in credential files.
const (
	AuthMethodSocial = "social"
	AuthMethodIdC    = "IdC"
)

// Timing constants.
const (
	ExpiryWindow    = 5 * time.Minute
	RefreshCooldown = 30 * time.Second
	DefaultTokenTTL = time.Hour
	DefaultNearWarn = 10 * time.Minute
	DefaultRegion   = "us-east-1"
)

// DefaultFileName is the Kiro IDE's credential file in the SSO cache.
const DefaultFileName = "kiro-auth-token.json"

// DefaultAliases are sibling files that share the default account's token.
var DefaultAliases = []string{
	"kiro-auth-token-1.json",
	"kiro-auth-token-2.json",
	"kiro-auth-token-3.json",
}

var (
	ErrNoAccessToken     = errors.New("no access token available after initialization and refresh attempts")
	ErrNoRefreshToken    = errors.New("no refresh token available")
	ErrReauthRequired    = errors.New("token is expired, please refresh the SSO session")
	ErrMissingClient     = errors.New("missing clientId or clientSecret")
	ErrDeviceCodeExpired = errors.New("device code expired, restart the authorization flow")
	ErrAccessDenied      = errors.New("user denied the authorization request")
	ErrDeviceAuthTimeout = errors.New("device authorization timed out, restart the authorization flow")
)

// Credential is the persisted credential record.
type Credential struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
	Region       string `json:"region,omitempty"`
	Provider     string `json:"provider,omitempty"`
}

// IsSocial reports whether the account refreshes through the Kiro social
// endpoint. Everything else refreshes through SSO-OIDC.
func (c Credential) IsSocial() bool { return c.AuthMethod == AuthMethodSocial }

// Expiry parses ExpiresAt. An empty or unparseable value is the zero time,
// which every caller treats as expired.
func (c Credential) Expiry() time.Time {
	if c.ExpiresAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// fill copies fields that are empty in c from src.
func (c *Credential) fill(src Credential) {
	setIfEmpty(&c.AccessToken, src.AccessToken)
	setIfEmpty(&c.RefreshToken, src.RefreshToken)
	setIfEmpty(&c.ClientID, src.ClientID)
	setIfEmpty(&c.ClientSecret, src.ClientSecret)
	setIfEmpty(&c.AuthMethod, src.AuthMethod)
	setIfEmpty(&c.ExpiresAt, src.ExpiresAt)
	setIfEmpty(&c.ProfileArn, src.ProfileArn)
	setIfEmpty(&c.Region, src.Region)
	setIfEmpty(&c.Provider, src.Provider)
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// FormatExpiry renders t the way the Kiro IDE writes expiresAt.
func FormatExpiry(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// DefaultCredentialFile returns ~/.aws/sso/cache/kiro-auth-token.json.
func DefaultCredentialFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".aws", "sso", "cache", DefaultFileName)
	}
	return filepath.Join(home, ".aws", "sso", "cache", DefaultFileName)
}

// AccountID derives the cache key from a credential file path.
func AccountID(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
