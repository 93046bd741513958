package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/kiro-gateway/external"
	"github.com/compresr/kiro-gateway/internal/store"
)

// Endpoint templates; {region} is replaced with the account region.
const (
	SocialRefreshURL = "https://prod.{region}.auth.desktop.kiro.dev/refreshToken"
	OIDCEndpoint     = "https://oidc.{region}.amazonaws.com"
)

// Options configures a Manager.
type Options struct {
	File    string // credential file; DefaultCredentialFile() when empty
	Base64  string // inline base64 JSON credential, highest priority
	Region  string // fallback when the credential carries none
	Aliases []string

	Cache      store.Store      // fast cache keyed by account id; may be nil
	Registry   *RefreshRegistry // shared per process; a private one when nil
	HTTPClient *http.Client
	OIDC       OIDC // built from the region when nil

	SocialRefreshURL string
	OIDCEndpoint     string
	UserAgent        string
	PollSlowDown     time.Duration // extra wait on slow_down, default 5s

	Now func() time.Time
}

// Manager owns the credential of one upstream account.
type Manager struct {
	opts      Options
	accountID string

	mu   sync.RWMutex
	cred Credential

	oidcMu sync.Mutex
	oidc   OIDC
}

// NewManager creates a manager. Call Initialize before use.
func NewManager(opts Options) *Manager {
	if opts.File == "" {
		opts.File = DefaultCredentialFile()
	}
	if opts.Aliases == nil {
		opts.Aliases = DefaultAliases
	}
	if opts.Registry == nil {
		opts.Registry = NewRefreshRegistry(0)
	}
	if opts.SocialRefreshURL == "" {
		opts.SocialRefreshURL = SocialRefreshURL
	}
	if opts.OIDCEndpoint == "" {
		opts.OIDCEndpoint = OIDCEndpoint
	}
	if opts.PollSlowDown <= 0 {
		opts.PollSlowDown = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{opts: opts, accountID: AccountID(opts.File), oidc: opts.OIDC}
}

// AccountID returns the cache key of this account.
func (m *Manager) AccountID() string { return m.accountID }

// Snapshot returns a copy of the current credential.
func (m *Manager) Snapshot() Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred
}

// AccessToken returns the current access token.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.AccessToken
}

// Region returns the account region.
func (m *Manager) Region() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.Region
}

// ProfileArn returns the profile ARN for social accounts and "" otherwise.
func (m *Manager) ProfileArn() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.cred.IsSocial() {
		return ""
	}
	return m.cred.ProfileArn
}

// Initialize loads the credential from, in priority order, the inline base64
// blob, the credential file and the fast cache; earlier sources win field by
// field. Without an access token but with a refresh token it refreshes.
// skipCheck loads whatever is available and returns without refreshing or
// requiring a token (used by the login flow).
func (m *Manager) Initialize(ctx context.Context, skipCheck bool) error {
	var cred Credential

	if m.opts.Base64 != "" {
		c, err := decodeBase64(m.opts.Base64)
		if err != nil {
			return fmt.Errorf("base64 credentials: %w", err)
		}
		cred.fill(c)
		log.Info().Msg("credentials: loaded inline base64 credentials")
	}

	fromFile, err := readCredentialFile(m.opts.File)
	switch {
	case err == nil:
		cred.fill(fromFile)
		log.Info().Str("file", m.opts.File).Msg("credentials: loaded credential file")
	case os.IsNotExist(err):
		log.Debug().Str("file", m.opts.File).Msg("credentials: credential file not found")
	default:
		log.Warn().Err(err).Str("file", m.opts.File).Msg("credentials: failed to read credential file")
	}

	if cached, ok := m.cached(); ok {
		cred.fill(cached)
	} else if cred.AccessToken != "" {
		m.cache(m.accountID, cred)
	}

	if cred.Region == "" {
		cred.Region = m.opts.Region
	}
	if cred.Region == "" {
		cred.Region = DefaultRegion
	}

	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()

	if skipCheck {
		return nil
	}
	if cred.AccessToken == "" && cred.RefreshToken != "" {
		if err := m.refresh(ctx, true); err != nil {
			return fmt.Errorf("initial refresh: %w", err)
		}
	}
	if m.AccessToken() == "" {
		return ErrNoAccessToken
	}
	return nil
}

// EnsureFresh refreshes the access token when it expires within
// ExpiryWindow.
func (m *Manager) EnsureFresh(ctx context.Context) error {
	return m.refresh(ctx, false)
}

// ForceRefresh refreshes regardless of the expiry window. Used after the
// upstream rejects a token.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	return m.refresh(ctx, true)
}

// IsExpiryDateNear reports whether the token expires within the given
// duration (DefaultNearWarn when non-positive).
func (m *Manager) IsExpiryDateNear(within time.Duration) bool {
	if within <= 0 {
		within = DefaultNearWarn
	}
	return !m.Snapshot().Expiry().After(m.opts.Now().Add(within))
}

func (m *Manager) refresh(ctx context.Context, force bool) error {
	snap := m.Snapshot()
	now := m.opts.Now()
	expiry := snap.Expiry()
	if !force && expiry.Sub(now) > ExpiryWindow {
		return nil
	}
	if snap.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	expired := !now.Before(expiry)
	cred, err := m.opts.Registry.Refresh(ctx, snap.RefreshToken, expired, func(ctx context.Context) (*Credential, error) {
		return m.doRefresh(ctx, snap)
	})
	if err != nil {
		return err
	}
	if cred != nil {
		m.adopt(*cred)
	}
	return nil
}

// adopt takes the token fields of a refreshed credential.
func (m *Manager) adopt(c Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred.AccessToken = c.AccessToken
	m.cred.ExpiresAt = c.ExpiresAt
	if c.RefreshToken != "" {
		m.cred.RefreshToken = c.RefreshToken
	}
	if c.ProfileArn != "" {
		m.cred.ProfileArn = c.ProfileArn
	}
}

// refreshReply is the token endpoint reply. Exactly one of ExpiresIn and
// ExpiresAt is usually present.
type refreshReply struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ProfileArn   string   `json:"profileArn"`
	ExpiresIn    *float64 `json:"expiresIn"`
	ExpiresAt    string   `json:"expiresAt"`
}

func (m *Manager) doRefresh(ctx context.Context, snap Credential) (*Credential, error) {
	now := m.opts.Now()

	if cached, ok := m.cached(); ok && cached.AccessToken != "" &&
		cached.Expiry().After(snap.Expiry()) && cached.Expiry().Sub(now) > ExpiryWindow {
		log.Info().Str("account", m.accountID).Msg("credentials: adopted credential refreshed by another process")
		return &cached, nil
	}

	var reply refreshReply
	var err error
	if snap.IsSocial() {
		err = m.refreshSocial(ctx, snap, &reply)
	} else {
		err = m.refreshIdC(ctx, snap, &reply)
	}
	if err != nil {
		log.Error().Err(err).Str("account", m.accountID).Msg("credentials: token refresh failed")
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	if reply.AccessToken == "" {
		return nil, fmt.Errorf("token refresh failed: invalid refresh response: missing accessToken")
	}

	next := Credential{
		AccessToken:  reply.AccessToken,
		RefreshToken: reply.RefreshToken,
		ProfileArn:   reply.ProfileArn,
	}
	setIfEmpty(&next.RefreshToken, snap.RefreshToken)
	setIfEmpty(&next.ProfileArn, snap.ProfileArn)
	switch {
	case reply.ExpiresIn != nil:
		next.ExpiresAt = FormatExpiry(now.Add(time.Duration(*reply.ExpiresIn * float64(time.Second))))
	case reply.ExpiresAt != "":
		next.ExpiresAt = reply.ExpiresAt
	default:
		log.Warn().Msg("credentials: no expiresIn or expiresAt in refresh response, using 1 hour")
		next.ExpiresAt = FormatExpiry(now.Add(DefaultTokenTTL))
	}

	m.adopt(next)
	log.Info().Str("account", m.accountID).Str("expires_at", next.ExpiresAt).Msg("credentials: access token refreshed")

	m.persistRefresh(next)
	return &next, nil
}

func (m *Manager) refreshSocial(ctx context.Context, snap Credential, reply *refreshReply) error {
	url := regionURL(m.opts.SocialRefreshURL, snap.Region)
	headers := map[string]string{}
	if m.opts.UserAgent != "" {
		headers["User-Agent"] = m.opts.UserAgent
	}
	log.Debug().Str("url", url).Msg("credentials: refreshing social token")
	return external.PostJSON(ctx, m.opts.HTTPClient, url, headers,
		map[string]string{"refreshToken": snap.RefreshToken}, reply)
}

func regionURL(template, region string) string {
	if region == "" {
		region = DefaultRegion
	}
	return strings.ReplaceAll(template, "{region}", region)
}

func decodeBase64(s string) (Credential, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Credential{}, err
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credential{}, err
	}
	return c, nil
}
