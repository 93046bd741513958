package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc/types"
	"github.com/rs/zerolog/log"
)

// Grant types and defaults of the device authorization flow.
const (
	GrantRefreshToken = "refresh_token"
	GrantDeviceCode   = "urn:ietf:params:oauth:grant-type:device_code"

	ProviderBuilderID = "BuilderId"

	defaultDeviceTTL      = 300 * time.Second
	defaultDeviceInterval = 5 * time.Second
)

// ClientScopes are requested when registering a public OIDC client.
var ClientScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
}

// OIDC is the subset of the SSO-OIDC API the manager uses. *ssooidc.Client
// implements it.
type OIDC interface {
	CreateToken(ctx context.Context, params *ssooidc.CreateTokenInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error)
	RegisterClient(ctx context.Context, params *ssooidc.RegisterClientInput, optFns ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error)
	StartDeviceAuthorization(ctx context.Context, params *ssooidc.StartDeviceAuthorizationInput, optFns ...func(*ssooidc.Options)) (*ssooidc.StartDeviceAuthorizationOutput, error)
}

// NewOIDCClient builds an SSO-OIDC client for region. The token endpoints are
// unauthenticated, so no AWS credentials are loaded; retries are left to the
// callers.
func NewOIDCClient(ctx context.Context, region, endpoint string, hc *http.Client) (*ssooidc.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if hc != nil {
		opts = append(opts, awsconfig.WithHTTPClient(hc))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return ssooidc.NewFromConfig(cfg, func(o *ssooidc.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (m *Manager) oidcClient(ctx context.Context) (OIDC, error) {
	m.oidcMu.Lock()
	defer m.oidcMu.Unlock()
	if m.oidc != nil {
		return m.oidc, nil
	}
	region := m.Region()
	client, err := NewOIDCClient(ctx, region, regionURL(m.opts.OIDCEndpoint, region), m.opts.HTTPClient)
	if err != nil {
		return nil, err
	}
	m.oidc = client
	return client, nil
}

func (m *Manager) refreshIdC(ctx context.Context, snap Credential, reply *refreshReply) error {
	if snap.ClientID == "" || snap.ClientSecret == "" {
		return ErrMissingClient
	}
	client, err := m.oidcClient(ctx)
	if err != nil {
		return err
	}
	log.Debug().Str("region", snap.Region).Msg("credentials: refreshing IdC token")
	out, err := client.CreateToken(ctx, &ssooidc.CreateTokenInput{
		ClientId:     aws.String(snap.ClientID),
		ClientSecret: aws.String(snap.ClientSecret),
		GrantType:    aws.String(GrantRefreshToken),
		RefreshToken: aws.String(snap.RefreshToken),
	})
	if err != nil {
		return err
	}
	reply.AccessToken = aws.ToString(out.AccessToken)
	reply.RefreshToken = aws.ToString(out.RefreshToken)
	if out.ExpiresIn > 0 {
		secs := float64(out.ExpiresIn)
		reply.ExpiresIn = &secs
	}
	return nil
}

// =============================================================================
// DEVICE AUTHORIZATION
// =============================================================================

// ClientRegistration is a registered public OIDC client.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string
	ExpiresAt    time.Time
}

// DeviceAuthorization is what the user needs to approve a login.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               time.Duration
	Interval                time.Duration
}

// RegisterClient registers a public OIDC client and keeps its id and secret
// for the device flow.
func (m *Manager) RegisterClient(ctx context.Context, name string) (*ClientRegistration, error) {
	client, err := m.oidcClient(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.RegisterClient(ctx, &ssooidc.RegisterClientInput{
		ClientName: aws.String(name),
		ClientType: aws.String("public"),
		Scopes:     ClientScopes,
	})
	if err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	reg := &ClientRegistration{
		ClientID:     aws.ToString(out.ClientId),
		ClientSecret: aws.ToString(out.ClientSecret),
	}
	if out.ClientSecretExpiresAt > 0 {
		reg.ExpiresAt = time.Unix(out.ClientSecretExpiresAt, 0)
	}

	m.mu.Lock()
	m.cred.ClientID = reg.ClientID
	m.cred.ClientSecret = reg.ClientSecret
	m.mu.Unlock()
	log.Info().Str("client", name).Msg("credentials: registered OIDC client")
	return reg, nil
}

// StartDeviceAuthorization begins the device flow for startURL.
func (m *Manager) StartDeviceAuthorization(ctx context.Context, startURL string) (*DeviceAuthorization, error) {
	snap := m.Snapshot()
	if snap.ClientID == "" || snap.ClientSecret == "" {
		return nil, ErrMissingClient
	}
	client, err := m.oidcClient(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.StartDeviceAuthorization(ctx, &ssooidc.StartDeviceAuthorizationInput{
		ClientId:     aws.String(snap.ClientID),
		ClientSecret: aws.String(snap.ClientSecret),
		StartUrl:     aws.String(startURL),
	})
	if err != nil {
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}

	da := &DeviceAuthorization{
		DeviceCode:              aws.ToString(out.DeviceCode),
		UserCode:                aws.ToString(out.UserCode),
		VerificationURI:         aws.ToString(out.VerificationUri),
		VerificationURIComplete: aws.ToString(out.VerificationUriComplete),
		ExpiresIn:               time.Duration(out.ExpiresIn) * time.Second,
		Interval:                time.Duration(out.Interval) * time.Second,
	}
	if da.DeviceCode == "" || da.UserCode == "" || da.VerificationURI == "" {
		return nil, fmt.Errorf("device authorization failed: response missing required fields")
	}
	if da.VerificationURIComplete == "" {
		da.VerificationURIComplete = da.VerificationURI + "?user_code=" + da.UserCode
	}
	if da.ExpiresIn <= 0 {
		da.ExpiresIn = defaultDeviceTTL
	}
	if da.Interval <= 0 {
		da.Interval = defaultDeviceInterval
	}
	return da, nil
}

// PollDeviceToken polls until the user approves the login, the code expires
// or ttl/interval attempts are used up. The resulting IdC credential is
// saved to the credential file and the cache.
func (m *Manager) PollDeviceToken(ctx context.Context, deviceCode string, interval, ttl time.Duration) (*Credential, error) {
	snap := m.Snapshot()
	if snap.ClientID == "" || snap.ClientSecret == "" {
		return nil, ErrMissingClient
	}
	if interval <= 0 {
		interval = defaultDeviceInterval
	}
	if ttl <= 0 {
		ttl = defaultDeviceTTL
	}
	client, err := m.oidcClient(ctx)
	if err != nil {
		return nil, err
	}

	maxAttempts := max(int(ttl/interval), 1)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := client.CreateToken(ctx, &ssooidc.CreateTokenInput{
			ClientId:     aws.String(snap.ClientID),
			ClientSecret: aws.String(snap.ClientSecret),
			DeviceCode:   aws.String(deviceCode),
			GrantType:    aws.String(GrantDeviceCode),
		})
		if err == nil && aws.ToString(out.AccessToken) != "" {
			return m.saveDeviceToken(out), nil
		}

		wait := interval
		var (
			pending *types.AuthorizationPendingException
			slow    *types.SlowDownException
			expired *types.ExpiredTokenException
			denied  *types.AccessDeniedException
		)
		switch {
		case err == nil:
			log.Warn().Int("attempt", attempt).Msg("credentials: token response without access token")
		case errors.As(err, &pending):
			log.Debug().Int("attempt", attempt).Int("max", maxAttempts).Msg("credentials: waiting for user authorization")
		case errors.As(err, &slow):
			wait = interval + m.opts.PollSlowDown
			log.Debug().Dur("wait", wait).Msg("credentials: slowing down polling")
		case errors.As(err, &expired):
			return nil, ErrDeviceCodeExpired
		case errors.As(err, &denied):
			return nil, ErrAccessDenied
		default:
			log.Warn().Err(err).Int("attempt", attempt).Msg("credentials: device token poll failed, retrying")
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, ErrDeviceAuthTimeout
}

func (m *Manager) saveDeviceToken(out *ssooidc.CreateTokenOutput) *Credential {
	ttl := DefaultTokenTTL
	if out.ExpiresIn > 0 {
		ttl = time.Duration(out.ExpiresIn) * time.Second
	}

	m.mu.Lock()
	m.cred.AccessToken = aws.ToString(out.AccessToken)
	m.cred.RefreshToken = aws.ToString(out.RefreshToken)
	m.cred.ExpiresAt = FormatExpiry(m.opts.Now().Add(ttl))
	m.cred.AuthMethod = AuthMethodIdC
	m.cred.Provider = ProviderBuilderID
	cred := m.cred
	m.mu.Unlock()

	m.persist(m.opts.File, m.accountID, []field{
		{"accessToken", cred.AccessToken},
		{"refreshToken", cred.RefreshToken},
		{"expiresAt", cred.ExpiresAt},
		{"clientId", cred.ClientID},
		{"clientSecret", cred.ClientSecret},
		{"authMethod", cred.AuthMethod},
		{"provider", cred.Provider},
		{"region", cred.Region},
	})
	log.Info().Str("account", m.accountID).Msg("credentials: device login complete")
	return &cred
}
