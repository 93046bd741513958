// Credential and upstream client configuration.
//
// DESIGN: The credential sources mirror what a Kiro IDE login leaves on
// disk; the upstream section only overrides endpoints and retry behavior.
// Zero values fall back to the defaults of the credentials and upstream
// packages.
package config

import (
	"fmt"
	"time"
)

// CredentialsConfig locates the account credential.
type CredentialsConfig struct {
	File             string        `yaml:"file"`               // Credential JSON, empty = ~/.aws/sso/cache/kiro-auth-token.json
	Base64           string        `yaml:"base64"`             // Inline base64 credential JSON, wins over the file
	Region           string        `yaml:"region"`             // Fallback when the credential has none
	Aliases          []string      `yaml:"aliases"`            // Sibling files kept in sync after a refresh
	RefreshCooldown  time.Duration `yaml:"refresh_cooldown"`   // Minimum gap between refresh attempts per token
	SocialRefreshURL string        `yaml:"social_refresh_url"` // {region} template
	OIDCEndpoint     string        `yaml:"oidc_endpoint"`      // {region} template
	StartURL         string        `yaml:"start_url"`          // Device login start URL
}

// Validate checks the credential settings.
func (c *CredentialsConfig) Validate() error {
	if c.RefreshCooldown < 0 {
		return fmt.Errorf("credentials.refresh_cooldown must not be negative")
	}
	return nil
}

// UpstreamConfig tunes the CodeWhisperer client.
type UpstreamConfig struct {
	GenerateURL    string `yaml:"generate_url"`
	AmazonQURL     string `yaml:"amazonq_url"`
	UsageLimitsURL string `yaml:"usage_limits_url"`

	MaxRetries  int           `yaml:"max_retries"`  // For 429 and 5xx (default: 3)
	BaseDelay   time.Duration `yaml:"base_delay"`   // Backoff base (default: 1s)
	Timeout     time.Duration `yaml:"timeout"`      // Response header timeout (default: 120s)
	KiroVersion string        `yaml:"kiro_version"` // Reported client version

	DefaultModel      string `yaml:"default_model"`       // Public id used for unknown models
	MaxRequestBytes   int    `yaml:"max_request_bytes"`   // Serialized request ceiling, <0 = unlimited
	ThinkingByDefault bool   `yaml:"thinking_by_default"` // Inject the thinking template on every request
}

// Validate checks the upstream settings.
func (c *UpstreamConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries must not be negative")
	}
	if c.BaseDelay < 0 || c.Timeout < 0 {
		return fmt.Errorf("upstream.base_delay and upstream.timeout must not be negative")
	}
	return nil
}
