// Package email renders query rows into templated messages and sends them
// through SMTP or an HTTP provider. It is the production EmailExporter behind
// email-kind profiles and the delivery channel for system notifications.
package email

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider kinds.
const (
	ProviderSMTP     = "smtp"
	ProviderResend   = "resend"
	ProviderSendGrid = "sendgrid"
)

// SMTP transport security modes.
const (
	SecurityNone     = "None"
	SecurityAuto     = "Auto"
	SecurityStartTLS = "StartTls"
)

// SMTP authentication types.
const (
	AuthBasic  = "Basic"
	AuthOAuth2 = "OAuth2"
)

// Config is the email-kind destination configuration. Secret fields are
// decrypted upstream; see internal/crypto.
type Config struct {
	Provider string `json:"provider"` // smtp, resend, sendgrid

	SMTPServer   string `json:"smtp_server"`
	SMTPHost     string `json:"smtp_host"` // legacy alias for smtp_server
	SMTPPort     int    `json:"smtp_port"`
	SecurityMode string `json:"security_mode"` // None, Auto, StartTls

	FromAddress string `json:"from_address"`
	FromName    string `json:"from_name"`

	SMTPAuthType  string `json:"smtp_auth_type"` // Basic, OAuth2
	Username      string `json:"username"`
	Password      string `json:"password"`
	OAuthToken    string `json:"oauth_token"`
	OAuthUsername string `json:"oauth_username"`

	ResendAPIKey   string `json:"resend_api_key"`
	SendGridAPIKey string `json:"sendgrid_api_key"`

	TimeoutSeconds int `json:"timeout_seconds"`
}

// ParseConfig decodes a plaintext email destination configuration.
func ParseConfig(raw string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("email: config: %w", err)
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderSMTP
	}
	cfg.Provider = strings.ToLower(cfg.Provider)
	return &cfg, nil
}

// Host resolves the SMTP server from either field name.
func (c *Config) Host() string {
	if c.SMTPServer != "" {
		return c.SMTPServer
	}
	return c.SMTPHost
}

// Port resolves the SMTP port, defaulting to 587.
func (c *Config) Port() int {
	if c.SMTPPort > 0 {
		return c.SMTPPort
	}
	return 587
}

// Validate rejects configurations that cannot produce a sendable message.
func (c *Config) Validate() error {
	if c.FromAddress == "" {
		return fmt.Errorf("email: from_address is required")
	}
	switch c.Provider {
	case ProviderSMTP:
		if c.Host() == "" {
			return fmt.Errorf("email: smtp_server is required")
		}
	case ProviderResend:
		if c.ResendAPIKey == "" {
			return fmt.Errorf("email: resend_api_key is required")
		}
	case ProviderSendGrid:
		if c.SendGridAPIKey == "" {
			return fmt.Errorf("email: sendgrid_api_key is required")
		}
	default:
		return fmt.Errorf("email: unsupported provider %q", c.Provider)
	}
	return nil
}
