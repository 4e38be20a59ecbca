package auth

import (
	"fmt"
	"os"
	"strings"
)

// Config controls bearer token checks on the control API's mutating
// routes. With neither JWKSURL nor Secret set, auth is disabled.
type Config struct {
	JWKSURL  string // Signing keys for RS256/ES256 tokens
	Secret   string // Shared secret for HS256 tokens
	Issuer   string // Required iss claim, empty to skip
	Audience string // Required aud entry, empty to skip
}

// NewConfigFromEnv creates auth config from environment variables
func NewConfigFromEnv() *Config {
	return &Config{
		JWKSURL:  strings.TrimSpace(os.Getenv("CONTROL_JWKS_URL")),
		Secret:   os.Getenv("CONTROL_JWT_SECRET"),
		Issuer:   strings.TrimSpace(os.Getenv("CONTROL_JWT_ISSUER")),
		Audience: strings.TrimSpace(os.Getenv("CONTROL_JWT_AUDIENCE")),
	}
}

// Enabled reports whether tokens are checked at all
func (c *Config) Enabled() bool {
	return c.JWKSURL != "" || c.Secret != ""
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if c.JWKSURL != "" && c.Secret != "" {
		return fmt.Errorf("set only one of CONTROL_JWKS_URL and CONTROL_JWT_SECRET")
	}
	if c.Secret != "" && len(c.Secret) < 32 {
		return fmt.Errorf("CONTROL_JWT_SECRET must be at least 32 bytes")
	}
	return nil
}
