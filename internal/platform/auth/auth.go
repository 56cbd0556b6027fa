// Package auth authenticates run API callers, either from headers set by a
// trusted gateway or from OIDC bearer tokens, and enforces a small role
// hierarchy.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/cloudpipe/internal/platform/env"
)

type Mode string

const (
	ModeGateway  Mode = "gateway"
	ModeOIDC     Mode = "oidc"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode    Mode
	Secret  string
	MaxSkew time.Duration

	OIDCIssuerURL  string
	OIDCAudience   string
	OIDCRolesClaim string
	// OIDCDefaultRole is granted to verified tokens that carry no roles.
	OIDCDefaultRole string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("PIPELINE_AUTH_MODE", string(ModeDisabled))))
	if modeRaw == "" {
		modeRaw = string(ModeDisabled)
	}
	maxSkew, err := env.Duration("PIPELINE_AUTH_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:    Mode(modeRaw),
		Secret:  env.String("PIPELINE_AUTH_SECRET", ""),
		MaxSkew: maxSkew,

		OIDCIssuerURL:   strings.TrimSpace(env.String("PIPELINE_OIDC_ISSUER_URL", "")),
		OIDCAudience:    strings.TrimSpace(env.String("PIPELINE_OIDC_AUDIENCE", "")),
		OIDCRolesClaim:  strings.TrimSpace(env.String("PIPELINE_OIDC_ROLES_CLAIM", "roles")),
		OIDCDefaultRole: strings.ToLower(strings.TrimSpace(env.String("PIPELINE_OIDC_DEFAULT_ROLE", ""))),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeGateway:
		if strings.TrimSpace(c.Secret) == "" {
			return errors.New("PIPELINE_AUTH_SECRET is required when PIPELINE_AUTH_MODE=gateway")
		}
		if c.MaxSkew <= 0 {
			return errors.New("PIPELINE_AUTH_MAX_SKEW must be positive")
		}
	case ModeOIDC:
		if c.OIDCIssuerURL == "" {
			return errors.New("PIPELINE_OIDC_ISSUER_URL is required when PIPELINE_AUTH_MODE=oidc")
		}
		if c.OIDCAudience == "" {
			return errors.New("PIPELINE_OIDC_AUDIENCE is required when PIPELINE_AUTH_MODE=oidc")
		}
		if c.OIDCDefaultRole != "" && roleLevels[c.OIDCDefaultRole] == 0 {
			return fmt.Errorf("PIPELINE_OIDC_DEFAULT_ROLE %q is not a known role", c.OIDCDefaultRole)
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("PIPELINE_AUTH_MODE must be one of: gateway, oidc, disabled (got %q)", c.Mode)
	}
	return nil
}

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Roles   []string
}

// Anonymous is the identity used when authentication is disabled.
var Anonymous = Identity{Subject: "anonymous", Roles: []string{RoleAdmin}}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
