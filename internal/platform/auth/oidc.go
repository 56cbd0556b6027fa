package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

var ErrInvalidToken = errors.New("invalid bearer token")

// OIDCAuthenticator verifies bearer ID tokens, such as scheduler service
// account tokens, against an issuer and audience.
type OIDCAuthenticator struct {
	verifier    *oidc.IDTokenVerifier
	rolesClaim  string
	defaultRole string
}

// NewOIDCAuthenticator discovers the issuer's signing keys. ctx must outlive
// the authenticator.
func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	ctx = oidc.ClientContext(ctx, &http.Client{Timeout: 10 * time.Second})
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return NewOIDCAuthenticatorWithVerifier(provider.Verifier(&oidc.Config{ClientID: cfg.OIDCAudience}), cfg), nil
}

func NewOIDCAuthenticatorWithVerifier(verifier *oidc.IDTokenVerifier, cfg Config) *OIDCAuthenticator {
	claim := strings.TrimSpace(cfg.OIDCRolesClaim)
	if claim == "" {
		claim = "roles"
	}
	return &OIDCAuthenticator{
		verifier:    verifier,
		rolesClaim:  claim,
		defaultRole: strings.ToLower(strings.TrimSpace(cfg.OIDCDefaultRole)),
	}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := tokenFromHeader(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	idToken, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	roles := extractRolesClaim(claims, a.rolesClaim)
	if len(roles) == 0 && a.defaultRole != "" {
		roles = []string{a.defaultRole}
	}
	return Identity{Subject: idToken.Subject, Roles: roles}, nil
}

func tokenFromHeader(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// extractRolesClaim accepts a string array or a comma separated string.
func extractRolesClaim(claims map[string]any, key string) []string {
	switch typed := claims[key].(type) {
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return parseCSV(strings.Join(parts, ","))
	case string:
		return parseCSV(typed)
	default:
		return nil
	}
}
