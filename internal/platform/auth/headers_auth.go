package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/cloudpipe/internal/platform/requestid"
)

const (
	HeaderSubject       = "X-Pipeline-Subject"
	HeaderRoles         = "X-Pipeline-Roles"
	HeaderAuthTimestamp = "X-Pipeline-Auth-Timestamp"
	HeaderAuthSignature = "X-Pipeline-Auth-Signature"
)

var (
	ErrStaleSignature   = errors.New("auth timestamp outside allowed skew")
	ErrInvalidSignature = errors.New("invalid auth signature")
)

// GatewayHeadersAuthenticator trusts identity headers only when they carry a
// valid HMAC from the gateway.
type GatewayHeadersAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
	now     func() time.Time
}

func NewGatewayHeadersAuthenticator(secret string, maxSkew time.Duration) (*GatewayHeadersAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("PIPELINE_AUTH_SECRET is required")
	}
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &GatewayHeadersAuthenticator{Secret: secret, MaxSkew: maxSkew, now: time.Now}, nil
}

func (a *GatewayHeadersAuthenticator) Authenticate(_ context.Context, r *http.Request) (Identity, error) {
	subject := strings.TrimSpace(r.Header.Get(HeaderSubject))
	if subject == "" {
		return Identity{}, ErrUnauthenticated
	}
	rolesRaw := strings.TrimSpace(r.Header.Get(HeaderRoles))
	ts := strings.TrimSpace(r.Header.Get(HeaderAuthTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderAuthSignature))
	if ts == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}

	if err := verifyTimestamp(ts, a.now().UTC(), a.MaxSkew); err != nil {
		return Identity{}, err
	}
	want := Sign(a.Secret, ts, r.Method, r.URL.Path, r.Header.Get(requestid.Header), subject, rolesRaw)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return Identity{}, ErrInvalidSignature
	}
	return Identity{Subject: subject, Roles: parseCSV(rolesRaw)}, nil
}

// Sign computes the hex HMAC-SHA256 the gateway sends in HeaderAuthSignature.
func Sign(secret, timestamp, method, path, requestID, subject, roles string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, part := range []string{timestamp, method, path, requestID, subject, roles} {
		mac.Write([]byte(part))
		mac.Write([]byte{'\n'})
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyTimestamp(raw string, now time.Time, maxSkew time.Duration) error {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrUnauthenticated, raw)
	}
	skew := now.Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return ErrStaleSignature
	}
	return nil
}
