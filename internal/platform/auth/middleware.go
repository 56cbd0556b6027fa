package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/animus-labs/cloudpipe/internal/platform/requestid"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// DenyEvent describes a rejected request.
type DenyEvent struct {
	Time       time.Time
	Method     string
	Path       string
	Status     int
	Reason     string
	Error      string
	Subject    string
	Roles      []string
	RequestID  string
	RemoteAddr string
	UserAgent  string
}

// Options configures Middleware. OnDeny may be nil.
type Options struct {
	Logger *slog.Logger
	// Public paths skip authentication entirely.
	Public []string
	OnDeny func(ctx context.Context, event DenyEvent)
}

// Middleware authenticates every request except Public paths, enforces
// RequiredRoleForRequest and stores the identity in the request context. A nil
// authenticator admits everyone as Anonymous.
func Middleware(authn Authenticator, opts Options, next http.Handler) http.Handler {
	public := make(map[string]struct{}, len(opts.Public))
	for _, p := range opts.Public {
		public[p] = struct{}{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := public[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		if authn == nil {
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Anonymous)))
			return
		}

		deny := func(status int, reason string, id Identity, err error) {
			rid, _ := requestid.FromContext(r.Context())
			event := DenyEvent{
				Time:       time.Now().UTC(),
				Method:     r.Method,
				Path:       r.URL.Path,
				Status:     status,
				Reason:     reason,
				Subject:    id.Subject,
				Roles:      id.Roles,
				RequestID:  rid,
				RemoteAddr: r.RemoteAddr,
				UserAgent:  r.UserAgent(),
			}
			if err != nil {
				event.Error = err.Error()
			}
			logger.Warn("request denied", "method", r.Method, "path", r.URL.Path, "reason", reason, "subject", id.Subject)
			if opts.OnDeny != nil {
				opts.OnDeny(r.Context(), event)
			}
			http.Error(w, http.StatusText(status), status)
		}

		id, err := authn.Authenticate(r.Context(), r)
		if err != nil {
			reason := "unauthenticated"
			switch {
			case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrStaleSignature):
				reason = "invalid_signature"
			case errors.Is(err, ErrInvalidToken):
				reason = "invalid_token"
			}
			deny(http.StatusUnauthorized, reason, Identity{}, err)
			return
		}
		if !HasAtLeast(id.Roles, RequiredRoleForRequest(r)) {
			deny(http.StatusForbidden, "forbidden", id, ErrForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
