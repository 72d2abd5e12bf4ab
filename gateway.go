package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// SessionCookieName is the cookie carrying the opaque session identifier.
const SessionCookieName = "session_id"

type contextKey int

const identityKey contextKey = 0

// Identity is the outcome of a successful gateway resolution: the user plus
// how the request authenticated. Fresh is only ever true on the bearer path,
// sessions carry no fresh flag.
type Identity struct {
	User  *User
	Via   string // "session" or "bearer"
	Fresh bool
}

// IdentityFromContext returns the identity resolved by the gateway, or nil
// on unauthenticated requests.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// Gateway is the single entry point consulted on every protected request.
// It resolves an identity from either the session cookie or a bearer token,
// cookie first; the bearer token is not consulted when a cookie is present.
type Gateway struct {
	sessions SessionStore
	issuer   *TokenIssuer
	dir      Directory
	log      *slog.Logger
}

func NewGateway(sessions SessionStore, issuer *TokenIssuer, dir Directory, log *slog.Logger) *Gateway {
	return &Gateway{sessions: sessions, issuer: issuer, dir: dir, log: log}
}

// resolve runs the per-request state machine. The returned error is one of
// the taxonomy sentinels (possibly wrapped); infrastructure failures wrap
// ErrSessionStoreUnavailable or ErrBackendUnavailable instead.
func (g *Gateway) resolve(r *http.Request) (*Identity, error) {
	ctx := r.Context()

	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		username, err := g.sessions.Resolve(ctx, cookie.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSessionStoreUnavailable, err)
		}
		if username == "" {
			return nil, ErrInvalidSession
		}
		u, err := g.dir.GetUser(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if u == nil {
			// Fail closed: a session must always map to a live user.
			return nil, ErrUserNotFound
		}
		return &Identity{User: u, Via: "session"}, nil
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, _ := strings.Cut(auth, " ")
		if !strings.EqualFold(scheme, "Bearer") {
			return nil, ErrNoCredentialsProvided
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, ErrMalformedCredentials
		}
		claims, err := g.issuer.Validate(token)
		if err != nil {
			return nil, err
		}
		if claims.Scope != ScopeAccess {
			return nil, fmt.Errorf("%w: wrong token scope", ErrInvalidToken)
		}
		u, err := g.dir.GetUser(ctx, claims.Subject)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if u == nil {
			return nil, ErrUserNotFound
		}
		return &Identity{User: u, Via: "bearer", Fresh: claims.Fresh}, nil
	}

	return nil, ErrNoCredentialsProvided
}

// Authenticate is the middleware guarding protected routes. Every rejection
// is the same generic 401 to the client; the specific reason only goes to
// the log. Infrastructure failures are a 503 instead, they are not the
// caller's fault.
func (g *Gateway) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.resolve(r)
		if err != nil {
			if errors.Is(err, ErrSessionStoreUnavailable) || errors.Is(err, ErrBackendUnavailable) {
				g.log.Error("auth infrastructure failure", "path", r.URL.Path, "err", err)
				writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
				return
			}
			g.log.Info("request rejected", "path", r.URL.Path, "reason", err)
			writeUnauthorized(w, "Not authenticated")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireFresh gates sensitive operations on credentials minted directly
// from a password login. Superusers are exempt. Must run after Authenticate.
func (g *Gateway) RequireFresh(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		if id == nil {
			writeUnauthorized(w, "Not authenticated")
			return
		}
		if !id.Fresh && !id.User.Superuser() {
			g.log.Info("request rejected", "path", r.URL.Path, "reason", ErrInsufficientFreshness)
			writeUnauthorized(w, "Fresh login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
