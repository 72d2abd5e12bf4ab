package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthBackend is one credential-verification strategy. Verify returns the
// matched user, ErrAuthenticationFailed when the credentials are simply
// wrong, or ErrBackendUnavailable (wrapped) when the backend itself failed
// for reasons unrelated to credential validity. GrantsFresh reports whether
// a success here counts as direct proof of the password: only those logins
// may mint fresh tokens. A backend that accepts derived credentials (an
// existing token, an upstream assertion) must return false, otherwise a
// stolen token could be exchanged for a fresh one.
type AuthBackend interface {
	Name() string
	Verify(ctx context.Context, c Credentials) (*User, error)
	GrantsFresh() bool
}

// Chain tries each backend in configuration order and short-circuits on the
// first success. The list is immutable after construction; order is
// precedence. The chain never tells the caller which backend rejected.
type Chain struct {
	backends []AuthBackend
	log      *slog.Logger
}

func NewChain(log *slog.Logger, backends ...AuthBackend) *Chain {
	return &Chain{backends: backends, log: log}
}

// Authenticate runs the credentials down the chain. A backend failing for
// infrastructure reasons counts as a non-match; the failure is logged with
// the backend name but the client only ever sees ErrAuthenticationFailed.
// The returned flag is the matching backend's GrantsFresh verdict.
func (c *Chain) Authenticate(ctx context.Context, creds Credentials) (*User, bool, error) {
	for _, b := range c.backends {
		u, err := b.Verify(ctx, creds)
		if err == nil && u != nil {
			return u, b.GrantsFresh(), nil
		}
		if err != nil && !errors.Is(err, ErrAuthenticationFailed) {
			c.log.Warn("auth backend error", "backend", b.Name(), "err", err)
		}
	}
	return nil, false, ErrAuthenticationFailed
}

// LocalUsersBackend checks credentials against the local user directory.
type LocalUsersBackend struct {
	dir Directory
}

func NewLocalUsersBackend(dir Directory) *LocalUsersBackend {
	return &LocalUsersBackend{dir: dir}
}

func (b *LocalUsersBackend) Name() string      { return "local_users" }
func (b *LocalUsersBackend) GrantsFresh() bool { return true }

func (b *LocalUsersBackend) Verify(ctx context.Context, c Credentials) (*User, error) {
	u, err := b.dir.GetUser(ctx, c.Username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if u == nil || !comparePassword(u.HashedPassword, c.Password) {
		return nil, ErrAuthenticationFailed
	}
	return u, nil
}

// TokenBackend accepts an already-issued access token as the credential,
// carried in the password field. The username field, when set, must match
// the token subject. Token-verified logins are never fresh.
type TokenBackend struct {
	issuer *TokenIssuer
	dir    Directory
}

func NewTokenBackend(issuer *TokenIssuer, dir Directory) *TokenBackend {
	return &TokenBackend{issuer: issuer, dir: dir}
}

func (b *TokenBackend) Name() string { return "token" }

// A token is a derived credential, not a password, so it never proves
// freshness no matter what the token itself claims.
func (b *TokenBackend) GrantsFresh() bool { return false }

func (b *TokenBackend) Verify(ctx context.Context, c Credentials) (*User, error) {
	// Cheap shape check so non-token passwords fall through quietly.
	if strings.Count(c.Password, ".") != 2 {
		return nil, ErrAuthenticationFailed
	}
	claims, err := b.issuer.Validate(c.Password)
	if err != nil || claims.Scope != ScopeAccess {
		return nil, ErrAuthenticationFailed
	}
	if c.Username != "" && c.Username != claims.Subject {
		return nil, ErrAuthenticationFailed
	}
	u, err := b.dir.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if u == nil {
		return nil, ErrAuthenticationFailed
	}
	return u, nil
}

// DirectoryServiceBackend delegates verification to a remote directory
// service over HTTP. Transport failures are unavailability, not rejection,
// so the chain keeps going.
type DirectoryServiceBackend struct {
	baseURL string
	client  *http.Client
	dir     Directory
}

func NewDirectoryServiceBackend(baseURL string, dir Directory) *DirectoryServiceBackend {
	return &DirectoryServiceBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		dir:     dir,
	}
}

func (b *DirectoryServiceBackend) Name() string      { return "directory_service" }
func (b *DirectoryServiceBackend) GrantsFresh() bool { return true }

func (b *DirectoryServiceBackend) Verify(ctx context.Context, c Credentials) (*User, error) {
	form := url.Values{"username": {c.Username}, "password": {c.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/verify", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthenticationFailed
	default:
		return nil, fmt.Errorf("%w: directory service returned %d", ErrBackendUnavailable, resp.StatusCode)
	}

	var body struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Username == "" {
		return nil, fmt.Errorf("%w: bad directory service response", ErrBackendUnavailable)
	}

	// The remote service only vouches for the credentials; the resolved
	// identity still has to exist locally.
	u, err := b.dir.GetUser(ctx, body.Username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if u == nil {
		return nil, ErrAuthenticationFailed
	}
	return u, nil
}

// OAuthBackend verifies an identity assertion signed by an upstream OAuth
// provider (carried in the password field). Only HS256 assertions with a
// subject known to the directory are accepted.
type OAuthBackend struct {
	secret []byte
	dir    Directory
}

func NewOAuthBackend(secret []byte, dir Directory) *OAuthBackend {
	return &OAuthBackend{secret: secret, dir: dir}
}

func (b *OAuthBackend) Name() string { return "oauth" }

// An assertion vouches for an upstream login, not for the local password.
func (b *OAuthBackend) GrantsFresh() bool { return false }

func (b *OAuthBackend) Verify(ctx context.Context, c Credentials) (*User, error) {
	if len(b.secret) == 0 || strings.Count(c.Password, ".") != 2 {
		return nil, ErrAuthenticationFailed
	}
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(c.Password, claims, func(tk *jwt.Token) (interface{}, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tk.Header["alg"])
		}
		return b.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !tok.Valid || claims.Subject == "" {
		return nil, ErrAuthenticationFailed
	}
	if c.Username != "" && c.Username != claims.Subject {
		return nil, ErrAuthenticationFailed
	}
	u, err := b.dir.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if u == nil {
		return nil, ErrAuthenticationFailed
	}
	return u, nil
}
