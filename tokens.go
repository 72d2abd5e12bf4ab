package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer mints and verifies the self-contained signed tokens. It holds
// only read-only configuration, so a single instance is shared by all
// requests. Validation is pure computation, no I/O.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	resetTTL   time.Duration
	now        func() time.Time
}

func NewTokenIssuer(secret []byte, accessTTL, refreshTTL, resetTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		resetTTL:   resetTTL,
		now:        time.Now,
	}
}

func (t *TokenIssuer) sign(username, scope string, fresh bool, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(t.now()),
			ExpiresAt: jwt.NewNumericDate(t.now().Add(ttl)),
		},
		Fresh: fresh,
		Scope: scope,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Issue mints an access/refresh token pair for the user. fresh is true only
// when the pair comes straight out of a password login. The refresh token is
// never fresh, so it cannot satisfy freshness checks on its own.
func (t *TokenIssuer) Issue(username string, fresh bool) (access, refresh string, err error) {
	if access, err = t.sign(username, ScopeAccess, fresh, t.accessTTL); err != nil {
		return "", "", err
	}
	if refresh, err = t.sign(username, ScopeRefresh, false, t.refreshTTL); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// IssuePasswordReset mints a short-lived token that is only good for the
// password reset endpoint. It is delivered out of band by email.
func (t *TokenIssuer) IssuePasswordReset(username string) (string, error) {
	return t.sign(username, ScopePwdReset, false, t.resetTTL)
}

// Validate verifies the signature and expiry and returns the claims. Any
// failure, signature or expiry alike, comes back wrapped in ErrInvalidToken;
// the wrapped cause is for logs only and must never reach the client.
func (t *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(tk *jwt.Token) (interface{}, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tk.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Refresh exchanges a valid refresh token for a new access token. The new
// token is never fresh.
func (t *TokenIssuer) Refresh(refreshToken string) (string, error) {
	claims, err := t.Validate(refreshToken)
	if err != nil {
		return "", err
	}
	if claims.Scope != ScopeRefresh {
		return "", fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}
	return t.sign(claims.Subject, ScopeAccess, false, t.accessTTL)
}
