package main

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User represents a user record in the directory.
type User struct {
	Username       string
	Email          string
	HashedPassword string
	Name           string
	Dept           string
	Currency       string
	Avatar         string
	Bio            string
	CreatedAt      time.Time
}

// Superuser reports whether the user has administrative privileges.
// Users belonging to the management dept are admins.
func (u *User) Superuser() bool {
	return u.Dept == "management"
}

// Session is a server-side authentication record tracked by the session
// store. The id is the only client-visible key; expiry is fixed at creation
// and never renewed.
type Session struct {
	ID        string
	Username  string
	ExpiresAt time.Time
}

// Token scopes.
const (
	ScopeAccess   = "access_token"
	ScopeRefresh  = "refresh_token"
	ScopePwdReset = "pwd_reset"
)

// Claims is the payload carried by every signed token. Subject holds the
// username. Fresh marks tokens minted directly from a password login;
// refreshed tokens never carry it.
type Claims struct {
	jwt.RegisteredClaims
	Fresh bool   `json:"fresh"`
	Scope string `json:"scope"`
}

// Credentials is the input to the auth backend chain. For the token backend
// the Password field carries the presented token.
type Credentials struct {
	Username string
	Password string
}

// UserRequest is the payload for creating a user. Username defaults to a
// slug of the name when omitted.
type UserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Dept     string `json:"dept"`
	Password string `json:"password"`
	Currency string `json:"currency"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Bio      string `json:"bio"`
}

func generateUsername(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, " ", "-")
	return strings.ReplaceAll(s, "_", "-")
}

// UserResponse is the client-facing projection of a User. The password hash
// never leaves the service.
type UserResponse struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Dept     string `json:"dept"`
	Currency string `json:"currency"`
	Avatar   string `json:"avatar,omitempty"`
	Bio      string `json:"bio,omitempty"`
}

func toUserResponse(u *User) UserResponse {
	return UserResponse{
		Username: u.Username,
		Name:     u.Name,
		Email:    u.Email,
		Dept:     u.Dept,
		Currency: u.Currency,
		Avatar:   u.Avatar,
		Bio:      u.Bio,
	}
}
