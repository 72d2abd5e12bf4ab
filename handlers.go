package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// HandleLogin authenticates form credentials through the backend chain and,
// on success, starts a cookie session.
// POST /login
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	creds := Credentials{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	if creds.Username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Username and password are required")
		return
	}

	user, _, err := a.chain.Authenticate(r.Context(), creds)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Incorrect username or password")
		return
	}

	sessionID, err := a.sessions.Create(r.Context(), user.Username)
	if err != nil {
		a.log.Error("session create failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged in"})
}

// HandleLogout revokes the session server-side and clears the cookie. It is
// idempotent: a missing or already-revoked session is still a logout.
// POST /logout
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if err := a.sessions.Revoke(r.Context(), cookie.Value); err != nil {
			a.log.Error("session revoke failed", "err", err)
		}
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   a.cookieSecure,
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// HandleToken is the OAuth2-style password grant: exchanges form credentials
// for an access token plus a refresh token. The access token is fresh only
// when a password-proving backend accepted the credentials; a login that
// rode in on an existing token or assertion gets a non-fresh one.
// POST /token
func (a *App) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	creds := Credentials{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	if creds.Username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Username and password are required")
		return
	}

	user, fresh, err := a.chain.Authenticate(r.Context(), creds)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Incorrect username or password")
		return
	}

	access, refresh, err := a.issuer.Issue(user.Username, fresh)
	if err != nil {
		a.log.Error("token issue failed", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
	})
}

// HandleRefreshToken exchanges a refresh token for a new access token. The
// new token is never fresh.
// POST /refresh_token
func (a *App) HandleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Refresh token is required")
		return
	}
	access, err := a.issuer.Refresh(in.RefreshToken)
	if err != nil {
		a.log.Info("refresh rejected", "reason", err)
		writeUnauthorized(w, "Not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": access,
		"token_type":   "bearer",
	})
}

// HandleWhoami returns the profile of the resolved identity.
// GET /whoami (protected)
func (a *App) HandleWhoami(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, toUserResponse(id.User))
}

// HandleListUsers lists all directory users.
// GET /user/ (protected)
func (a *App) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.dir.ListUsers(r.Context())
	if err != nil {
		a.log.Error("list users failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
		return
	}
	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCreateUser adds a user to the directory. Only superusers may create
// accounts; the username defaults to a slug of the name.
// POST /user/ (protected)
func (a *App) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if !id.User.Superuser() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Superuser privileges required")
		return
	}

	var in UserRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if in.Name == "" || in.Email == "" || in.Dept == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Name, email, dept and password are required")
		return
	}
	if in.Username == "" {
		in.Username = generateUsername(in.Name)
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}

	hashed, err := hashPassword(in.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process password")
		return
	}
	user := &User{
		Username:       in.Username,
		Email:          in.Email,
		HashedPassword: hashed,
		Name:           in.Name,
		Dept:           in.Dept,
		Currency:       in.Currency,
		Avatar:         in.Avatar,
		Bio:            in.Bio,
	}
	if err := a.dir.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, ErrUserExists) {
			writeError(w, http.StatusConflict, "CONFLICT", "Username already taken")
			return
		}
		a.log.Error("create user failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// HandleGetUser looks up one user by username.
// GET /user/{username}/ (protected)
func (a *App) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	u, err := a.dir.GetUser(r.Context(), username)
	if err != nil {
		a.log.Error("get user failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// HandleChangePassword sets a new password for a user. Two ways in: a
// pwd_reset_token delivered by email, or an authenticated identity that is
// the user themselves with fresh credentials (superusers are exempt from
// freshness and may change anyone's password).
// POST /user/{username}/password/
func (a *App) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	password := r.PostFormValue("password")
	confirm := r.PostFormValue("password_confirm")
	if password == "" || password != confirm {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Passwords do not match")
		return
	}

	if !a.canChangePassword(r, username) {
		writeUnauthorized(w, "Not authenticated")
		return
	}

	hashed, err := hashPassword(password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process password")
		return
	}
	if err := a.dir.SetPassword(r.Context(), username, hashed); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
			return
		}
		a.log.Error("set password failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

func (a *App) canChangePassword(r *http.Request, username string) bool {
	if token := r.FormValue("pwd_reset_token"); token != "" {
		claims, err := a.issuer.Validate(token)
		if err != nil {
			a.log.Info("password change rejected", "reason", err)
			return false
		}
		return claims.Scope == ScopePwdReset && claims.Subject == username
	}

	id, err := a.gateway.resolve(r)
	if err != nil {
		a.log.Info("password change rejected", "reason", err)
		return false
	}
	if id.User.Superuser() {
		return true
	}
	if id.User.Username != username {
		return false
	}
	if !id.Fresh {
		a.log.Info("password change rejected", "reason", ErrInsufficientFreshness)
		return false
	}
	return true
}

// HandlePwdResetRequest kicks off the reset-email task. The response never
// reveals whether the email exists.
// POST /user/pwd_reset_token/
func (a *App) HandlePwdResetRequest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	email := r.PostFormValue("email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Email is required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.resetTask.Run(ctx, email)
	}()

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "if the email exists, a reset message is on its way",
	})
}

