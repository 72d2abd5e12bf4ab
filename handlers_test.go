package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := NewMemDirectory()
	sessions := NewMemSessionStore(time.Hour)
	issuer := newTestIssuer()
	log := discardLogger()
	return &App{
		dir:      dir,
		sessions: sessions,
		issuer:   issuer,
		chain:    NewChain(log, NewLocalUsersBackend(dir), NewTokenBackend(issuer, dir)),
		gateway:  NewGateway(sessions, issuer, dir, log),
		resetTask: NewPasswordResetTask(dir, issuer,
			&DebugSender{Path: filepath.Join(t.TempDir(), "email.log")},
			"no-reply@dm.com", "http://localhost/reset", 10*time.Minute, log),
		rateLimiter: NewRateLimiter(600),
		log:         log,
	}
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestLoginLogoutEndToEnd(t *testing.T) {
	app := newTestApp(t)
	seedUser(t, app.dir.(*MemDirectory), "michael", "worldsbestboss", "management")
	router := app.Router()

	// Wrong password: generic message, no cookie.
	rec := postForm(t, router, "/login", url.Values{
		"username": {"michael"}, "password": {"wrong"},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "Incorrect username or password")
	require.Empty(t, rec.Result().Cookies())

	// Correct credentials: cookie session starts.
	rec = postForm(t, router, "/login", url.Values{
		"username": {"michael"}, "password": {"worldsbestboss"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "logged in")
	cookie := sessionCookie(t, rec)
	require.True(t, cookie.HttpOnly)

	// Protected request with that cookie resolves.
	req := httptest.NewRequest("GET", "/whoami", nil)
	req.AddCookie(cookie)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)
	var profile UserResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &profile))
	require.Equal(t, "michael", profile.Username)

	// Logout is idempotent and kills the session server-side.
	for i := 0; i < 2; i++ {
		rec3 := postForm(t, router, "/logout", nil, func(r *http.Request) { r.AddCookie(cookie) })
		require.Equal(t, http.StatusOK, rec3.Code)
		require.Contains(t, rec3.Body.String(), "logged out")
	}

	req = httptest.NewRequest("GET", "/whoami", nil)
	req.AddCookie(cookie)
	rec4 := httptest.NewRecorder()
	router.ServeHTTP(rec4, req)
	require.Equal(t, http.StatusUnauthorized, rec4.Code)
}

func TestTokenFlowEndToEnd(t *testing.T) {
	app := newTestApp(t)
	seedUser(t, app.dir.(*MemDirectory), "pam", "art", "reception")
	router := app.Router()

	rec := postForm(t, router, "/token", url.Values{
		"username": {"pam"}, "password": {"art"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	require.Equal(t, "bearer", tokens.TokenType)

	whoami := func(token string) int {
		req := httptest.NewRequest("GET", "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, whoami(tokens.AccessToken))

	// Simulated clock jump past the access TTL: same token now rejected.
	app.issuer.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	require.Equal(t, http.StatusUnauthorized, whoami(tokens.AccessToken))

	// The refresh token is still good and mints a working access token.
	body := strings.NewReader(`{"refresh_token":"` + tokens.RefreshToken + `"}`)
	req := httptest.NewRequest("POST", "/refresh_token", body)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)
	var refreshed struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &refreshed))
	require.Equal(t, http.StatusOK, whoami(refreshed.AccessToken))
}

func TestChangePassword(t *testing.T) {
	app := newTestApp(t)
	seedUser(t, app.dir.(*MemDirectory), "jim", "bears", "sales")
	router := app.Router()

	form := url.Values{"password": {"tuna"}, "password_confirm": {"tuna"}}

	// No credentials at all.
	rec := postForm(t, router, "/user/jim/password/", form)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// A refreshed (non-fresh) token is not enough.
	_, refresh, err := app.issuer.Issue("jim", true)
	require.NoError(t, err)
	stale, err := app.issuer.Refresh(refresh)
	require.NoError(t, err)
	rec = postForm(t, router, "/user/jim/password/", form, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+stale)
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Fresh token, but for somebody else's account.
	fresh, _, err := app.issuer.Issue("jim", true)
	require.NoError(t, err)
	rec = postForm(t, router, "/user/dwight/password/", form, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+fresh)
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Fresh self-service change works and the new password logs in.
	rec = postForm(t, router, "/user/jim/password/", form, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+fresh)
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postForm(t, router, "/login", url.Values{
		"username": {"jim"}, "password": {"tuna"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenEndpointDoesNotUpgradeFreshness(t *testing.T) {
	// Presenting an already-issued token as the password authenticates via
	// the token backend, but the exchange must not mint a fresh token: a
	// stolen refresh token would otherwise buy its way past the freshness
	// gate.
	app := newTestApp(t)
	seedUser(t, app.dir.(*MemDirectory), "jim", "bears", "sales")
	router := app.Router()

	_, refresh, err := app.issuer.Issue("jim", true)
	require.NoError(t, err)
	stale, err := app.issuer.Refresh(refresh)
	require.NoError(t, err)

	rec := postForm(t, router, "/token", url.Values{
		"username": {"jim"}, "password": {stale},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))

	claims, err := app.issuer.Validate(tokens.AccessToken)
	require.NoError(t, err)
	require.False(t, claims.Fresh)

	form := url.Values{"password": {"tuna"}, "password_confirm": {"tuna"}}
	rec = postForm(t, router, "/user/jim/password/", form, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// The real password still buys a fresh token through the same endpoint.
	rec = postForm(t, router, "/token", url.Values{
		"username": {"jim"}, "password": {"bears"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	claims, err = app.issuer.Validate(tokens.AccessToken)
	require.NoError(t, err)
	require.True(t, claims.Fresh)
}

func TestChangePasswordWithResetToken(t *testing.T) {
	app := newTestApp(t)
	seedUser(t, app.dir.(*MemDirectory), "pam", "art", "reception")
	router := app.Router()

	token, err := app.issuer.IssuePasswordReset("pam")
	require.NoError(t, err)

	rec := postForm(t, router, "/user/pam/password/", url.Values{
		"password":         {"newpass"},
		"password_confirm": {"newpass"},
		"pwd_reset_token":  {token},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Reset token only works for its own subject.
	rec = postForm(t, router, "/user/jim/password/", url.Values{
		"password":         {"newpass"},
		"password_confirm": {"newpass"},
		"pwd_reset_token":  {token},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// An access token cannot stand in for a reset token.
	access, _, err := app.issuer.Issue("pam", true)
	require.NoError(t, err)
	rec = postForm(t, router, "/user/pam/password/", url.Values{
		"password":         {"again"},
		"password_confirm": {"again"},
		"pwd_reset_token":  {access},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSuperuserCanChangeAnyPassword(t *testing.T) {
	app := newTestApp(t)
	seedUser(t, app.dir.(*MemDirectory), "michael", "worldsbestboss", "management")
	seedUser(t, app.dir.(*MemDirectory), "toby", "hr", "hr")
	router := app.Router()

	// Even a non-fresh superuser token will do.
	_, refresh, err := app.issuer.Issue("michael", true)
	require.NoError(t, err)
	stale, err := app.issuer.Refresh(refresh)
	require.NoError(t, err)

	rec := postForm(t, router, "/user/toby/password/", url.Values{
		"password":         {"costarica"},
		"password_confirm": {"costarica"},
	}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+stale)
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Unknown target is a lookup miss, not a store outage.
	rec = postForm(t, router, "/user/nobody/password/", url.Values{
		"password":         {"costarica"},
		"password_confirm": {"costarica"},
	}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+stale)
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateUser(t *testing.T) {
	app := newTestApp(t)
	seedUser(t, app.dir.(*MemDirectory), "michael", "worldsbestboss", "management")
	seedUser(t, app.dir.(*MemDirectory), "ryan", "fire", "temp")
	router := app.Router()

	post := func(token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/user/", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	admin, _, err := app.issuer.Issue("michael", true)
	require.NoError(t, err)
	temp, _, err := app.issuer.Issue("ryan", true)
	require.NoError(t, err)

	// Only superusers may create accounts.
	rec := post(temp, `{"name":"Holly Flax","email":"holly@dm.com","dept":"hr","password":"yuletide"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Username defaults to a slug of the name.
	rec = post(admin, `{"name":"Holly Flax","email":"holly@dm.com","dept":"hr","password":"yuletide"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "holly-flax", created.Username)
	require.Equal(t, "USD", created.Currency)

	// Duplicate usernames are a conflict, not an outage.
	rec = post(admin, `{"name":"Holly Flax","email":"holly2@dm.com","dept":"hr","password":"other"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Missing required fields are rejected.
	rec = post(admin, `{"name":"Nobody"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The new account can log in with its password.
	rec = postForm(t, router, "/login", url.Values{
		"username": {"holly-flax"}, "password": {"yuletide"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUserRoutesRequireAuth(t *testing.T) {
	app := newTestApp(t)
	seedUser(t, app.dir.(*MemDirectory), "kevin", "m&ms", "accounting")
	router := app.Router()

	req := httptest.NewRequest("GET", "/user/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	access, _, err := app.issuer.Issue("kevin", true)
	require.NoError(t, err)

	req = httptest.NewRequest("GET", "/user/", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var users []UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 1)

	req = httptest.NewRequest("GET", "/user/kevin/", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("GET", "/user/nobody/", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPwdResetRequestAlwaysAccepts(t *testing.T) {
	app := newTestApp(t)
	seedUser(t, app.dir.(*MemDirectory), "pam", "art", "reception")
	router := app.Router()

	for _, email := range []string{"pam@dm.com", "nobody@dm.com"} {
		rec := postForm(t, router, "/user/pwd_reset_token/", url.Values{"email": {email}})
		require.Equal(t, http.StatusOK, rec.Code, "response must not reveal whether %s exists", email)
	}
}

func TestLoginRateLimit(t *testing.T) {
	app := newTestApp(t)
	app.rateLimiter = NewRateLimiter(3)
	router := app.Router()

	var last int
	for i := 0; i < 5; i++ {
		rec := postForm(t, router, "/login", url.Values{
			"username": {"x"}, "password": {"y"},
		}, func(r *http.Request) { r.RemoteAddr = "10.0.0.7:1234" })
		last = rec.Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)
}

func TestHealthEndpoints(t *testing.T) {
	app := newTestApp(t)
	router := app.Router()

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestDebugSenderWritesEmailLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "email.log")
	s := &DebugSender{Path: path}
	require.NoError(t, s.Send("pam@dm.com", "hello"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "START EMAIL pam@dm.com")
	require.Contains(t, string(data), "hello")
}
