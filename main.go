package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/example/dundieauth/internal/config"
	"github.com/gorilla/mux"
	_ "modernc.org/sqlite"
)

// App bundles the request-scoped dependencies: read-only configuration plus
// the directory, session store, token issuer, backend chain and gateway.
type App struct {
	dir          Directory
	sessions     SessionStore
	issuer       *TokenIssuer
	chain        *Chain
	gateway      *Gateway
	resetTask    *PasswordResetTask
	rateLimiter  *RateLimiter
	log          *slog.Logger
	cookieSecure bool
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json", "err", err)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildChain constructs the ordered, immutable backend list from the
// configured names. Unknown names are a startup error, not a runtime skip.
func buildChain(c *cfg.Config, dir Directory, issuer *TokenIssuer, log *slog.Logger) (*Chain, error) {
	var backends []AuthBackend
	for _, name := range c.AuthBackends {
		switch name {
		case "local_users":
			backends = append(backends, NewLocalUsersBackend(dir))
		case "token":
			backends = append(backends, NewTokenBackend(issuer, dir))
		case "directory_service":
			if c.DirectoryServiceURL == "" {
				return nil, fmt.Errorf("backend %q requires DIRECTORY_SERVICE_URL", name)
			}
			backends = append(backends, NewDirectoryServiceBackend(c.DirectoryServiceURL, dir))
		case "oauth":
			if c.OAuthSecret == "" {
				return nil, fmt.Errorf("backend %q requires OAUTH_SECRET", name)
			}
			backends = append(backends, NewOAuthBackend([]byte(c.OAuthSecret), dir))
		default:
			return nil, fmt.Errorf("unknown auth backend: %s", name)
		}
	}
	return NewChain(log, backends...), nil
}

func main() {
	c, err := cfg.New()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}))
	slog.SetDefault(log)

	var dir Directory
	var sessions SessionStore
	var closeDB func() error

	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteDirectory(c.SQLiteFile)
		if err != nil {
			log.Error("sqlite init", "err", err)
			os.Exit(1)
		}
		dir = s
		sessions = NewSQLSessionStore(s, c.SessionTTL)
		closeDB = s.close
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			log.Error("postgres config", "err", err)
			os.Exit(1)
		}
		log.Info("applying database migrations")
		if err := ApplyMigrations("./migrations", dsn); err != nil {
			log.Error("migrations", "err", err)
			os.Exit(1)
		}
		p, err := NewPostgresDirectory(dsn)
		if err != nil {
			log.Error("postgres init", "err", err)
			os.Exit(1)
		}
		dir = p
		sessions = NewSQLSessionStore(p, c.SessionTTL)
		closeDB = p.close
		log.Info("connected to PostgreSQL")
	case "memory":
		log.Warn("using in-memory storage (not recommended for production)")
		dir = NewMemDirectory()
		sessions = NewMemSessionStore(c.SessionTTL)
		closeDB = func() error { return nil }
	default:
		log.Error("unsupported DB_ADAPTER", "adapter", c.DBAdapter)
		os.Exit(1)
	}

	issuer := NewTokenIssuer([]byte(c.JwtSecret), c.AccessTokenTTL, c.RefreshTokenTTL, c.ResetTokenTTL)

	chain, err := buildChain(c, dir, issuer, log)
	if err != nil {
		log.Error("auth backends", "err", err)
		os.Exit(1)
	}

	var sender EmailSender
	if c.EmailDebugMode {
		sender = &DebugSender{Path: "email.log"}
	} else {
		sender = &SMTPSender{
			Server:   c.SMTPServer,
			Port:     c.SMTPPort,
			User:     c.SMTPUser,
			Password: c.SMTPPassword,
			Sender:   c.SMTPSender,
		}
	}

	app := &App{
		dir:          dir,
		sessions:     sessions,
		issuer:       issuer,
		chain:        chain,
		gateway:      NewGateway(sessions, issuer, dir, log),
		resetTask:    NewPasswordResetTask(dir, issuer, sender, c.SMTPSender, c.PwdResetURL, c.ResetTokenTTL, log),
		rateLimiter:  NewRateLimiter(30),
		log:          log,
		cookieSecure: c.CookieSecure,
	}

	srv := &http.Server{
		Handler:      app.Router(),
		Addr:         ":" + c.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("starting server", "port", c.Port, "backends", c.AuthBackends)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = closeDB()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", "err", err)
		os.Exit(1)
	}
	log.Info("server exited properly")
}

// Router builds the HTTP surface: public credential endpoints, the
// gateway-protected user routes, and the liveness probes.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.Logging)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := a.dir.(interface{ ping() bool }); ok {
			if !p.ping() {
				w.WriteHeader(503)
				w.Write([]byte(`{"ready":false}`))
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ready":true}`))
	}).Methods("GET")

	// Credential endpoints, rate limited per client IP.
	r.Handle("/login", a.RateLimit(http.HandlerFunc(a.HandleLogin))).Methods("POST")
	r.Handle("/token", a.RateLimit(http.HandlerFunc(a.HandleToken))).Methods("POST")

	r.HandleFunc("/logout", a.HandleLogout).Methods("POST")
	r.HandleFunc("/refresh_token", a.HandleRefreshToken).Methods("POST")
	r.HandleFunc("/user/pwd_reset_token/", a.HandlePwdResetRequest).Methods("POST")

	// Password change carries its own credential handling (reset token or
	// fresh identity), so it sits outside the gateway middleware.
	r.HandleFunc("/user/{username}/password/", a.HandleChangePassword).Methods("POST")

	// Protected routes resolve through the gateway.
	auth := a.gateway.Authenticate
	r.Handle("/whoami", auth(http.HandlerFunc(a.HandleWhoami))).Methods("GET")
	r.Handle("/user/", auth(http.HandlerFunc(a.HandleListUsers))).Methods("GET")
	r.Handle("/user/", auth(http.HandlerFunc(a.HandleCreateUser))).Methods("POST")
	r.Handle("/user/{username}/", auth(http.HandlerFunc(a.HandleGetUser))).Methods("GET")

	return r
}
