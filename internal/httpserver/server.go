package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/bluesky-readwise/internal/config"
	"github.com/blackmichael/bluesky-readwise/internal/domain"
	"github.com/blackmichael/bluesky-readwise/internal/oauth"
	"github.com/blackmichael/bluesky-readwise/internal/store"
)

const sessionCookie = "session"

// Login runs the OAuth authorization flow.
type Login interface {
	Begin(ctx context.Context, handle string) (string, error)
	Finish(ctx context.Context, state, code, iss string) (*oauth.TokenSet, error)
}

// Store is the persistence the HTTP handlers need.
type Store interface {
	UpsertUser(ctx context.Context, did, handle string) (*domain.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	SaveTokens(ctx context.Context, userID uuid.UUID, t *oauth.TokenSet) error
	GetSettings(ctx context.Context, userID uuid.UUID) (*domain.UserSettings, error)
	UpdateSettings(ctx context.Context, s domain.UserSettings) error
	CreateSession(ctx context.Context, userID uuid.UUID, ttl time.Duration) (*store.WebSession, error)
	GetSession(ctx context.Context, id string) (*store.WebSession, error)
	DeleteSession(ctx context.Context, id string) error
}

// TokenVerifier checks Readwise tokens before they are saved.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (bool, error)
}

// Server is the HTTP server for login, settings and the OAuth client
// metadata document.
type Server struct {
	cfg        *config.Config
	client     oauth.ClientConfig
	login      Login
	store      Store
	readwise   TokenVerifier
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, login Login, st Store, readwise TokenVerifier, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		client:   oauth.ClientConfig{PublicURL: cfg.PublicURL},
		login:    login,
		store:    st,
		readwise: readwise,
		logger:   logger,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      withLogging(logger, s.routes()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /oauth/client-metadata.json", s.handleClientMetadata)
	mux.HandleFunc("GET /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("GET /auth/callback", s.handleCallback)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /dashboard", s.requireSession(s.handleDashboard))
	mux.HandleFunc("GET /api/settings", s.requireSession(s.handleGetSettings))
	mux.HandleFunc("POST /api/settings", s.requireSession(s.handleUpdateSettings))
	return mux
}

// Handler returns the server's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClientMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.client.Metadata())
}

// requireSession resolves the session cookie to a user. Browsers without a
// valid session are sent to the login page; API callers get 401.
func (s *Server) requireSession(next func(http.ResponseWriter, *http.Request, *domain.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.sessionUser(r)
		if err != nil {
			s.logger.Error("failed to load session", "error", err)
			writeError(w, http.StatusInternalServerError, "InternalError", "failed to load session")
			return
		}
		if user == nil {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				writeError(w, http.StatusUnauthorized, "AuthenticationRequired", "log in first")
				return
			}
			http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
			return
		}
		next(w, r, user)
	}
}

func (s *Server) sessionUser(r *http.Request) (*domain.User, error) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return nil, nil
	}
	sess, err := s.store.GetSession(r.Context(), c.Value)
	if err != nil || sess == nil {
		return nil, err
	}
	return s.store.GetUser(r.Context(), sess.UserID)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sess *store.WebSession) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   strings.HasPrefix(s.cfg.PublicURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func wantsJSON(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") ||
		strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
