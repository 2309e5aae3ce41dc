package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
	"github.com/blackmichael/bluesky-readwise/internal/oauth"
)

// handleLogin shows the login form, or starts the OAuth flow when a handle
// is supplied as a query or form value.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	handle := strings.TrimPrefix(strings.TrimSpace(r.FormValue("handle")), "@")
	if handle == "" {
		if r.Method == http.MethodPost {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "handle is required")
			return
		}
		renderPage(w, http.StatusOK, loginPage, nil)
		return
	}

	redirect, err := s.login.Begin(r.Context(), handle)
	if err != nil {
		s.logger.Warn("failed to start login", "handle", handle, "error", err)
		writeError(w, http.StatusBadRequest, "LoginFailed", "could not start login for that handle")
		return
	}

	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// handleCallback finishes the OAuth flow, stores the tokens and starts a
// browser session.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		s.logger.Warn("authorization denied", "error", e, "description", q.Get("error_description"))
		writeError(w, http.StatusBadRequest, "AuthorizationDenied", "authorization was not granted, start login again")
		return
	}

	tokens, err := s.login.Finish(r.Context(), q.Get("state"), q.Get("code"), q.Get("iss"))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrStateExpired) || errors.Is(err, oauth.ErrMissingCode) {
			s.logger.Warn("rejected login callback", "error", err)
			writeError(w, http.StatusBadRequest, "InvalidState", "login request is invalid or expired, start login again")
			return
		}
		s.logger.Error("failed to complete login", "error", err)
		writeError(w, http.StatusBadGateway, "LoginFailed", "could not complete login")
		return
	}

	user, err := s.store.UpsertUser(r.Context(), tokens.DID, tokens.Handle)
	if err != nil {
		s.logger.Error("failed to save user", "did", tokens.DID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to save login")
		return
	}
	if err := s.store.SaveTokens(r.Context(), user.ID, tokens); err != nil {
		s.logger.Error("failed to save tokens", "did", tokens.DID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to save login")
		return
	}

	sess, err := s.store.CreateSession(r.Context(), user.ID, s.cfg.OAuth.SessionTTL)
	if err != nil {
		s.logger.Error("failed to create session", "did", tokens.DID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to save login")
		return
	}
	s.setSessionCookie(w, sess)

	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		if err := s.store.DeleteSession(r.Context(), c.Value); err != nil {
			s.logger.Error("failed to delete session", "error", err)
		}
	}
	clearSessionCookie(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
