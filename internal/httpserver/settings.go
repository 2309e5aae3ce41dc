package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
)

type settingsRequest struct {
	ReadwiseToken string `json:"readwise_token"`
	BookmarkSync  bool   `json:"bookmark_sync"`
	ExtractLinks  bool   `json:"extract_links"`
}

type settingsResponse struct {
	DID              string `json:"did"`
	Handle           string `json:"handle"`
	ReadwiseTokenSet bool   `json:"readwise_token_set"`
	BookmarkSync     bool   `json:"bookmark_sync"`
	ExtractLinks     bool   `json:"extract_links"`
}

func toSettingsResponse(u *domain.User, s *domain.UserSettings) settingsResponse {
	resp := settingsResponse{DID: u.DID, Handle: u.Handle}
	if s != nil {
		resp.ReadwiseTokenSet = s.ReadwiseToken != ""
		resp.BookmarkSync = s.BookmarkSyncEnabled
		resp.ExtractLinks = s.ExtractLinks
	}
	return resp
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request, user *domain.User) {
	settings, err := s.store.GetSettings(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("failed to load settings", "did", user.DID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, toSettingsResponse(user, settings))
}

// handleUpdateSettings accepts a form post from the dashboard or a JSON
// body. The Readwise token is required and checked with Readwise before
// anything is saved.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request, user *domain.User) {
	req, err := parseSettingsRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "could not parse settings")
		return
	}
	if req.ReadwiseToken == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "Readwise token is required")
		return
	}

	valid, err := s.readwise.VerifyToken(r.Context(), req.ReadwiseToken)
	if err != nil {
		s.logger.Error("failed to verify readwise token", "did", user.DID, "error", err)
		writeError(w, http.StatusBadGateway, "UpstreamError", "could not reach Readwise, try again later")
		return
	}
	if !valid {
		writeError(w, http.StatusBadRequest, "InvalidToken", "Readwise rejected that token")
		return
	}

	settings := domain.UserSettings{
		UserID:              user.ID,
		ReadwiseToken:       req.ReadwiseToken,
		BookmarkSyncEnabled: req.BookmarkSync,
		ExtractLinks:        req.ExtractLinks,
	}
	if err := s.store.UpdateSettings(r.Context(), settings); err != nil {
		s.logger.Error("failed to save settings", "did", user.DID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to save settings")
		return
	}

	s.logger.Info("settings updated",
		"did", user.DID,
		"bookmark_sync", req.BookmarkSync,
		"extract_links", req.ExtractLinks,
	)

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, toSettingsResponse(user, &settings))
		return
	}
	http.Redirect(w, r, "/dashboard?saved=true", http.StatusSeeOther)
}

func parseSettingsRequest(w http.ResponseWriter, r *http.Request) (settingsRequest, error) {
	var req settingsRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			return req, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.ReadwiseToken = r.PostForm.Get("readwise_token")
		req.BookmarkSync = checked(r.PostForm.Get("bookmark_sync"))
		req.ExtractLinks = checked(r.PostForm.Get("extract_links"))
	}
	req.ReadwiseToken = strings.TrimSpace(req.ReadwiseToken)
	return req, nil
}

func checked(v string) bool {
	return v != "" && v != "false" && v != "0"
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, user *domain.User) {
	settings, err := s.store.GetSettings(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("failed to load settings", "did", user.DID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to load settings")
		return
	}

	renderPage(w, http.StatusOK, dashboardPage, dashboardData{
		Settings: toSettingsResponse(user, settings),
		Saved:    r.URL.Query().Get("saved") == "true",
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		s.logger.Error("failed to load session", "error", err)
	}
	renderPage(w, http.StatusOK, indexPage, user)
}
