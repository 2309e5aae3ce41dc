package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
	"github.com/blackmichael/bluesky-readwise/internal/dpop"
	"github.com/blackmichael/bluesky-readwise/internal/oauth"
)

type memTokens struct {
	mu    sync.Mutex
	sets  map[uuid.UUID]*oauth.TokenSet
	saves int
}

func (m *memTokens) GetTokens(_ context.Context, id uuid.UUID) (*oauth.TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets[id], nil
}

func (m *memTokens) SaveTokens(_ context.Context, id uuid.UUID, t *oauth.TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[id] = t
	m.saves++
	return nil
}

type countingRefresher struct {
	calls int
}

func (r *countingRefresher) Refresh(_ context.Context, t *oauth.TokenSet) (*oauth.TokenSet, error) {
	r.calls++
	next := *t
	next.AccessToken = "refreshed"
	next.ExpiresAt = time.Now().Add(time.Hour)
	return &next, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBookmarkSourceRefreshesExpiringToken(t *testing.T) {
	var (
		mu   sync.Mutex
		auth []string
	)
	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("DPoP") == "" {
			t.Error("Expected DPoP proof header")
		}
		if !strings.HasSuffix(r.URL.Path, "/app.bsky.bookmark.getBookmarks") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"bookmarks": []any{}})
	}))
	defer pds.Close()

	key, err := dpop.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	user := domain.User{ID: uuid.New(), DID: "did:plc:alice"}
	tokens := &memTokens{sets: map[uuid.UUID]*oauth.TokenSet{
		user.ID: {
			DID:          user.DID,
			PDSURL:       pds.URL,
			AccessToken:  "stale",
			RefreshToken: "refresh",
			DPoPKey:      key.String(),
			// Inside the early refresh window.
			ExpiresAt: time.Now().Add(30 * time.Second),
		},
	}}
	refresher := &countingRefresher{}

	sources := &oauthSources{tokens: tokens, refresher: refresher, logger: discardLogger()}
	src, err := sources.BookmarkSource(context.Background(), user)
	if err != nil {
		t.Fatalf("BookmarkSource failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := src.GetBookmarks(context.Background(), ""); err != nil {
			t.Fatalf("GetBookmarks failed: %v", err)
		}
	}

	if refresher.calls != 1 {
		t.Errorf("Expected 1 refresh, got %d", refresher.calls)
	}
	if tokens.saves != 1 || tokens.sets[user.ID].AccessToken != "refreshed" {
		t.Errorf("Expected refreshed tokens to be saved, got %d saves", tokens.saves)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, a := range auth {
		if a != "DPoP refreshed" {
			t.Errorf("Expected refreshed DPoP token, got %q", a)
		}
	}
}

func TestBookmarkSourceWithoutLogin(t *testing.T) {
	sources := &oauthSources{
		tokens:    &memTokens{sets: map[uuid.UUID]*oauth.TokenSet{}},
		refresher: &countingRefresher{},
		logger:    discardLogger(),
	}

	_, err := sources.BookmarkSource(context.Background(), domain.User{ID: uuid.New()})
	if !errors.Is(err, domain.ErrAuthenticationRequired) {
		t.Errorf("Expected ErrAuthenticationRequired, got %v", err)
	}
}
