package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/blackmichael/bluesky-readwise/internal/bluesky"
	"github.com/blackmichael/bluesky-readwise/internal/domain"
	"github.com/blackmichael/bluesky-readwise/internal/dpop"
	"github.com/blackmichael/bluesky-readwise/internal/oauth"
)

// refreshEarly is how long before expiry an access token is refreshed.
const refreshEarly = time.Minute

type tokenStore interface {
	GetTokens(ctx context.Context, userID uuid.UUID) (*oauth.TokenSet, error)
	SaveTokens(ctx context.Context, userID uuid.UUID, t *oauth.TokenSet) error
}

type tokenRefresher interface {
	Refresh(ctx context.Context, t *oauth.TokenSet) (*oauth.TokenSet, error)
}

// oauthSources builds bookmark clients that act for each user with the
// tokens from their web login.
type oauthSources struct {
	tokens    tokenStore
	refresher tokenRefresher
	logger    *slog.Logger
}

func (s *oauthSources) BookmarkSource(ctx context.Context, user domain.User) (domain.BookmarkSource, error) {
	tokens, err := s.tokens.GetTokens(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: no stored login", domain.ErrAuthenticationRequired)
	}

	key, err := dpop.Parse(tokens.DPoPKey)
	if err != nil {
		return nil, fmt.Errorf("parse dpop key: %w", err)
	}

	src := &persistingSource{
		ctx:       ctx,
		userID:    user.ID,
		current:   tokens,
		tokens:    s.tokens,
		refresher: s.refresher,
		logger:    s.logger.With("user_did", user.DID),
	}

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &dpop.Transport{
			Key:    key,
			Nonces: dpop.NewNonces(),
			Tokens: oauth2.ReuseTokenSourceWithExpiry(tokens.Token(), src, refreshEarly),
		},
	}
	return bluesky.NewClientWithHTTP(tokens.PDSURL, httpClient).WithDID(tokens.DID), nil
}

// persistingSource refreshes a user's tokens and stores each new set.
// ReuseTokenSource serializes calls to Token.
type persistingSource struct {
	ctx       context.Context
	userID    uuid.UUID
	current   *oauth.TokenSet
	tokens    tokenStore
	refresher tokenRefresher
	logger    *slog.Logger
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	next, err := s.refresher.Refresh(s.ctx, s.current)
	if err != nil {
		return nil, fmt.Errorf("refresh tokens: %w", err)
	}
	if err := s.tokens.SaveTokens(s.ctx, s.userID, next); err != nil {
		return nil, fmt.Errorf("save refreshed tokens: %w", err)
	}
	s.current = next
	s.logger.Info("refreshed access token", "expires_at", next.ExpiresAt)
	return next.Token(), nil
}
