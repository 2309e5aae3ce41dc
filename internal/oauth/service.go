package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
)

// ErrMissingCode is returned when a callback carries no authorization code.
var ErrMissingCode = errors.New("missing authorization code")

// Service runs the login flow around an Exchanger and a PendingStore.
type Service struct {
	exchanger Exchanger
	store     PendingStore
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a login Service.
func NewService(exchanger Exchanger, store PendingStore, logger *slog.Logger) *Service {
	return &Service{
		exchanger: exchanger,
		store:     store,
		now:       time.Now,
		logger:    logger,
	}
}

// Begin starts a login for handle and returns the URL to redirect the user to.
func (s *Service) Begin(ctx context.Context, handle string) (string, error) {
	p, redirect, err := s.exchanger.InitAuthorization(ctx, handle)
	if err != nil {
		return "", err
	}
	if err := s.store.Put(ctx, p.State, p); err != nil {
		return "", fmt.Errorf("save pending authorization: %w", err)
	}

	s.logger.Info("login started", "handle", p.Handle, "did", p.DID, "issuer", p.Issuer)
	return redirect, nil
}

// Finish completes the login identified by state. The pending request is
// consumed whatever the outcome, so a failed callback has to start over.
func (s *Service) Finish(ctx context.Context, state, code, iss string) (*TokenSet, error) {
	if state == "" {
		return nil, domain.ErrInvalidState
	}

	p, ok, err := s.store.Take(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("take pending authorization: %w", err)
	}
	if !ok {
		return nil, domain.ErrInvalidState
	}
	if p.Expired(s.now()) {
		return nil, domain.ErrStateExpired
	}
	if iss != "" && iss != p.Issuer {
		return nil, fmt.Errorf("%w: issuer %q does not match %q", domain.ErrInvalidState, iss, p.Issuer)
	}
	if code == "" {
		return nil, ErrMissingCode
	}

	tokens, err := s.exchanger.CompleteAuthorization(ctx, p, code)
	if err != nil {
		return nil, err
	}

	s.logger.Info("login complete", "did", tokens.DID, "handle", tokens.Handle)
	return tokens, nil
}

// Refresh exchanges the refresh token in t for new tokens.
func (s *Service) Refresh(ctx context.Context, t *TokenSet) (*TokenSet, error) {
	return s.exchanger.Refresh(ctx, t)
}
