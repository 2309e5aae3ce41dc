// Package oauth implements the AT Protocol OAuth login flow: pending request
// bookkeeping, the login service and the authorization server exchange.
package oauth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPendingTTL is how long a login may take between redirect and
// callback.
const DefaultPendingTTL = 10 * time.Minute

// AuthServer is the subset of authorization server metadata the flow needs
// after the redirect.
type AuthServer struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	PAREndpoint           string `json:"pushed_authorization_request_endpoint"`
}

// PendingAuthorization is everything kept between sending a user to the
// authorization server and handling the callback.
type PendingAuthorization struct {
	// State is the unique key of the request.
	State string `json:"state"`

	PKCEVerifier string `json:"pkce_verifier"`
	Nonce        string `json:"nonce"`

	// DPoPKey is the serialized dpop.Key the session is bound to.
	DPoPKey string `json:"dpop_key"`

	// Issuer must match the iss parameter of the callback.
	Issuer     string     `json:"issuer"`
	AuthServer AuthServer `json:"auth_server"`

	// Account hints from resolution. DID is empty when login started from
	// a server rather than a handle.
	DID    string `json:"did,omitempty"`
	Handle string `json:"handle,omitempty"`
	PDSURL string `json:"pds_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the request can no longer be completed at now.
func (p *PendingAuthorization) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// PendingStore holds PendingAuthorization entries by state. Take must be
// atomic: of concurrent takers of one state at most one gets the entry.
type PendingStore interface {
	Put(ctx context.Context, state string, p *PendingAuthorization) error
	Take(ctx context.Context, state string) (*PendingAuthorization, bool, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is an in-process PendingStore guarded by a single mutex.
type MemoryStore struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*PendingAuthorization
}

// NewMemoryStore creates a store whose entries expire ttl after they were put.
// A zero ttl uses DefaultPendingTTL.
func NewMemoryStore(ttl time.Duration, logger *slog.Logger) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		pending: make(map[string]*PendingAuthorization),
	}
}

// Put stores p under state, replacing any earlier entry. CreatedAt and
// ExpiresAt are filled from the store clock when zero.
func (s *MemoryStore) Put(_ context.Context, state string, p *PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = p.CreatedAt.Add(s.ttl)
	}
	s.pending[state] = p
	return nil
}

// Take removes and returns the entry for state. The second result is false
// when no entry exists, including one that was already taken.
func (s *MemoryStore) Take(_ context.Context, state string) (*PendingAuthorization, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return nil, false, nil
	}
	delete(s.pending, state)
	return p, true, nil
}

// Sweep removes entries created at least ttl before now and returns how many
// were removed.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for state, p := range s.pending {
		if !p.CreatedAt.Add(s.ttl).After(now) {
			delete(s.pending, state)
			removed++
			s.logger.Debug("pending login expired", "handle", p.Handle, "created_at", p.CreatedAt)
		}
	}
	return removed, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RunSweeper sweeps store immediately and then at the given interval. It
// blocks until ctx is cancelled.
func RunSweeper(ctx context.Context, store PendingStore, interval time.Duration, logger *slog.Logger) {
	sweep := func() {
		removed, err := store.Sweep(ctx, time.Now())
		if err != nil {
			logger.Error("pending oauth sweep failed", "error", err)
		} else if removed > 0 {
			logger.Info("pending oauth sweep complete", "removed", removed)
		}
	}

	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
