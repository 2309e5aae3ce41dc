package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
)

type fakeExchanger struct {
	codes []string
}

func (f *fakeExchanger) InitAuthorization(_ context.Context, handle string) (*PendingAuthorization, string, error) {
	return &PendingAuthorization{
		State:  "state-" + handle,
		Issuer: "https://auth.example",
		Handle: handle,
		DID:    "did:plc:" + handle,
	}, "https://auth.example/authorize?request_uri=x", nil
}

func (f *fakeExchanger) CompleteAuthorization(_ context.Context, p *PendingAuthorization, code string) (*TokenSet, error) {
	f.codes = append(f.codes, code)
	return &TokenSet{DID: p.DID, Handle: p.Handle, AccessToken: "at"}, nil
}

func (f *fakeExchanger) Refresh(_ context.Context, t *TokenSet) (*TokenSet, error) {
	return t, nil
}

func TestServiceFinish(t *testing.T) {
	tests := []struct {
		name    string
		state   string
		code    string
		iss     string
		advance time.Duration
		wantErr error
	}{
		{name: "success", state: "state-alice", code: "c", iss: "https://auth.example"},
		{name: "success without iss", state: "state-alice", code: "c"},
		{name: "unknown state", state: "nope", code: "c", wantErr: domain.ErrInvalidState},
		{name: "empty state", state: "", code: "c", wantErr: domain.ErrInvalidState},
		{name: "expired", state: "state-alice", code: "c", advance: 11 * time.Minute, wantErr: domain.ErrStateExpired},
		{name: "issuer mismatch", state: "state-alice", code: "c", iss: "https://evil.example", wantErr: domain.ErrInvalidState},
		{name: "missing code", state: "state-alice", wantErr: ErrMissingCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store, clock := newTestStore(10 * time.Minute)
			ex := &fakeExchanger{}
			svc := NewService(ex, store, discardLogger())
			svc.now = clock.Now

			redirect, err := svc.Begin(ctx, "alice")
			if err != nil {
				t.Fatalf("Begin failed: %v", err)
			}
			if redirect == "" {
				t.Error("Expected redirect URL")
			}
			if store.Len() != 1 {
				t.Fatalf("Expected pending entry, got %d", store.Len())
			}

			clock.Advance(tt.advance)
			tokens, err := svc.Finish(ctx, tt.state, tt.code, tt.iss)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				if len(ex.codes) != 0 {
					t.Error("Exchanger must not be called on failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("Finish failed: %v", err)
			}
			if tokens.DID != "did:plc:alice" {
				t.Errorf("Unexpected tokens %+v", tokens)
			}

			// The state cannot be replayed.
			if _, err := svc.Finish(ctx, tt.state, tt.code, tt.iss); !errors.Is(err, domain.ErrInvalidState) {
				t.Errorf("Expected replay to fail with ErrInvalidState, got %v", err)
			}
		})
	}
}
