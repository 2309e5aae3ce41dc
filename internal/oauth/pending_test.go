package oauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(ttl time.Duration) (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(ttl, discardLogger())
	s.now = clock.Now
	return s, clock
}

func TestMemoryStoreTakeOnce(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(0)

	if err := s.Put(ctx, "s1", &PendingAuthorization{State: "s1", PKCEVerifier: "v"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	p, ok, err := s.Take(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("Expected entry, got ok=%v err=%v", ok, err)
	}
	if p.PKCEVerifier != "v" {
		t.Errorf("Unexpected entry %+v", p)
	}
	if !p.CreatedAt.Equal(clock.Now()) {
		t.Errorf("Expected CreatedAt from store clock, got %v", p.CreatedAt)
	}
	if !p.ExpiresAt.Equal(clock.Now().Add(DefaultPendingTTL)) {
		t.Errorf("Expected ExpiresAt CreatedAt+TTL, got %v", p.ExpiresAt)
	}

	if _, ok, _ := s.Take(ctx, "s1"); ok {
		t.Error("Second take must miss")
	}
	if _, ok, _ := s.Take(ctx, "never-stored"); ok {
		t.Error("Unknown state must miss")
	}
}

func TestMemoryStorePutOverwrites(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(0)

	s.Put(ctx, "s", &PendingAuthorization{Nonce: "first"})
	s.Put(ctx, "s", &PendingAuthorization{Nonce: "second"})

	p, ok, _ := s.Take(ctx, "s")
	if !ok || p.Nonce != "second" {
		t.Errorf("Expected overwritten entry, got %+v", p)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(10 * time.Minute)

	s.Put(ctx, "old", &PendingAuthorization{})
	clock.Advance(5 * time.Minute)
	s.Put(ctx, "young", &PendingAuthorization{})
	clock.Advance(5 * time.Minute)

	removed, err := s.Sweep(ctx, clock.Now())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	if _, ok, _ := s.Take(ctx, "old"); ok {
		t.Error("Expected expired entry to be swept")
	}
	if _, ok, _ := s.Take(ctx, "young"); !ok {
		t.Error("Expected young entry to survive")
	}
}

func TestMemoryStoreSweepLogsExpiredLogins(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	s := NewMemoryStore(time.Minute, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	s.Put(ctx, "abandoned", &PendingAuthorization{Handle: "alice.test"})
	if removed, _ := s.Sweep(ctx, time.Now().Add(2*time.Minute)); removed != 1 {
		t.Fatalf("Expected 1 removed, got %d", removed)
	}
	if out := buf.String(); !strings.Contains(out, "pending login expired") || !strings.Contains(out, "handle=alice.test") {
		t.Errorf("Expected expiry to be logged, got %q", out)
	}
}

func TestMemoryStoreSweepKeepsNewerEntries(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(time.Minute)

	sweepStart := clock.Now()
	clock.Advance(time.Second)
	s.Put(ctx, "after", &PendingAuthorization{})

	// The sweep began before the put, so its cutoff is older than the entry.
	if removed, _ := s.Sweep(ctx, sweepStart.Add(time.Minute)); removed != 0 {
		t.Errorf("Expected nothing removed, got %d", removed)
	}
	if s.Len() != 1 {
		t.Errorf("Expected entry to survive, store has %d", s.Len())
	}
}

func TestMemoryStoreConcurrentTake(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(0)

	for round := 0; round < 50; round++ {
		state := fmt.Sprintf("state-%d", round)
		s.Put(ctx, state, &PendingAuthorization{State: state})

		var (
			winners atomic.Int32
			wg      sync.WaitGroup
			start   = make(chan struct{})
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, ok, _ := s.Take(ctx, state); ok {
					winners.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if got := winners.Load(); got != 1 {
			t.Fatalf("Round %d: expected exactly one winner, got %d", round, got)
		}
	}
}

func TestMemoryStoreConcurrentPutAndSweep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Put(ctx, fmt.Sprintf("%d-%d", i, j), &PendingAuthorization{})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Sweep(ctx, time.Now())
			}
		}()
	}
	wg.Wait()

	if s.Len() != 800 {
		t.Errorf("Expected all 800 fresh entries to survive sweeping, got %d", s.Len())
	}
}
