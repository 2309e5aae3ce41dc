package domain

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultManagerRefresh is how often the BookmarkManager re-reads the list of
// users with bookmark sync enabled.
const DefaultManagerRefresh = time.Minute

// BookmarkSourceFactory builds an authenticated BookmarkSource for a user.
type BookmarkSourceFactory interface {
	BookmarkSource(ctx context.Context, user User) (BookmarkSource, error)
}

// BookmarkManager keeps one BookmarkSync loop running per sync-enabled user.
type BookmarkManager struct {
	users     UserRepository
	sources   BookmarkSourceFactory
	processor *Processor
	settings  SettingsRepository
	dedup     DedupRepository
	interval  time.Duration
	refresh   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewBookmarkManager creates a manager. interval is passed to every
// BookmarkSync; a zero refresh uses DefaultManagerRefresh.
func NewBookmarkManager(
	users UserRepository,
	sources BookmarkSourceFactory,
	processor *Processor,
	settings SettingsRepository,
	dedup DedupRepository,
	interval, refresh time.Duration,
	logger *slog.Logger,
) *BookmarkManager {
	if refresh <= 0 {
		refresh = DefaultManagerRefresh
	}
	return &BookmarkManager{
		users:     users,
		sources:   sources,
		processor: processor,
		settings:  settings,
		dedup:     dedup,
		interval:  interval,
		refresh:   refresh,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
	}
}

// Run reconciles the running loops immediately and then every refresh
// interval. It returns once ctx is cancelled and every loop has exited.
func (m *BookmarkManager) Run(ctx context.Context) {
	m.logger.Info("starting bookmark manager", "refresh", m.refresh)
	m.Reconcile(ctx)

	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			m.wg.Wait()
			m.logger.Info("bookmark manager stopped")
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// Running reports how many user loops are active.
func (m *BookmarkManager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Reconcile starts loops for newly enabled users and stops loops for users
// that are no longer enabled. A listing failure leaves the current loops alone.
func (m *BookmarkManager) Reconcile(ctx context.Context) {
	users, err := m.users.ListSyncUsers(ctx)
	if err != nil {
		m.logger.Error("failed to list sync users", "error", err)
		return
	}

	wanted := make(map[string]User, len(users))
	for _, u := range users {
		wanted[u.DID] = u
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for did, cancel := range m.running {
		if _, ok := wanted[did]; !ok {
			m.logger.Info("stopping bookmark sync", "user_did", did)
			cancel()
			delete(m.running, did)
		}
	}

	for did, user := range wanted {
		if _, ok := m.running[did]; ok {
			continue
		}
		source, err := m.sources.BookmarkSource(ctx, user)
		if err != nil {
			m.logger.Warn("cannot start bookmark sync", "user_did", did, "error", err)
			continue
		}

		loopCtx, cancel := context.WithCancel(ctx)
		m.running[did] = cancel
		loop := NewBookmarkSync(user, source, m.processor, m.settings, m.dedup, m.interval, m.logger)

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			loop.Run(loopCtx)
		}()
	}
}

func (m *BookmarkManager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for did, cancel := range m.running {
		cancel()
		delete(m.running, did)
	}
}
