package domain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultBookmarkInterval is how often a user's bookmarks are polled.
const DefaultBookmarkInterval = 30 * time.Second

// ItemTimeout bounds the work on a single bookmark or message once it has
// started. Shutdown waits for it rather than abandoning the item.
const ItemTimeout = 2 * time.Minute

// TickResult summarizes one bookmark poll.
type TickResult struct {
	// NextCursor is where the next tick should start. Empty means the
	// listing was exhausted and the next tick starts from the newest bookmark.
	NextCursor string

	Processed int
	Skipped   int
	Failed    int
}

// BookmarkSync polls one user's bookmarks and hands new ones to the
// Processor.
type BookmarkSync struct {
	user      User
	source    BookmarkSource
	processor *Processor
	settings  SettingsRepository
	dedup     DedupRepository
	interval  time.Duration
	logger    *slog.Logger
}

// NewBookmarkSync creates the sync loop for user. A zero interval uses
// DefaultBookmarkInterval.
func NewBookmarkSync(
	user User,
	source BookmarkSource,
	processor *Processor,
	settings SettingsRepository,
	dedup DedupRepository,
	interval time.Duration,
	logger *slog.Logger,
) *BookmarkSync {
	if interval <= 0 {
		interval = DefaultBookmarkInterval
	}
	return &BookmarkSync{
		user:      user,
		source:    source,
		processor: processor,
		settings:  settings,
		dedup:     dedup,
		interval:  interval,
		logger:    logger.With("user_did", user.DID),
	}
}

// Run polls immediately and then on every interval until ctx is cancelled.
// Tick failures are logged; the next tick is the retry.
func (s *BookmarkSync) Run(ctx context.Context) {
	s.logger.Info("starting bookmark sync", "interval", s.interval)
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("bookmark sync stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *BookmarkSync) tick(ctx context.Context) {
	settings, err := s.settings.GetSettings(ctx, s.user.ID)
	if err != nil {
		s.logger.Error("failed to load settings", "error", err)
		return
	}
	if settings == nil || !settings.BookmarkSyncEnabled {
		s.logger.Debug("bookmark sync disabled, skipping tick")
		return
	}

	result, err := s.SyncOnce(ctx, *settings)
	if err != nil {
		s.logger.Error("bookmark poll failed", "cursor", settings.LastBookmarkCursor, "error", err)
		return
	}

	if result.NextCursor != settings.LastBookmarkCursor {
		if err := s.settings.UpdateBookmarkCursor(ctx, s.user.ID, result.NextCursor); err != nil {
			s.logger.Error("failed to save bookmark cursor", "cursor", result.NextCursor, "error", err)
		}
	}

	if result.Processed > 0 || result.Failed > 0 {
		s.logger.Info("bookmark poll complete",
			"processed", result.Processed,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)
	} else {
		s.logger.Debug("no new bookmarks", "skipped", result.Skipped)
	}
}

// SyncOnce fetches the page at settings.LastBookmarkCursor and processes each
// bookmark in list order. A listing failure aborts the tick without a cursor;
// a failing bookmark is logged and released so a later tick retries it.
// Cancelling ctx stops the tick between bookmarks; a bookmark already started
// runs to completion, bounded by ItemTimeout.
func (s *BookmarkSync) SyncOnce(ctx context.Context, settings UserSettings) (TickResult, error) {
	page, err := s.source.GetBookmarks(ctx, settings.LastBookmarkCursor)
	if err != nil {
		return TickResult{}, fmt.Errorf("get bookmarks: %w", err)
	}

	result := TickResult{NextCursor: page.Cursor}
	opts := ProcessOptions{ExtractLinks: settings.ExtractLinks}

	for _, bm := range page.Bookmarks {
		if ctx.Err() != nil {
			// Not every item was seen, so the page has to be read again.
			result.NextCursor = settings.LastBookmarkCursor
			return result, nil
		}

		itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ItemTimeout)
		outcome := s.syncBookmark(itemCtx, bm, settings.ReadwiseToken, opts)
		cancel()

		switch outcome {
		case itemProcessed:
			result.Processed++
		case itemSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}

	return result, nil
}

type itemOutcome int

const (
	itemProcessed itemOutcome = iota
	itemSkipped
	itemFailed
)

func (s *BookmarkSync) syncBookmark(ctx context.Context, bm Bookmark, token string, opts ProcessOptions) itemOutcome {
	uri := bm.Subject.URI
	claimed, err := s.dedup.ClaimBookmark(ctx, s.user.ID, uri)
	if err != nil {
		s.logger.Error("failed to claim bookmark", "uri", uri, "error", err)
		return itemFailed
	}
	if !claimed {
		return itemSkipped
	}

	switch item := bm.Item.(type) {
	case BookmarkBlocked:
		s.logger.Info("skipping blocked bookmark", "uri", item.URI)
		return itemSkipped
	case BookmarkNotFound:
		s.logger.Info("skipping deleted bookmark", "uri", item.URI)
		return itemSkipped
	}

	res, err := s.processor.Process(ctx, uri, token, opts)
	if err != nil {
		s.logger.Warn("failed to process bookmark", "uri", uri, "error", err)
		if err := s.dedup.ReleaseBookmark(ctx, s.user.ID, uri); err != nil {
			s.logger.Error("failed to release bookmark claim", "uri", uri, "error", err)
		}
		return itemFailed
	}
	if res.Partial != nil {
		s.logger.Warn("bookmark saved with link failures", "uri", uri, "error", res.Partial)
	}
	return itemProcessed
}
