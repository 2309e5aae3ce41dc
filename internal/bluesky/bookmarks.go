package bluesky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
)

const bookmarkPageSize = "50"

// GetBookmarks lists the authenticated account's bookmarks starting at
// cursor via app.bsky.bookmark.getBookmarks. An empty cursor starts at the
// newest bookmark.
func (c *Client) GetBookmarks(ctx context.Context, cursor string) (*domain.BookmarkPage, error) {
	params := url.Values{"limit": {bookmarkPageSize}}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var resp getBookmarksResponse
	if err := c.get(ctx, "app.bsky.bookmark.getBookmarks", params, "", &resp); err != nil {
		return nil, fmt.Errorf("get bookmarks: %w", err)
	}

	page := &domain.BookmarkPage{
		Bookmarks: make([]domain.Bookmark, 0, len(resp.Bookmarks)),
		Cursor:    resp.Cursor,
	}
	for _, bv := range resp.Bookmarks {
		item, err := decodeBookmarkItem(bv.Item, bv.Subject.URI)
		if err != nil {
			return nil, fmt.Errorf("bookmark %s: %w", bv.Subject.URI, err)
		}
		page.Bookmarks = append(page.Bookmarks, domain.Bookmark{
			Subject:   bv.Subject.toDomain(),
			CreatedAt: bv.CreatedAt,
			Item:      item,
		})
	}
	return page, nil
}

// decodeBookmarkItem maps the item union onto the domain variants. Item types
// this client does not know are treated as not found so one odd bookmark
// cannot stall the listing.
func decodeBookmarkItem(raw json.RawMessage, subject string) (domain.BookmarkItem, error) {
	switch unionType(raw) {
	case typePostView:
		var pv postView
		if err := json.Unmarshal(raw, &pv); err != nil {
			return nil, fmt.Errorf("unmarshal post: %w", err)
		}
		return domain.BookmarkPost{Post: pv.toDomain()}, nil
	case typeBlockedPost:
		var m missingPost
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("unmarshal blocked post: %w", err)
		}
		return domain.BookmarkBlocked{URI: m.URI}, nil
	case typeNotFoundPost:
		var m missingPost
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("unmarshal missing post: %w", err)
		}
		return domain.BookmarkNotFound{URI: m.URI}, nil
	default:
		return domain.BookmarkNotFound{URI: subject}, nil
	}
}
