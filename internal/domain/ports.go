package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ThreadFetcher loads a post together with its thread context.
type ThreadFetcher interface {
	// GetPostThread fetches the thread around the post at uri. Depth and
	// parent height are bounded by the implementation.
	GetPostThread(ctx context.Context, uri string) (*Thread, error)
}

// BookmarkSource lists one account's bookmarks.
type BookmarkSource interface {
	// GetBookmarks returns the page starting at cursor. An empty cursor
	// starts from the most recent bookmark.
	GetBookmarks(ctx context.Context, cursor string) (*BookmarkPage, error)
}

// Messenger reads and answers direct messages for the bot account.
type Messenger interface {
	// ListNewMessages returns messages the bot has not seen yet. What counts
	// as new is up to the implementation.
	ListNewMessages(ctx context.Context) ([]Message, error)

	// SendMessage posts text into a conversation.
	SendMessage(ctx context.Context, convoID, text string) error
}

// Readwise saves content to a Readwise account identified by token.
type Readwise interface {
	SaveHighlight(ctx context.Context, token string, h Highlight) error
	SaveDocument(ctx context.Context, token string, d Document) error
	VerifyToken(ctx context.Context, token string) (bool, error)
}

// UserRepository defines persistence operations for registered users.
type UserRepository interface {
	// GetUserByDID returns nil when no user has that DID.
	GetUserByDID(ctx context.Context, did string) (*User, error)

	// ListSyncUsers returns every user with bookmark sync enabled.
	ListSyncUsers(ctx context.Context) ([]User, error)

	// RegisterReadwiseToken stores token for the account with the given DID,
	// creating the user if needed.
	RegisterReadwiseToken(ctx context.Context, did, token string) (*User, error)
}

// SettingsRepository defines persistence operations for per-user settings.
type SettingsRepository interface {
	// GetSettings returns nil when the user has no settings yet.
	GetSettings(ctx context.Context, userID uuid.UUID) (*UserSettings, error)

	// UpdateBookmarkCursor persists the cursor the next bookmark tick starts from.
	UpdateBookmarkCursor(ctx context.Context, userID uuid.UUID, cursor string) error
}

// DedupRepository records which bookmarks and messages were already handled.
// Claims are atomic so that concurrent pollers never both win the same item.
type DedupRepository interface {
	// ClaimBookmark marks the bookmark as processed. It returns false if the
	// bookmark was already claimed.
	ClaimBookmark(ctx context.Context, userID uuid.UUID, postURI string) (bool, error)

	// ReleaseBookmark removes a claim so a later tick can retry the bookmark.
	ReleaseBookmark(ctx context.Context, userID uuid.UUID, postURI string) error

	// ClaimMessage marks a direct message as handled. It returns false if
	// the message was already claimed.
	ClaimMessage(ctx context.Context, messageID, convoID, senderDID string) (bool, error)
}

// User is a registered account.
type User struct {
	ID        uuid.UUID
	DID       string
	Handle    string
	CreatedAt time.Time
}

// UserSettings controls what the background services do for a user.
type UserSettings struct {
	UserID              uuid.UUID
	ReadwiseToken       string
	BookmarkSyncEnabled bool
	ExtractLinks        bool
	LastBookmarkCursor  string
	UpdatedAt           time.Time
}

// Message is a direct message received by the bot.
type Message struct {
	ID        string
	ConvoID   string
	SenderDID string
	Text      string
	SentAt    time.Time
}
