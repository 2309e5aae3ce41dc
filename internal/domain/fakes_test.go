package domain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeThreads struct {
	threads map[string]*Thread
	err     error
	calls   []string
	onFetch func()
}

func (f *fakeThreads) GetPostThread(ctx context.Context, uri string) (*Thread, error) {
	f.calls = append(f.calls, uri)
	if f.onFetch != nil {
		f.onFetch()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.threads[uri]
	if !ok {
		return nil, &UpstreamError{Service: "bluesky", Status: 400, Body: "post not found"}
	}
	return t, nil
}

type fakeReadwise struct {
	mu         sync.Mutex
	highlights []Highlight
	documents  []Document
	tokens     []string

	highlightErr error
	documentErr  func(Document) error
	validTokens  map[string]bool
	verifyErr    error
}

func (f *fakeReadwise) SaveHighlight(ctx context.Context, token string, h Highlight) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if f.highlightErr != nil {
		return f.highlightErr
	}
	f.highlights = append(f.highlights, h)
	return nil
}

func (f *fakeReadwise) SaveDocument(_ context.Context, token string, d Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if f.documentErr != nil {
		if err := f.documentErr(d); err != nil {
			return err
		}
	}
	f.documents = append(f.documents, d)
	return nil
}

func (f *fakeReadwise) VerifyToken(_ context.Context, token string) (bool, error) {
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	return f.validTokens[token], nil
}

type fakeSource struct {
	pages   map[string]*BookmarkPage
	err     error
	cursors []string
}

func (f *fakeSource) GetBookmarks(_ context.Context, cursor string) (*BookmarkPage, error) {
	f.cursors = append(f.cursors, cursor)
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.pages[cursor]; ok {
		return p, nil
	}
	return &BookmarkPage{}, nil
}

type bookmarkKey struct {
	user uuid.UUID
	uri  string
}

// memRepo implements UserRepository, SettingsRepository and DedupRepository.
type memRepo struct {
	mu        sync.Mutex
	users     map[string]*User
	settings  map[uuid.UUID]*UserSettings
	bookmarks map[bookmarkKey]bool
	messages  map[string]bool
	released  []string
	claimErr  error
	lookupErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:     make(map[string]*User),
		settings:  make(map[uuid.UUID]*UserSettings),
		bookmarks: make(map[bookmarkKey]bool),
		messages:  make(map[string]bool),
	}
}

func (r *memRepo) addUser(did string, s UserSettings) User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := &User{ID: uuid.New(), DID: did, Handle: did}
	r.users[did] = u
	s.UserID = u.ID
	r.settings[u.ID] = &s
	return *u
}

func (r *memRepo) GetUserByDID(_ context.Context, did string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	u, ok := r.users[did]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *memRepo) ListSyncUsers(_ context.Context) ([]User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []User
	for _, u := range r.users {
		if s := r.settings[u.ID]; s != nil && s.BookmarkSyncEnabled {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (r *memRepo) RegisterReadwiseToken(_ context.Context, did, token string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[did]
	if !ok {
		u = &User{ID: uuid.New(), DID: did}
		r.users[did] = u
		r.settings[u.ID] = &UserSettings{UserID: u.ID}
	}
	r.settings[u.ID].ReadwiseToken = token
	cp := *u
	return &cp, nil
}

func (r *memRepo) GetSettings(_ context.Context, userID uuid.UUID) (*UserSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[userID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) UpdateBookmarkCursor(_ context.Context, userID uuid.UUID, cursor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[userID]
	if !ok {
		return errors.New("no settings")
	}
	s.LastBookmarkCursor = cursor
	return nil
}

func (r *memRepo) ClaimBookmark(ctx context.Context, userID uuid.UUID, postURI string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimErr != nil {
		return false, r.claimErr
	}
	k := bookmarkKey{userID, postURI}
	if r.bookmarks[k] {
		return false, nil
	}
	r.bookmarks[k] = true
	return true, nil
}

func (r *memRepo) ReleaseBookmark(ctx context.Context, userID uuid.UUID, postURI string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bookmarks, bookmarkKey{userID, postURI})
	r.released = append(r.released, postURI)
	return nil
}

func (r *memRepo) ClaimMessage(ctx context.Context, messageID, _, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages[messageID] {
		return false, nil
	}
	r.messages[messageID] = true
	return true, nil
}

type sentMessage struct {
	convoID string
	text    string
}

type fakeMessenger struct {
	mu       sync.Mutex
	incoming []Message
	sent     []sentMessage
	listErr  error
}

func (f *fakeMessenger) ListNewMessages(_ context.Context) ([]Message, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.incoming, nil
}

func (f *fakeMessenger) SendMessage(ctx context.Context, convoID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{convoID, text})
	return nil
}

func standalonePost(uri, handle, text string) *Thread {
	return &Thread{Post: Post{
		URI:    uri,
		Author: Author{DID: "did:plc:" + handle, Handle: handle},
		Text:   text,
	}}
}
