// Package store persists users, settings, OAuth tokens and dedup claims in
// SQLite or PostgreSQL.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
	"github.com/blackmichael/bluesky-readwise/internal/oauth"
)

// Supported values for the driver argument of Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Repository implements domain.UserRepository, domain.SettingsRepository and
// domain.DedupRepository, plus token and web session storage for the HTTP
// server. Secrets are sealed before they reach the database.
type Repository struct {
	db     *sql.DB
	driver string
	sealer *Sealer
	now    func() time.Time
}

// WebSession is a signed-in browser session.
type WebSession struct {
	ID        string
	UserID    uuid.UUID
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Open connects to the database, verifies the connection, applies pending
// migrations and returns a new Repository. The caller should call Close when
// the repository is no longer needed.
func Open(ctx context.Context, driver, dsn string, sealer *Sealer) (*Repository, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// A single connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(ctx, db, driver); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{
		db:     db,
		driver: driver,
		sealer: sealer,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// GetUserByDID returns nil when no user has that DID.
func (r *Repository) GetUserByDID(ctx context.Context, did string) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, r.rebind(`
		SELECT id, did, handle, created_at FROM users WHERE did = ?`), did))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", did, err)
	}
	return u, nil
}

// GetUser returns nil when no user has that ID.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, r.rebind(`
		SELECT id, did, handle, created_at FROM users WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// UpsertUser creates the user for did or returns the existing one. A
// non-empty handle replaces the stored handle.
func (r *Repository) UpsertUser(ctx context.Context, did, handle string) (*domain.User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	u, err := r.upsertUser(ctx, tx, did, handle)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return u, nil
}

func (r *Repository) upsertUser(ctx context.Context, tx *sql.Tx, did, handle string) (*domain.User, error) {
	_, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO users (id, did, handle, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (did) DO UPDATE SET handle = CASE
			WHEN excluded.handle <> '' THEN excluded.handle
			ELSE users.handle
		END`),
		uuid.New(), did, handle, r.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", did, err)
	}

	u, err := scanUser(tx.QueryRowContext(ctx, r.rebind(`
		SELECT id, did, handle, created_at FROM users WHERE did = ?`), did))
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", did, err)
	}
	return u, nil
}

// ListSyncUsers returns users that have bookmark sync enabled, a Readwise
// token and stored OAuth tokens.
func (r *Repository) ListSyncUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.did, u.handle, u.created_at
		FROM users u
		JOIN user_settings s ON s.user_id = u.id
		JOIN user_tokens t ON t.user_id = u.id
		WHERE s.bookmark_sync_enabled = TRUE AND s.readwise_token <> ''
		ORDER BY u.created_at`)
	if err != nil {
		return nil, fmt.Errorf("query sync users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// RegisterReadwiseToken stores token for the account with the given DID,
// creating the user if needed. Other settings are left untouched.
func (r *Repository) RegisterReadwiseToken(ctx context.Context, did, token string) (*domain.User, error) {
	sealed, err := r.sealer.Seal(token)
	if err != nil {
		return nil, fmt.Errorf("seal readwise token: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	u, err := r.upsertUser(ctx, tx, did, "")
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO user_settings (user_id, readwise_token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			readwise_token = excluded.readwise_token,
			updated_at = excluded.updated_at`),
		u.ID, sealed, r.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("store readwise token for %s: %w", did, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return u, nil
}

// GetSettings returns nil when the user has no settings yet.
func (r *Repository) GetSettings(ctx context.Context, userID uuid.UUID) (*domain.UserSettings, error) {
	var (
		s      domain.UserSettings
		sealed string
	)
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT user_id, readwise_token, bookmark_sync_enabled, extract_links, last_bookmark_cursor, updated_at
		FROM user_settings WHERE user_id = ?`), userID,
	).Scan(&s.UserID, &sealed, &s.BookmarkSyncEnabled, &s.ExtractLinks, &s.LastBookmarkCursor, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings for %s: %w", userID, err)
	}

	s.ReadwiseToken, err = r.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open readwise token for %s: %w", userID, err)
	}
	return &s, nil
}

// UpdateSettings writes the user-editable settings. The bookmark cursor is
// preserved.
func (r *Repository) UpdateSettings(ctx context.Context, s domain.UserSettings) error {
	sealed, err := r.sealer.Seal(s.ReadwiseToken)
	if err != nil {
		return fmt.Errorf("seal readwise token: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO user_settings (user_id, readwise_token, bookmark_sync_enabled, extract_links, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			readwise_token = excluded.readwise_token,
			bookmark_sync_enabled = excluded.bookmark_sync_enabled,
			extract_links = excluded.extract_links,
			updated_at = excluded.updated_at`),
		s.UserID, sealed, s.BookmarkSyncEnabled, s.ExtractLinks, r.now(),
	)
	if err != nil {
		return fmt.Errorf("update settings for %s: %w", s.UserID, err)
	}
	return nil
}

// UpdateBookmarkCursor persists the cursor the next bookmark tick starts from.
func (r *Repository) UpdateBookmarkCursor(ctx context.Context, userID uuid.UUID, cursor string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE user_settings SET last_bookmark_cursor = ?, updated_at = ? WHERE user_id = ?`),
		cursor, r.now(), userID,
	)
	if err != nil {
		return fmt.Errorf("update bookmark cursor for %s: %w", userID, err)
	}
	return nil
}

// ClaimBookmark marks the bookmark as processed. It returns false if the
// bookmark was already claimed.
func (r *Repository) ClaimBookmark(ctx context.Context, userID uuid.UUID, postURI string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO processed_bookmarks (user_id, post_uri, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, post_uri) DO NOTHING`),
		userID, postURI, r.now(),
	)
	if err != nil {
		return false, fmt.Errorf("claim bookmark %s: %w", postURI, err)
	}
	return claimed(res)
}

// ReleaseBookmark removes a claim so a later tick can retry the bookmark.
func (r *Repository) ReleaseBookmark(ctx context.Context, userID uuid.UUID, postURI string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		DELETE FROM processed_bookmarks WHERE user_id = ? AND post_uri = ?`),
		userID, postURI,
	)
	if err != nil {
		return fmt.Errorf("release bookmark %s: %w", postURI, err)
	}
	return nil
}

// ClaimMessage marks a direct message as handled. It returns false if the
// message was already claimed.
func (r *Repository) ClaimMessage(ctx context.Context, messageID, convoID, senderDID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO processed_messages (message_id, convo_id, sender_did, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`),
		messageID, convoID, senderDID, r.now(),
	)
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", messageID, err)
	}
	return claimed(res)
}

// SaveTokens stores the OAuth tokens for a user, replacing any earlier set.
func (r *Repository) SaveTokens(ctx context.Context, userID uuid.UUID, t *oauth.TokenSet) error {
	access, err := r.sealer.Seal(t.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := r.sealer.Seal(t.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	key, err := r.sealer.Seal(t.DPoPKey)
	if err != nil {
		return fmt.Errorf("seal dpop key: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO user_tokens (user_id, pds_url, issuer, token_endpoint, access_token, refresh_token, dpop_key, scope, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			pds_url = excluded.pds_url,
			issuer = excluded.issuer,
			token_endpoint = excluded.token_endpoint,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			dpop_key = excluded.dpop_key,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`),
		userID, t.PDSURL, t.Issuer, t.TokenEndpoint, access, refresh, key, t.Scope, t.ExpiresAt.UTC(), r.now(),
	)
	if err != nil {
		return fmt.Errorf("save tokens for %s: %w", userID, err)
	}
	return nil
}

// GetTokens returns nil when the user has never completed a login.
func (r *Repository) GetTokens(ctx context.Context, userID uuid.UUID) (*oauth.TokenSet, error) {
	var (
		t                     oauth.TokenSet
		access, refresh, dkey string
	)
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT u.did, u.handle, t.pds_url, t.issuer, t.token_endpoint,
			t.access_token, t.refresh_token, t.dpop_key, t.scope, t.expires_at
		FROM user_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.user_id = ?`), userID,
	).Scan(&t.DID, &t.Handle, &t.PDSURL, &t.Issuer, &t.TokenEndpoint,
		&access, &refresh, &dkey, &t.Scope, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tokens for %s: %w", userID, err)
	}

	if t.AccessToken, err = r.sealer.Open(access); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if t.RefreshToken, err = r.sealer.Open(refresh); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	if t.DPoPKey, err = r.sealer.Open(dkey); err != nil {
		return nil, fmt.Errorf("open dpop key: %w", err)
	}
	return &t, nil
}

// CreateSession starts a browser session for the user that lasts ttl.
func (r *Repository) CreateSession(ctx context.Context, userID uuid.UUID, ttl time.Duration) (*WebSession, error) {
	id, err := sessionID()
	if err != nil {
		return nil, err
	}
	now := r.now()
	s := &WebSession{ID: id, UserID: userID, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO web_sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`),
		s.ID, s.UserID, s.CreatedAt, s.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// GetSession returns nil for unknown or expired sessions.
func (r *Repository) GetSession(ctx context.Context, id string) (*WebSession, error) {
	var s WebSession
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT id, user_id, created_at, expires_at FROM web_sessions WHERE id = ?`), id,
	).Scan(&s.ID, &s.UserID, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !r.now().Before(s.ExpiresAt) {
		return nil, nil
	}
	return &s, nil
}

// DeleteSession ends a browser session. Unknown IDs are ignored.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM web_sessions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired before now and
// returns how many were removed.
func (r *Repository) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM web_sessions WHERE expires_at <= ?`), r.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StartCleanupJob deletes expired web sessions every interval until ctx is
// cancelled.
func (r *Repository) StartCleanupJob(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := r.DeleteExpiredSessions(ctx)
			if err != nil {
				logger.Error("session cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				logger.Info("session cleanup complete", "deleted", deleted)
			}
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.DID, &u.Handle, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func claimed(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func sessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (r *Repository) rebind(query string) string {
	if r.driver != DriverPostgres {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
