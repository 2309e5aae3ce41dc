package bluesky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
)

// threadDepth is requested both up and down. Only the first level of replies
// is kept.
const threadDepth = "100"

// GetPostThread fetches the thread around uri via app.bsky.feed.getPostThread.
// The parent chain stops at the first ancestor that is deleted or blocked.
func (c *Client) GetPostThread(ctx context.Context, uri string) (*domain.Thread, error) {
	params := url.Values{
		"uri":          {uri},
		"depth":        {threadDepth},
		"parentHeight": {threadDepth},
	}

	var resp getPostThreadResponse
	if err := c.get(ctx, "app.bsky.feed.getPostThread", params, "", &resp); err != nil {
		return nil, fmt.Errorf("get post thread: %w", err)
	}

	switch t := unionType(resp.Thread); t {
	case typeThreadViewPost:
	case typeNotFoundPost:
		return nil, fmt.Errorf("post %s not found", uri)
	case typeBlockedPost:
		return nil, fmt.Errorf("post %s is blocked", uri)
	default:
		return nil, fmt.Errorf("unexpected thread type %q", t)
	}

	var root threadViewPost
	if err := json.Unmarshal(resp.Thread, &root); err != nil {
		return nil, fmt.Errorf("unmarshal thread: %w", err)
	}

	thread := &domain.Thread{Post: root.Post.toDomain()}

	for _, raw := range root.Replies {
		if unionType(raw) != typeThreadViewPost {
			continue
		}
		var reply threadViewPost
		if err := json.Unmarshal(raw, &reply); err != nil {
			return nil, fmt.Errorf("unmarshal reply: %w", err)
		}
		thread.Replies = append(thread.Replies, domain.Thread{Post: reply.Post.toDomain()})
	}

	// Walk the parent chain iteratively; each parent links to its own parent.
	child := thread
	raw := root.Parent
	for len(raw) > 0 && unionType(raw) == typeThreadViewPost {
		var parent threadViewPost
		if err := json.Unmarshal(raw, &parent); err != nil {
			return nil, fmt.Errorf("unmarshal parent: %w", err)
		}
		child.Parent = &domain.Thread{Post: parent.Post.toDomain()}
		child = child.Parent
		raw = parent.Parent
	}

	return thread, nil
}
