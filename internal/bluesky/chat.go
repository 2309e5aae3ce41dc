package bluesky

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
)

const maxMessagesPerConvo = 100

// ListNewMessages returns unread messages from other members of the
// account's conversations, oldest first. Messages sent by the account itself
// are never returned. Conversations are marked read only after the whole
// listing succeeds, so a failure leaves every message for the next call. A
// conversation that cannot be marked read stays unread and is listed again;
// callers dedupe by message ID.
func (c *Client) ListNewMessages(ctx context.Context) ([]domain.Message, error) {
	self := c.DID()
	if self == "" {
		return nil, fmt.Errorf("not authenticated: call Login first")
	}

	var (
		out    []domain.Message
		unread []string
		cursor string
	)
	for {
		params := url.Values{"limit": {"100"}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp listConvosResponse
		if err := c.get(ctx, "chat.bsky.convo.listConvos", params, ChatProxy, &resp); err != nil {
			return nil, fmt.Errorf("list convos: %w", err)
		}

		for _, convo := range resp.Convos {
			if convo.UnreadCount == 0 {
				continue
			}
			msgs, err := c.unreadMessages(ctx, convo, self)
			if err != nil {
				return nil, err
			}
			out = append(out, msgs...)
			unread = append(unread, convo.ID)
		}

		if resp.Cursor == "" || resp.Cursor == cursor {
			break
		}
		cursor = resp.Cursor
	}

	for _, id := range unread {
		// Best effort: an unread conversation only costs a repeat listing.
		_ = c.post(ctx, "chat.bsky.convo.updateRead", updateReadRequest{ConvoID: id}, ChatProxy, nil)
	}
	return out, nil
}

func (c *Client) unreadMessages(ctx context.Context, convo convoView, self string) ([]domain.Message, error) {
	limit := convo.UnreadCount
	if limit > maxMessagesPerConvo {
		limit = maxMessagesPerConvo
	}
	params := url.Values{
		"convoId": {convo.ID},
		"limit":   {strconv.Itoa(limit)},
	}

	var resp getMessagesResponse
	if err := c.get(ctx, "chat.bsky.convo.getMessages", params, ChatProxy, &resp); err != nil {
		return nil, fmt.Errorf("get messages for convo %s: %w", convo.ID, err)
	}

	// Messages arrive newest first.
	msgs := make([]domain.Message, 0, len(resp.Messages))
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		if m.Type != typeMessageView || m.Sender.DID == self {
			continue
		}
		msgs = append(msgs, domain.Message{
			ID:        m.ID,
			ConvoID:   convo.ID,
			SenderDID: m.Sender.DID,
			Text:      m.Text,
			SentAt:    m.SentAt,
		})
	}
	return msgs, nil
}

// SendMessage posts text to the conversation.
func (c *Client) SendMessage(ctx context.Context, convoID, text string) error {
	var req sendMessageRequest
	req.ConvoID = convoID
	req.Message.Text = text

	if err := c.post(ctx, "chat.bsky.convo.sendMessage", req, ChatProxy, nil); err != nil {
		return fmt.Errorf("send message to convo %s: %w", convoID, err)
	}
	return nil
}
