// Package readwise saves highlights and Reader documents through the
// Readwise HTTP API.
package readwise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
)

const defaultBaseURL = "https://readwise.io/api"

// Client talks to the Readwise v2 (highlights) and v3 (Reader) APIs. Every
// call takes the user's access token.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Readwise client. If baseURL is empty, it defaults to
// https://readwise.io/api.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type highlight struct {
	Text      string `json:"text"`
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Category  string `json:"category,omitempty"`
	Note      string `json:"note,omitempty"`
}

type highlightsRequest struct {
	Highlights []highlight `json:"highlights"`
}

type document struct {
	URL    string   `json:"url"`
	HTML   string   `json:"html,omitempty"`
	Title  string   `json:"title,omitempty"`
	Author string   `json:"author,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// SaveHighlight creates one highlight via POST /v2/highlights/.
func (c *Client) SaveHighlight(ctx context.Context, token string, h domain.Highlight) error {
	body := highlightsRequest{Highlights: []highlight{{
		Text:      h.Text,
		Title:     h.Title,
		Author:    h.Author,
		SourceURL: h.SourceURL,
		Category:  h.Category,
		Note:      h.Note,
	}}}

	if err := c.do(ctx, http.MethodPost, "/v2/highlights/", token, body); err != nil {
		return fmt.Errorf("save highlight: %w", err)
	}
	return nil
}

// SaveDocument saves a page to Reader via POST /v3/save/. Reader
// deduplicates by URL, so saving the same document twice is harmless.
func (c *Client) SaveDocument(ctx context.Context, token string, d domain.Document) error {
	body := document{
		URL:    d.URL,
		HTML:   d.HTML,
		Title:  d.Title,
		Author: d.Author,
		Tags:   d.Tags,
	}

	if err := c.do(ctx, http.MethodPost, "/v3/save/", token, body); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// VerifyToken checks token against GET /v2/auth/, which answers 204 for a
// valid token. A rejected token is reported as false with a nil error.
func (c *Client) VerifyToken(ctx context.Context, token string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/auth/", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, &domain.UpstreamError{Service: "readwise", Status: resp.StatusCode, Body: string(body)}
	}
}

func (c *Client) do(ctx context.Context, method, path, token string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.UpstreamError{Service: "readwise", Status: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}
