package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
)

const (
	defaultPDS = "https://bsky.social"

	// ChatProxy routes chat.bsky.* calls through the PDS to the chat service.
	ChatProxy = "did:web:api.bsky.chat#bsky_chat"
)

// Client is a minimal BlueSky/AT Protocol XRPC client. It reads threads and
// bookmarks and talks to the chat service.
type Client struct {
	host       string
	httpClient *http.Client

	mu sync.Mutex
	// populated after Login
	accessJwt  string
	did        string
	identifier string
	password   string
}

// NewClient creates a new BlueSky API client. If host is empty, it defaults to
// https://bsky.social. Without Login the client makes unauthenticated calls,
// which is enough for a public AppView.
func NewClient(host string) *Client {
	return NewClientWithHTTP(host, &http.Client{
		Timeout: 30 * time.Second,
	})
}

// NewClientWithHTTP creates a client that sends every request through
// httpClient. Use it with a transport that authorizes requests itself, such
// as a DPoP transport for an OAuth session.
func NewClientWithHTTP(host string, httpClient *http.Client) *Client {
	if host == "" {
		host = defaultPDS
	}
	return &Client{
		host:       strings.TrimRight(host, "/"),
		httpClient: httpClient,
	}
}

// WithDID sets the account the client acts for when authorization comes from
// the transport rather than Login.
func (c *Client) WithDID(did string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.did = did
	return c
}

// Login authenticates with the PDS and stores the session token. Use an App
// Password, not your account password. An expired session is renewed by
// logging in again with the same credentials.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	body := map[string]string{
		"identifier": identifier,
		"password":   password,
	}

	var resp createSessionResponse
	if err := c.call(ctx, http.MethodPost, "com.atproto.server.createSession", nil, body, "", &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessJwt = resp.AccessJwt
	c.did = resp.DID
	c.identifier = identifier
	c.password = password
	return nil
}

// DID returns the authenticated user's DID. Only valid after Login or WithDID.
func (c *Client) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.did
}

func (c *Client) get(ctx context.Context, nsid string, params url.Values, proxy string, result any) error {
	return c.callRenewing(ctx, http.MethodGet, nsid, params, nil, proxy, result)
}

func (c *Client) post(ctx context.Context, nsid string, body any, proxy string, result any) error {
	return c.callRenewing(ctx, http.MethodPost, nsid, nil, body, proxy, result)
}

// callRenewing logs in again once when an app password session has expired.
func (c *Client) callRenewing(ctx context.Context, method, nsid string, params url.Values, body any, proxy string, result any) error {
	err := c.call(ctx, method, nsid, params, body, proxy, result)
	if err == nil || !isExpiredToken(err) {
		return err
	}

	c.mu.Lock()
	identifier, password := c.identifier, c.password
	c.mu.Unlock()
	if identifier == "" {
		return err
	}

	if lerr := c.Login(ctx, identifier, password); lerr != nil {
		return fmt.Errorf("renew session: %w", lerr)
	}
	return c.call(ctx, method, nsid, params, body, proxy, result)
}

func (c *Client) call(ctx context.Context, method, nsid string, params url.Values, body any, proxy string, result any) error {
	endpoint := c.host + "/xrpc/" + nsid
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if proxy != "" {
		req.Header.Set("atproto-proxy", proxy)
	}
	c.mu.Lock()
	if c.accessJwt != "" && nsid != "com.atproto.server.createSession" {
		req.Header.Set("Authorization", "Bearer "+c.accessJwt)
	}
	c.mu.Unlock()

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
		return &domain.UpstreamError{Service: "bluesky", Status: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

func isExpiredToken(err error) bool {
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) || (upstream.Status != http.StatusBadRequest && upstream.Status != http.StatusUnauthorized) {
		return false
	}
	var xrpcErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(upstream.Body), &xrpcErr) != nil {
		return false
	}
	return xrpcErr.Error == "ExpiredToken"
}

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}
