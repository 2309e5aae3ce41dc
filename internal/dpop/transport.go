package dpop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// Nonces remembers the latest DPoP-Nonce handed out by each server origin.
type Nonces struct {
	mu     sync.Mutex
	byHost map[string]string
}

// NewNonces creates an empty nonce cache.
func NewNonces() *Nonces {
	return &Nonces{byHost: make(map[string]string)}
}

func (n *Nonces) get(origin string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.byHost[origin]
}

func (n *Nonces) set(origin, nonce string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byHost[origin] = nonce
}

// Transport adds a DPoP proof to every request. With Tokens set it also sends
// the access token as "Authorization: DPoP ...". A response that asks for a
// fresh nonce is retried once with it.
type Transport struct {
	Key    *Key
	Nonces *Nonces

	// Tokens supplies the access token for resource server calls. Nil for
	// calls to the authorization server.
	Tokens oauth2.TokenSource

	// Base is the underlying transport. Nil means http.DefaultTransport.
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var accessToken string
	if t.Tokens != nil {
		tok, err := t.Tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("dpop access token: %w", err)
		}
		accessToken = tok.AccessToken
	}

	origin := req.URL.Scheme + "://" + req.URL.Host
	nonce := t.Nonces.get(origin)

	resp, err := t.send(req, req.Body, nonce, accessToken)
	if err != nil {
		return nil, err
	}

	fresh := resp.Header.Get("DPoP-Nonce")
	if fresh == "" {
		return resp, nil
	}
	t.Nonces.set(origin, fresh)
	if fresh == nonce || !wantsNonce(resp) {
		return resp, nil
	}

	var body io.ReadCloser
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return resp, nil
		}
		if body, err = req.GetBody(); err != nil {
			return resp, nil
		}
	}
	resp.Body.Close()
	return t.send(req, body, fresh, accessToken)
}

func (t *Transport) send(req *http.Request, body io.ReadCloser, nonce, accessToken string) (*http.Response, error) {
	proof, err := t.Key.Proof(req.Method, req.URL.String(), nonce, accessToken)
	if err != nil {
		return nil, err
	}

	r := req.Clone(req.Context())
	r.Body = body
	r.Header.Set("DPoP", proof)
	if accessToken != "" {
		r.Header.Set("Authorization", "DPoP "+accessToken)
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}

// wantsNonce reports whether resp rejected the request for a missing or
// stale nonce. Resource servers say so in WWW-Authenticate, authorization
// servers in a JSON error body. A body read here is put back.
func wantsNonce(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		if strings.Contains(resp.Header.Get("WWW-Authenticate"), "use_dpop_nonce") {
			return true
		}
	case http.StatusBadRequest:
	default:
		return false
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return false
	}

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) != nil {
		return false
	}
	return payload.Error == "use_dpop_nonce"
}
