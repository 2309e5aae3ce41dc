package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/blackmichael/bluesky-readwise/internal/domain"
	"github.com/blackmichael/bluesky-readwise/internal/dpop"
)

// Scope is requested for every session: repo access plus chat.
const Scope = "atproto transition:generic transition:chat.bsky"

// TokenSet is the result of a completed login or refresh.
type TokenSet struct {
	DID    string
	Handle string
	PDSURL string

	Issuer        string
	TokenEndpoint string

	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresAt    time.Time

	// DPoPKey is the serialized dpop.Key the tokens are bound to.
	DPoPKey string
}

// Token returns the access token in x/oauth2 form.
func (t *TokenSet) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    "DPoP",
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
}

// Exchanger talks to authorization servers on behalf of the login Service.
type Exchanger interface {
	// InitAuthorization prepares a login for handle and returns the request
	// to remember plus the URL to send the user to.
	InitAuthorization(ctx context.Context, handle string) (*PendingAuthorization, string, error)

	// CompleteAuthorization redeems code for tokens.
	CompleteAuthorization(ctx context.Context, p *PendingAuthorization, code string) (*TokenSet, error)

	// Refresh trades the refresh token in t for a new TokenSet.
	Refresh(ctx context.Context, t *TokenSet) (*TokenSet, error)
}

// ClientConfig identifies this service as an OAuth public client.
type ClientConfig struct {
	// PublicURL is the externally reachable base URL, without trailing slash.
	PublicURL string

	// ResolverHost answers com.atproto.identity.resolveHandle.
	ResolverHost string

	// PLCDirectory resolves did:plc identifiers.
	PLCDirectory string
}

// ClientID is the URL of the client metadata document.
func (c ClientConfig) ClientID() string {
	return c.PublicURL + "/oauth/client-metadata.json"
}

// RedirectURI is where the authorization server sends the user back.
func (c ClientConfig) RedirectURI() string {
	return c.PublicURL + "/auth/callback"
}

// Metadata is the client metadata document served at ClientID.
func (c ClientConfig) Metadata() map[string]any {
	return map[string]any{
		"client_id":                  c.ClientID(),
		"client_name":                "Bluesky to Readwise",
		"client_uri":                 c.PublicURL,
		"redirect_uris":              []string{c.RedirectURI()},
		"scope":                      Scope,
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"application_type":           "web",
		"token_endpoint_auth_method": "none",
		"dpop_bound_access_tokens":   true,
	}
}

// ATProto is the Exchanger for AT Protocol authorization servers. It runs
// identity resolution, pushed authorization requests with PKCE and DPoP
// bound token requests.
type ATProto struct {
	cfg    ClientConfig
	client *http.Client
	nonces *dpop.Nonces
}

// NewATProto creates an ATProto exchanger.
func NewATProto(cfg ClientConfig) *ATProto {
	if cfg.ResolverHost == "" {
		cfg.ResolverHost = "https://public.api.bsky.app"
	}
	if cfg.PLCDirectory == "" {
		cfg.PLCDirectory = "https://plc.directory"
	}
	return &ATProto{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		nonces: dpop.NewNonces(),
	}
}

func (a *ATProto) InitAuthorization(ctx context.Context, handle string) (*PendingAuthorization, string, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return nil, "", fmt.Errorf("handle is required")
	}

	did, err := a.resolveHandle(ctx, handle)
	if err != nil {
		return nil, "", fmt.Errorf("resolve handle %s: %w", handle, err)
	}
	pds, err := a.resolvePDS(ctx, did)
	if err != nil {
		return nil, "", fmt.Errorf("resolve pds for %s: %w", did, err)
	}
	server, err := a.discover(ctx, pds)
	if err != nil {
		return nil, "", fmt.Errorf("discover authorization server for %s: %w", pds, err)
	}

	key, err := dpop.Generate()
	if err != nil {
		return nil, "", err
	}

	verifier := oauth2.GenerateVerifier()
	state := randomToken()
	nonce := randomToken()

	form := url.Values{
		"client_id":             {a.cfg.ClientID()},
		"response_type":         {"code"},
		"redirect_uri":          {a.cfg.RedirectURI()},
		"scope":                 {Scope},
		"state":                 {state},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
		"login_hint":            {handle},
	}

	var par struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int    `json:"expires_in"`
	}
	if err := a.postForm(ctx, key, server.PAREndpoint, form, &par); err != nil {
		return nil, "", fmt.Errorf("pushed authorization request: %w", err)
	}

	now := time.Now()
	p := &PendingAuthorization{
		State:        state,
		PKCEVerifier: verifier,
		Nonce:        nonce,
		DPoPKey:      key.String(),
		Issuer:       server.Issuer,
		AuthServer:   *server,
		DID:          did,
		Handle:       handle,
		PDSURL:       pds,
		CreatedAt:    now,
	}
	if par.ExpiresIn > 0 {
		p.ExpiresAt = now.Add(time.Duration(par.ExpiresIn) * time.Second)
	}

	redirect := server.AuthorizationEndpoint + "?" + url.Values{
		"client_id":   {a.cfg.ClientID()},
		"request_uri": {par.RequestURI},
	}.Encode()

	return p, redirect, nil
}

func (a *ATProto) CompleteAuthorization(ctx context.Context, p *PendingAuthorization, code string) (*TokenSet, error) {
	key, err := dpop.Parse(p.DPoPKey)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {a.cfg.RedirectURI()},
		"code_verifier": {p.PKCEVerifier},
		"client_id":     {a.cfg.ClientID()},
	}

	tokens, err := a.requestTokens(ctx, key, p.AuthServer.TokenEndpoint, form)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if p.DID != "" && tokens.DID != p.DID {
		return nil, fmt.Errorf("token subject %s does not match %s", tokens.DID, p.DID)
	}

	tokens.Handle = p.Handle
	tokens.PDSURL = p.PDSURL
	tokens.Issuer = p.Issuer
	tokens.TokenEndpoint = p.AuthServer.TokenEndpoint
	tokens.DPoPKey = p.DPoPKey
	return tokens, nil
}

func (a *ATProto) Refresh(ctx context.Context, t *TokenSet) (*TokenSet, error) {
	if t.RefreshToken == "" {
		return nil, fmt.Errorf("refresh %s: %w", t.DID, domain.ErrAuthenticationRequired)
	}
	key, err := dpop.Parse(t.DPoPKey)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {t.RefreshToken},
		"client_id":     {a.cfg.ClientID()},
	}

	fresh, err := a.requestTokens(ctx, key, t.TokenEndpoint, form)
	if err != nil {
		return nil, fmt.Errorf("refresh tokens for %s: %w", t.DID, err)
	}
	if fresh.DID != t.DID {
		return nil, fmt.Errorf("refreshed token subject %s does not match %s", fresh.DID, t.DID)
	}

	fresh.Handle = t.Handle
	fresh.PDSURL = t.PDSURL
	fresh.Issuer = t.Issuer
	fresh.TokenEndpoint = t.TokenEndpoint
	fresh.DPoPKey = t.DPoPKey
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = t.RefreshToken
	}
	return fresh, nil
}

func (a *ATProto) requestTokens(ctx context.Context, key *dpop.Key, endpoint string, form url.Values) (*TokenSet, error) {
	var resp struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
		Sub          string `json:"sub"`
	}
	if err := a.postForm(ctx, key, endpoint, form, &resp); err != nil {
		return nil, err
	}
	if !strings.EqualFold(resp.TokenType, "DPoP") {
		return nil, fmt.Errorf("unexpected token type %q", resp.TokenType)
	}
	if resp.Sub == "" {
		return nil, fmt.Errorf("token response has no subject")
	}

	return &TokenSet{
		DID:          resp.Sub,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Scope:        resp.Scope,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

func (a *ATProto) postForm(ctx context.Context, key *dpop.Key, endpoint string, form url.Values, result any) error {
	if endpoint == "" {
		return fmt.Errorf("authorization server has no endpoint for this request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := &http.Client{
		Timeout:   a.client.Timeout,
		Transport: &dpop.Transport{Key: key, Nonces: a.nonces, Base: a.client.Transport},
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, result)
}

func (a *ATProto) getJSON(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, result)
}

func decodeResponse(resp *http.Response, result any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &domain.UpstreamError{Service: "oauth", Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (a *ATProto) resolveHandle(ctx context.Context, handle string) (string, error) {
	if strings.HasPrefix(handle, "did:") {
		return handle, nil
	}

	var out struct {
		DID string `json:"did"`
	}
	endpoint := a.cfg.ResolverHost + "/xrpc/com.atproto.identity.resolveHandle?" + url.Values{"handle": {handle}}.Encode()
	if err := a.getJSON(ctx, endpoint, &out); err != nil {
		return "", err
	}
	if out.DID == "" {
		return "", fmt.Errorf("no did for handle")
	}
	return out.DID, nil
}

func (a *ATProto) resolvePDS(ctx context.Context, did string) (string, error) {
	var docURL string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		docURL = a.cfg.PLCDirectory + "/" + did
	case strings.HasPrefix(did, "did:web:"):
		docURL = "https://" + strings.TrimPrefix(did, "did:web:") + "/.well-known/did.json"
	default:
		return "", fmt.Errorf("unsupported did method: %s", did)
	}

	var doc struct {
		Service []struct {
			ID              string `json:"id"`
			Type            string `json:"type"`
			ServiceEndpoint string `json:"serviceEndpoint"`
		} `json:"service"`
	}
	if err := a.getJSON(ctx, docURL, &doc); err != nil {
		return "", err
	}
	for _, s := range doc.Service {
		if strings.HasSuffix(s.ID, "#atproto_pds") && s.Type == "AtprotoPersonalDataServer" {
			return strings.TrimRight(s.ServiceEndpoint, "/"), nil
		}
	}
	return "", fmt.Errorf("did document has no pds service")
}

func (a *ATProto) discover(ctx context.Context, pds string) (*AuthServer, error) {
	var resource struct {
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := a.getJSON(ctx, pds+"/.well-known/oauth-protected-resource", &resource); err != nil {
		return nil, fmt.Errorf("protected resource metadata: %w", err)
	}
	if len(resource.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("pds lists no authorization servers")
	}
	issuer := strings.TrimRight(resource.AuthorizationServers[0], "/")

	var server AuthServer
	if err := a.getJSON(ctx, issuer+"/.well-known/oauth-authorization-server", &server); err != nil {
		return nil, fmt.Errorf("authorization server metadata: %w", err)
	}
	if server.Issuer != issuer {
		return nil, fmt.Errorf("authorization server issuer %q does not match %q", server.Issuer, issuer)
	}
	return &server, nil
}

func randomToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
