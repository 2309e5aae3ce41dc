package dpop

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

func TestKeyRoundTrip(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	parsed, err := Parse(key.String())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !parsed.priv.Equal(key.priv) {
		t.Error("Parsed key differs from generated key")
	}

	if _, err := Parse("not a key"); err == nil {
		t.Error("Expected error for garbage input")
	}
}

func TestProof(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	signed, err := key.Proof("POST", "https://pds.example/xrpc/foo?x=1#frag", "n1", "access")
	if err != nil {
		t.Fatalf("Proof failed: %v", err)
	}

	token, err := jwt.Parse(signed, func(*jwt.Token) (any, error) {
		return &key.priv.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatalf("Proof does not verify: %v", err)
	}

	if token.Header["typ"] != "dpop+jwt" {
		t.Errorf("Expected typ dpop+jwt, got %v", token.Header["typ"])
	}
	jwk, ok := token.Header["jwk"].(map[string]any)
	if !ok || jwk["kty"] != "EC" || jwk["crv"] != "P-256" {
		t.Errorf("Unexpected jwk header %v", token.Header["jwk"])
	}

	claims := token.Claims.(jwt.MapClaims)
	if claims["htm"] != "POST" {
		t.Errorf("Expected htm POST, got %v", claims["htm"])
	}
	if claims["htu"] != "https://pds.example/xrpc/foo" {
		t.Errorf("Expected query and fragment stripped from htu, got %v", claims["htu"])
	}
	if claims["nonce"] != "n1" {
		t.Errorf("Expected nonce n1, got %v", claims["nonce"])
	}
	sum := sha256.Sum256([]byte("access"))
	if claims["ath"] != base64.RawURLEncoding.EncodeToString(sum[:]) {
		t.Errorf("Unexpected ath %v", claims["ath"])
	}
	if claims["jti"] == "" {
		t.Error("Expected jti")
	}

	bare, err := key.Proof("GET", "https://as.example/token", "", "")
	if err != nil {
		t.Fatalf("Proof failed: %v", err)
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(bare, jwt.MapClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified failed: %v", err)
	}
	c := parsed.Claims.(jwt.MapClaims)
	if _, ok := c["nonce"]; ok {
		t.Error("Expected no nonce claim")
	}
	if _, ok := c["ath"]; ok {
		t.Error("Expected no ath claim")
	}
}

func proofNonce(t *testing.T, r *http.Request) string {
	t.Helper()
	tok, _, err := jwt.NewParser().ParseUnverified(r.Header.Get("DPoP"), jwt.MapClaims{})
	if err != nil {
		t.Errorf("Bad DPoP header: %v", err)
		return ""
	}
	n, _ := tok.Claims.(jwt.MapClaims)["nonce"].(string)
	return n
}

func TestTransportRetriesWithNonce(t *testing.T) {
	tests := []struct {
		name   string
		reject func(w http.ResponseWriter)
	}{
		{
			name: "resource server",
			reject: func(w http.ResponseWriter) {
				w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
				w.WriteHeader(http.StatusUnauthorized)
			},
		},
		{
			name: "authorization server",
			reject: func(w http.ResponseWriter) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"error":"use_dpop_nonce"}`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				body, _ := io.ReadAll(r.Body)
				if string(body) != "payload" {
					t.Errorf("Expected body to be resent, got %q", body)
				}
				if got := r.Header.Get("Authorization"); got != "DPoP at-123" {
					t.Errorf("Unexpected Authorization %q", got)
				}
				w.Header().Set("DPoP-Nonce", "server-nonce")
				if proofNonce(t, r) != "server-nonce" {
					tt.reject(w)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			key, _ := Generate()
			client := &http.Client{Transport: &Transport{
				Key:    key,
				Nonces: NewNonces(),
				Tokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "at-123"}),
			}}

			resp, err := client.Post(srv.URL, "text/plain", strings.NewReader("payload"))
			if err != nil {
				t.Fatalf("Post failed: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Errorf("Expected 200 after retry, got %d", resp.StatusCode)
			}
			if calls.Load() != 2 {
				t.Errorf("Expected 2 calls, got %d", calls.Load())
			}

			// The nonce is remembered for the next request.
			resp, err = client.Post(srv.URL, "text/plain", strings.NewReader("payload"))
			if err != nil {
				t.Fatalf("Post failed: %v", err)
			}
			resp.Body.Close()
			if calls.Load() != 3 {
				t.Errorf("Expected cached nonce to avoid a retry, got %d calls", calls.Load())
			}
		})
	}
}

func TestTransportDoesNotRetryOtherErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("DPoP-Nonce", "n")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	key, _ := Generate()
	client := &http.Client{Transport: &Transport{Key: key, Nonces: NewNonces()}}

	resp, err := client.Post(srv.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "invalid_grant") {
		t.Errorf("Expected body to survive inspection, got %q", body)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single call, got %d", calls.Load())
	}
}
