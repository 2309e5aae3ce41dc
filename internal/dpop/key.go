// Package dpop implements DPoP (RFC 9449) proof-of-possession for AT
// Protocol OAuth: key handling, proof JWTs and an HTTP transport that signs
// every request.
package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Key is a P-256 signing key bound to one OAuth session.
type Key struct {
	priv *ecdsa.PrivateKey
}

// Generate creates a new random key.
func Generate() (*Key, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dpop key: %w", err)
	}
	return &Key{priv: priv}, nil
}

// Parse restores a key produced by Key.String.
func Parse(s string) (*Key, error) {
	der, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode dpop key: %w", err)
	}
	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse dpop key: %w", err)
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("parse dpop key: unsupported curve %s", priv.Curve.Params().Name)
	}
	return &Key{priv: priv}, nil
}

// String serializes the private key for storage. Treat it as a secret.
func (k *Key) String() string {
	der, err := x509.MarshalECPrivateKey(k.priv)
	if err != nil {
		// Only fails for curves x509 does not know; P-256 always works.
		panic(fmt.Sprintf("marshal dpop key: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(der)
}

// JWK returns the public half of the key as a JSON Web Key.
func (k *Key) JWK() map[string]any {
	pub, err := k.priv.PublicKey.ECDH()
	if err != nil {
		panic(fmt.Sprintf("dpop public key: %v", err))
	}
	// Uncompressed point: 0x04 || X || Y.
	raw := pub.Bytes()
	size := (len(raw) - 1) / 2
	return map[string]any{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(raw[1 : 1+size]),
		"y":   base64.RawURLEncoding.EncodeToString(raw[1+size:]),
	}
}

// Proof builds a DPoP proof for one request. nonce and accessToken may be
// empty; a non-empty accessToken adds the ath claim required by resource
// servers.
func (k *Key) Proof(method, target, nonce, accessToken string) (string, error) {
	htu, err := stripQuery(target)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": method,
		"htu": htu,
		"iat": time.Now().Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		claims["ath"] = base64.RawURLEncoding.EncodeToString(sum[:])
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = k.JWK()

	signed, err := token.SignedString(k.priv)
	if err != nil {
		return "", fmt.Errorf("sign dpop proof: %w", err)
	}
	return signed, nil
}

func stripQuery(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("dpop target %q: %w", target, err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
