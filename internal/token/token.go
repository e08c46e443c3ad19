// Package token implements the broker's opaque credential codec: prefixed
// bearer tokens, SHA-256 hashing for at-rest storage, PKCE S256
// challenge/verification, and audience normalization.
//
// Plaintext tokens are returned to the caller exactly once; only their
// SHA-256 hex digests are ever persisted.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Token prefixes identify the credential class without revealing anything
// about its contents. The prefix is part of the wire contract.
const (
	PrefixAccess  = "sc_at_"
	PrefixRefresh = "sc_rt_"
	PrefixCode    = "sc_ac_"
)

// Credential lifetimes.
const (
	AccessTokenTTL  = 3600 * time.Second
	RefreshTokenTTL = 30 * 24 * time.Hour
	AuthCodeTTL     = 600 * time.Second
)

// tokenEntropyBytes is the CSPRNG body size: 32 bytes = 256 bits.
const tokenEntropyBytes = 32

// newOpaque returns prefix + base64url(random 256 bits) without padding.
func newOpaque(prefix string) (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewAccessToken mints an opaque access token (sc_at_…).
func NewAccessToken() (string, error) { return newOpaque(PrefixAccess) }

// NewRefreshToken mints an opaque refresh token (sc_rt_…).
func NewRefreshToken() (string, error) { return newOpaque(PrefixRefresh) }

// NewAuthorizationCode mints an opaque authorization code (sc_ac_…).
func NewAuthorizationCode() (string, error) { return newOpaque(PrefixCode) }

// NewSessionToken returns a 32-byte random hex string. Used for short-lived
// terminal viewer tokens which travel in URLs and must stay plain-hex.
func NewSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 digest of a plaintext token.
// Deterministic: the same plaintext always hashes to the same value.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// VerifyTokenHash reports whether plaintext hashes to storedHash, in
// constant time with respect to the digest comparison.
func VerifyTokenHash(plaintext, storedHash string) bool {
	computed := HashToken(plaintext)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// ─── PKCE (RFC 7636) ─────────────────────────────────────────────────────────

const (
	verifierMinLen = 43
	verifierMaxLen = 128
)

// ValidateVerifier checks the RFC 7636 constraints on a code_verifier:
// length 43–128 over the unreserved set [A-Za-z0-9-._~].
func ValidateVerifier(verifier string) error {
	if len(verifier) < verifierMinLen || len(verifier) > verifierMaxLen {
		return fmt.Errorf("code_verifier length must be %d-%d characters, got %d",
			verifierMinLen, verifierMaxLen, len(verifier))
	}
	for i := 0; i < len(verifier); i++ {
		c := verifier[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return fmt.Errorf("code_verifier contains invalid character %q", c)
		}
	}
	return nil
}

// GenerateS256Challenge computes BASE64URL(SHA256(verifier)) per RFC 7636 §4.2.
func GenerateS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyS256 checks a code_verifier against a stored code_challenge.
// Only the S256 method is supported; "plain" is rejected outright.
// The comparison is constant-time.
func VerifyS256(challenge, verifier, method string) bool {
	if method != "S256" {
		return false
	}
	if err := ValidateVerifier(verifier); err != nil {
		return false
	}
	computed := GenerateS256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ─── Audience binding ────────────────────────────────────────────────────────

// NormalizeAudience strips any trailing slashes so that
// "https://host/mcp/x" and "https://host/mcp/x/" compare equal.
func NormalizeAudience(aud string) string {
	return strings.TrimRight(aud, "/")
}

// AudienceMatches reports whether a token audience grants access to the
// requested endpoint URL, after trailing-slash normalization.
func AudienceMatches(tokenAudience, endpointURL string) bool {
	return NormalizeAudience(tokenAudience) == NormalizeAudience(endpointURL)
}
