// Package roomtoken mints and verifies the two HMAC-SHA256 artifacts the
// control plane exchanges with the room service: a room-join credential
// handed to the client in StartSession's response, and the webhook
// signature the room service attaches to delivery callbacks. Both are
// grounded on the teacher's claims-token idiom in
// internal/control/http/v3/live_playback_attestation.go, simplified to a
// single signing key since this domain has no key-rotation requirement.
package roomtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const tokenVersion = "v1"

// allowedClockSkew tolerates minor clock drift between this process and
// whatever verifies the token later (none, today — verification happens
// only inside this process — but kept for parity with the teacher pattern
// and as headroom for a future external verifier).
const allowedClockSkew = 15 * time.Second

var (
	// ErrMalformedToken is returned when a token doesn't parse as
	// version.payload.signature.
	ErrMalformedToken = errors.New("roomtoken: malformed token")
	// ErrBadSignature is returned when the HMAC over the payload doesn't
	// match the supplied signature.
	ErrBadSignature = errors.New("roomtoken: signature mismatch")
	// ErrExpired is returned when the token's expiry has passed.
	ErrExpired = errors.New("roomtoken: expired")
)

// Claims describes a minted room-join credential.
type Claims struct {
	Room      string   `json:"room"`
	Identity  string   `json:"identity"`
	Grants    []string `json:"grants"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
}

// DefaultGrants is the fixed grant set §4.5.1 step 6 issues to every
// room-join credential.
var DefaultGrants = []string{"join", "publish", "subscribe", "publishData"}

// Mint builds a room-join credential for room/identity, valid for ttl,
// signed with secret (the configured LIVEKIT_API_SECRET). issuedAt is
// passed in rather than read from time.Now() so callers control the clock.
func Mint(secret, room, identity string, ttl time.Duration, issuedAt time.Time) (string, error) {
	claims := Claims{
		Room:      room,
		Identity:  identity,
		Grants:    DefaultGrants,
		IssuedAt:  issuedAt.Unix(),
		ExpiresAt: issuedAt.Add(ttl).Unix(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("roomtoken: marshal claims: %w", err)
	}

	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	sig := sign(encodedPayload, secret)
	encodedSig := base64.RawURLEncoding.EncodeToString(sig)

	return tokenVersion + "." + encodedPayload + "." + encodedSig, nil
}

// Verify parses and validates a token minted by Mint, checking the
// signature and expiry (with allowedClockSkew leeway) against now.
func Verify(secret, token string, now time.Time) (Claims, error) {
	var claims Claims

	parts := splitToken(token)
	if len(parts) != 3 || parts[0] != tokenVersion {
		return claims, ErrMalformedToken
	}

	expectedSig := sign(parts[1], secret)
	gotSig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return claims, ErrMalformedToken
	}
	if !hmac.Equal(expectedSig, gotSig) {
		return claims, ErrBadSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return claims, ErrMalformedToken
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, ErrMalformedToken
	}

	if now.After(time.Unix(claims.ExpiresAt, 0).Add(allowedClockSkew)) {
		return claims, ErrExpired
	}

	return claims, nil
}

func sign(encodedPayload, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encodedPayload))
	return mac.Sum(nil)
}

func splitToken(token string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			parts = append(parts, token[start:i])
			start = i + 1
		}
	}
	parts = append(parts, token[start:])
	return parts
}

// VerifyWebhookSignature checks the X-LiveKit-Signature header against
// hex(HMAC_SHA256(rawBody, secret)), constant-time (§6 "Webhook signature").
func VerifyWebhookSignature(rawBody []byte, secret, providedHex string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(providedHex)) == 1
}
