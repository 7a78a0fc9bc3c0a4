package roomtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerify_RoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := Mint("shh-secret", "session_abc", "alice", 2*time.Hour, now)
	require.NoError(t, err)

	claims, err := Verify("shh-secret", token, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "session_abc", claims.Room)
	assert.Equal(t, "alice", claims.Identity)
	assert.ElementsMatch(t, DefaultGrants, claims.Grants)
}

func TestVerify_WrongSecretFails(t *testing.T) {
	now := time.Now()
	token, err := Mint("secret-a", "session_abc", "alice", time.Hour, now)
	require.NoError(t, err)

	_, err = Verify("secret-b", token, now)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_ExpiredFails(t *testing.T) {
	now := time.Now()
	token, err := Mint("secret", "session_abc", "alice", time.Minute, now)
	require.NoError(t, err)

	_, err = Verify("secret", token, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_MalformedToken(t *testing.T) {
	_, err := Verify("secret", "not-a-real-token", time.Now())
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"event":"participant_left","room":{"name":"session_abc"}}`)
	mac := hmac.New(sha256.New, []byte("apisecret"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyWebhookSignature(body, "apisecret", sig))
	assert.False(t, VerifyWebhookSignature(body, "apisecret", "deadbeef"))
	assert.False(t, VerifyWebhookSignature([]byte("tampered"), "apisecret", sig))
}
