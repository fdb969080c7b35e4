package ably

import (
	"encoding/json"
	"testing"
	"time"

	"consultchat/internal/config"
	"consultchat/internal/service/channel"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuerSignsAblyJWT(t *testing.T) {
	issuer, err := NewTokenIssuer(config.AblyConfig{APIKey: "app.key:s3cret", TokenTTLMinutes: 30})
	require.NoError(t, err)
	fixed := time.Date(2025, 5, 9, 10, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return fixed }

	signed, expires, err := issuer.Issue("u7", channel.Grant("u7", false))
	require.NoError(t, err)
	require.Equal(t, fixed.Add(30*time.Minute), expires)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (interface{}, error) {
		require.Equal(t, "app.key", tok.Header["kid"])
		return []byte("s3cret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return fixed }))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	require.Equal(t, "u7", claims[clientIDClaim])
	var capability map[string][]string
	require.NoError(t, json.Unmarshal([]byte(claims[capabilityClaim].(string)), &capability))
	require.Equal(t, []string{"publish", "subscribe"}, capability["chat:u7:*"])
	require.Contains(t, capability, "chat:*:u7")
}

func TestTokenIssuerValidation(t *testing.T) {
	_, err := NewTokenIssuer(config.AblyConfig{APIKey: "no-secret"})
	require.Error(t, err)

	issuer, err := NewTokenIssuer(config.AblyConfig{APIKey: "a.b:c"})
	require.NoError(t, err)
	_, _, err = issuer.Issue("", channel.Grant("x", true))
	require.Error(t, err)
}
