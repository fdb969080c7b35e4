package ably

import (
	"errors"
	"fmt"
	"time"

	"consultchat/internal/config"
	"consultchat/internal/service/channel"

	"github.com/golang-jwt/jwt/v5"
)

const (
	capabilityClaim = "x-ably-capability"
	clientIDClaim   = "x-ably-clientId"
)

// TokenIssuer signs Ably JWTs with the secret half of the API key.
type TokenIssuer struct {
	keyName   string
	keySecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewTokenIssuer builds an issuer from the Ably section of the config.
func NewTokenIssuer(cfg config.AblyConfig) (*TokenIssuer, error) {
	if cfg.KeyName() == "" || cfg.KeySecret() == "" {
		return nil, errors.New("ably api key must have the form name:secret")
	}
	ttl := time.Duration(cfg.TokenTTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		keyName:   cfg.KeyName(),
		keySecret: []byte(cfg.KeySecret()),
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

// Issue returns a signed token for clientID carrying the given capability.
func (i *TokenIssuer) Issue(clientID string, capability channel.Capability) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, errors.New("client id required")
	}
	capJSON, err := capability.JSON()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode capability: %w", err)
	}
	now := i.now().UTC()
	expires := now.Add(i.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat":           now.Unix(),
		"exp":           expires.Unix(),
		capabilityClaim: capJSON,
		clientIDClaim:   clientID,
	})
	token.Header["kid"] = i.keyName
	signed, err := token.SignedString(i.keySecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign ably token: %w", err)
	}
	return signed, expires, nil
}
