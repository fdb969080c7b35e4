package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"consultchat/internal/config"
	"consultchat/internal/redis"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenRevoked  = errors.New("token revoked")
)

const (
	roleConsultant = "consultant"
	roleClient     = "client"

	revokedTokenPrefix  = "auth:revoked:"
	revokedBeforePrefix = "auth:revoked_before:"
)

// Principal is the authenticated caller, built from verified token claims.
type Principal struct {
	ID         string
	Consultant bool
}

// Role names the principal's role the way it is written into tokens.
func (p Principal) Role() string {
	if p.Consultant {
		return roleConsultant
	}
	return roleClient
}

// Claims is the payload of an application token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service issues, validates, and revokes user authentication tokens.
type Service struct {
	secret         []byte
	issuer         string
	audience       string
	tokenTTL       time.Duration
	cache          *redis.Client
	now            func() time.Time
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service. cache may be nil, in which case
// tokens cannot be revoked before they expire.
func NewService(cfg config.JWTConfig, cache *redis.Client) *Service {
	ttl := time.Duration(cfg.ExpiryMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		secret:         []byte(cfg.SecretKey),
		issuer:         cfg.Issuer,
		audience:       cfg.Audience,
		tokenTTL:       ttl,
		cache:          cache,
		now:            time.Now,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// IssueToken signs a new token for the principal.
func (s *Service) IssueToken(_ context.Context, p Principal) (string, error) {
	if p.ID == "" {
		return "", errors.New("invalid user id")
	}
	now := s.now()
	claims := Claims{
		Role: p.Role(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidateToken verifies signature, expiry and revocation and returns the
// principal the token was issued to.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (Principal, error) {
	claims, err := s.parse(authToken)
	if err != nil {
		return Principal{}, err
	}
	if err := s.checkRevoked(ctx, claims); err != nil {
		return Principal{}, err
	}
	return Principal{ID: claims.Subject, Consultant: claims.Role == roleConsultant}, nil
}

func (s *Service) parse(authToken string) (*Claims, error) {
	if authToken == "" {
		return nil, ErrTokenRequired
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(authToken, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) checkRevoked(ctx context.Context, claims *Claims) error {
	if s.cache == nil {
		return nil
	}
	revoked, err := s.cache.Exists(ctx, revokedTokenPrefix+claims.ID)
	if err != nil {
		return fmt.Errorf("lookup revocation: %w", err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	raw, err := s.cache.Get(ctx, revokedBeforePrefix+claims.Subject)
	if errors.Is(err, redis.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup revocation: %w", err)
	}
	before, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	if claims.IssuedAt == nil || claims.IssuedAt.Unix() < before {
		return ErrTokenRevoked
	}
	return nil
}

// RevokeToken blacklists a single token until it would have expired anyway.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" || s.cache == nil {
		return nil
	}
	claims, err := s.parse(authToken)
	if err != nil {
		// expired or forged tokens are already unusable
		return nil
	}
	ttl := claims.ExpiresAt.Time.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.cache.Set(ctx, revokedTokenPrefix+claims.ID, "1", ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// RevokeUserTokens invalidates every token issued to the user before the
// current second.
func (s *Service) RevokeUserTokens(ctx context.Context, userID string) error {
	if userID == "" || s.cache == nil {
		return nil
	}
	watermark := strconv.FormatInt(s.now().Unix(), 10)
	if err := s.cache.Set(ctx, revokedBeforePrefix+userID, watermark, s.tokenTTL); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
