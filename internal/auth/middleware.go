package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	principalContextKey = "auth_principal"
	authTokenContextKey = "auth_token"
	cookieAuthKey       = "auth_via_cookie"
)

// Middleware validates bearer tokens or the auth cookie and stores the
// authenticated principal in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken, fromCookie := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		principal, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			switch {
			case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenRevoked):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenRequired):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			default:
				// revocation store unreachable; the token itself may be fine
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "authentication unavailable"})
			}
			return
		}
		c.Set(principalContextKey, principal)
		c.Set(authTokenContextKey, authToken)
		c.Set(cookieAuthKey, fromCookie)
		c.Next()
	}
}

// PrincipalFromContext retrieves the authenticated principal from the gin context.
func PrincipalFromContext(c *gin.Context) (Principal, bool) {
	val, ok := c.Get(principalContextKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := val.(Principal)
	return p, ok && p.ID != ""
}

// AuthTokenFromContext retrieves the token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

// extractToken prefers the Authorization header over the auth cookie and
// reports whether the token came from the cookie.
func (s *Service) extractToken(c *gin.Context) (string, bool) {
	if token, ok := bearerToken(c.GetHeader(s.headerName)); ok {
		return token, false
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token, true
	}
	return "", false
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
