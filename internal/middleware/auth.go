package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"socialhub-backend/pkg/jwt"
	"socialhub-backend/pkg/logger"
	"socialhub-backend/pkg/response"
)

// RevocationChecker reports whether a token id was revoked
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// AuthMiddleware validates the bearer token and pins every request to the
// agent's local user. WebSocket upgrades may pass the token as the
// access_token query parameter since browsers cannot set headers there.
// revocation may be nil.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocation RevocationChecker, localUserID uuid.UUID) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if revocation != nil && claims.ID != "" {
			revoked, err := revocation.IsRevoked(c.Request.Context(), claims.ID)
			if err != nil {
				// Fail open: the signature and expiry were already checked.
				logger.Warn("Token revocation check failed", zap.Error(err))
			} else if revoked {
				response.Unauthorized(c, "Token revoked")
				c.Abort()
				return
			}
		}

		if claims.UserID != localUserID {
			response.Forbidden(c, "Token does not belong to this agent's user")
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if c.IsWebsocket() {
		if token := c.Query("access_token"); token != "" {
			return token, true
		}
	}
	return "", false
}

// UserID returns the authenticated user set by AuthMiddleware
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
