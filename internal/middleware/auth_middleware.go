// internal/middleware/auth_middleware.go
package middleware

import (
	"net/http"
	"strings"

	"billing-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// OpsAuthMiddleware guards the operational control surface (scheduler
// endpoints) with an HS256 bearer token.
type OpsAuthMiddleware struct {
	secret []byte
}

func NewOpsAuthMiddleware(secret string) *OpsAuthMiddleware {
	return &OpsAuthMiddleware{secret: []byte(secret)}
}

// Auth validates the Authorization bearer token and sets the operator subject
// on the request context.
func (m *OpsAuthMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.Error(c, http.StatusUnauthorized, "missing authorization token", nil)
			return
		}

		claims := jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return m.secret, nil
		})
		if err != nil || !parsed.Valid {
			response.Error(c, http.StatusUnauthorized, "invalid or expired token", err)
			return
		}

		c.Set("operator", claims.Subject)
		c.Next()
	}
}

// extractToken extracts Bearer token from Authorization header
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return ""
}
