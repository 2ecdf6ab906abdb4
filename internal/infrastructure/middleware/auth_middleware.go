package middleware

import (
	"net/http"
	"strings"

	"watchparty/internal/core/services"
	"watchparty/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AuthorKey is the gin context key holding the authenticated comment author.
const AuthorKey = "author"

// AuthMiddleware requires a Bearer token. Browsers cannot set headers on
// websocket upgrades, so a ?token= query parameter is accepted as well.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "authorization header required",
			})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": err.Error(),
			})
			return
		}

		c.Set(AuthorKey, claims.Author)
		c.Request = c.Request.WithContext(logger.WithValue(c.Request.Context(), logger.AuthorKey, claims.Author))
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if q := c.Query("token"); q != "" {
			return q, true
		}
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Author returns the author set by AuthMiddleware.
func Author(c *gin.Context) string {
	return c.GetString(AuthorKey)
}
