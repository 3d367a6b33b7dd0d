package middleware

import (
	"net/http"
	"strings"

	"project-realtime-server/internal/auth"

	"github.com/gin-gonic/gin"
)

// IdentityMiddleware resolves the caller's user ID and stores it in the
// context as "user_id". A bearer token (header or ?token=) always wins and
// must be valid. Without a token, and only when tokens are not required, the
// upstream-authenticated ?userId= or X-User-ID value is accepted as is.
func IdentityMiddleware(tokenRequired bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
		// Fallback for WebSocket/browser where custom headers cannot be set
		if tokenString == "" {
			tokenString = c.Query("token")
		}

		if tokenString != "" {
			claims, err := auth.ValidateToken(tokenString)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
				c.Abort()
				return
			}
			c.Set("user_id", claims.UserID)
			c.Set("username", claims.Username)
			c.Next()
			return
		}

		if tokenRequired {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization token is required"})
			c.Abort()
			return
		}

		userID := strings.TrimSpace(c.Query("userId"))
		if userID == "" {
			userID = strings.TrimSpace(c.GetHeader("X-User-ID"))
		}
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User ID is required"})
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}
