package api

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xiaoyuanzhu-com/claude-bridge/config"
)

// AuthMiddleware enforces the configured bearer token. With no token
// configured the server is open (local single-user deployments). WebSocket
// clients may pass the token as a query parameter since browsers cannot set
// headers on WebSocket dials.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := config.Get().AuthToken
		if token == "" {
			c.Next()
			return
		}

		if subtle.ConstantTimeCompare([]byte(requestToken(c)), []byte(token)) != 1 {
			c.Abort()
			RespondUnauthorized(c, "invalid or missing token")
			return
		}

		c.Next()
	}
}

func requestToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}
