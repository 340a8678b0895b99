package log

import (
	"time"

	"github.com/gin-gonic/gin"
)

const contextKeyHijacked = "connection_hijacked"

// MarkHijacked records in the gin context that the handler took over the
// underlying connection. WebSocket handlers call this before upgrading;
// net/http offers no way to ask afterwards (golang/go#16456), and touching
// c.Writer on a hijacked connection logs a spurious warning.
func MarkHijacked(c *gin.Context) {
	c.Set(contextKeyHijacked, true)
}

// IsHijacked reports whether MarkHijacked was called for this request.
func IsHijacked(c *gin.Context) bool {
	hijacked, exists := c.Get(contextKeyHijacked)
	return exists && hijacked.(bool)
}

// GinLogger returns request-logging middleware writing through the http
// module logger. Upgraded WebSocket requests are skipped; their lifecycle is
// logged by the handlers that own the sockets.
func GinLogger() gin.HandlerFunc {
	httpLogger := GetLogger("http")

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if IsHijacked(c) {
			return
		}

		status := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}

		event := httpLogger.Info()
		if status >= 500 {
			event = httpLogger.Error()
		} else if status >= 400 {
			event = httpLogger.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP())

		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			event.Str("error", errs)
		}

		event.Msg("request")
	}
}
