// Package security provides the bearer-key middleware, access logging, and
// Prometheus metrics for the HTTP surface.
package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/thinkdrop/user-memory-service/internal/mcp"
)

// AuthMiddleware rejects requests whose Authorization header does not carry
// one of the configured bearer keys. An empty key set disables auth, which is
// only sane for local development; a WARN is emitted at setup in that case.
func AuthMiddleware(apiKeys map[string]bool) gin.HandlerFunc {
	if len(apiKeys) == 0 {
		log.Warn("API_KEY is empty; action endpoints are unauthenticated")
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" || !keyMatches(apiKeys, token) {
			log.Warn("Unauthorized request",
				"path", c.Request.URL.Path, "clientIP", c.ClientIP())
			if AuthFailuresTotal != nil {
				AuthFailuresTotal.Inc()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, mcp.Fail(nil, "",
				mcp.CodeUnauthorized, "invalid or missing bearer token", 0))
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// keyMatches compares in constant time against every configured key.
func keyMatches(apiKeys map[string]bool, token string) bool {
	ok := false
	for key := range apiKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			ok = true
		}
	}
	return ok
}
