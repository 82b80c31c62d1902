package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/site-provisioner/site-provisioner/internal/auth"
)

// BearerAuthMiddleware requires an Authorization: Bearer token matching tokenHash, a
// bcrypt hash produced by cmd/hash. An empty tokenHash disables the check.
func BearerAuthMiddleware(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenHash == "" {
			c.Next()
			return
		}

		token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="site-provisioner"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "Authentication required",
				"error":   err.Error(),
			})
			return
		}

		if !auth.ValidateAPIToken(token, tokenHash) {
			c.Header("WWW-Authenticate", `Bearer realm="site-provisioner", error="invalid_token"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "Invalid API token",
			})
			return
		}

		c.Next()
	}
}
