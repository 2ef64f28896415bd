// Package auth guards operator endpoints (release trigger, listing upsert)
// with a shared secret.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ticketescrow/internal/logging"
)

// ContextKeyOperator is set on requests that presented the shared secret.
const ContextKeyOperator = "authOperator"

// RequireSecret rejects requests that do not carry secret, either as the
// `secret` query parameter or as `Authorization: Bearer <secret>`.
// An empty secret is a misconfiguration: every request fails with 500.
func RequireSecret(secret string) gin.HandlerFunc {
	want := hashSecret(secret)
	return func(c *gin.Context) {
		if secret == "" {
			logging.L(c.Request.Context()).Error("operator secret not configured")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "not_configured",
				"message": "Operator secret is not configured",
			})
			return
		}

		presented := PresentedSecret(c.Request)
		if presented == "" || subtle.ConstantTimeCompare(hashSecret(presented), want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Valid secret required. Include 'Authorization: Bearer <secret>' header.",
			})
			return
		}

		c.Set(ContextKeyOperator, true)
		c.Next()
	}
}

// PresentedSecret extracts the secret from the bearer header or the query.
func PresentedSecret(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("secret")
}

// IsOperator reports whether the request passed RequireSecret.
func IsOperator(c *gin.Context) bool {
	return c.GetBool(ContextKeyOperator)
}

// hashSecret equalizes lengths so the comparison does not leak them.
func hashSecret(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}
