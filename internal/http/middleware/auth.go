package middleware

import (
	"net/http"
	"strings"

	"lime_farm/internal/service"

	"github.com/gin-gonic/gin"
)

// UserIDKey is where Auth stores the token subject.
const UserIDKey = "user_id"

// Auth requires a bearer token whose subject owns the :userId in the path.
// A nil issuer disables the check.
func Auth(tokens *service.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			deny(c, http.StatusUnauthorized, "missing_token", "missing bearer token")
			return
		}
		sub, err := tokens.Parse(strings.TrimSpace(raw))
		if err != nil {
			deny(c, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
			return
		}
		if id := c.Param("userId"); id != "" && id != sub {
			deny(c, http.StatusForbidden, "forbidden", "token does not grant access to this user")
			return
		}

		c.Set(UserIDKey, sub)
		c.Next()
	}
}

func deny(c *gin.Context, status int, code, msg string) {
	kind := "unauthorized"
	if status == http.StatusForbidden {
		kind = "forbidden"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{
		"kind":    kind,
		"code":    code,
		"message": msg,
	}})
}
