package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const ContextSubjectKey = "auth_subject"

// Middleware requires a valid HS256 service token carrying scope (empty scope
// accepts any valid token).
func Middleware(secret []byte, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}
		if !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "missing scope"})
			return
		}

		c.Set(ContextSubjectKey, claims.Subject)
		c.Next()
	}
}
