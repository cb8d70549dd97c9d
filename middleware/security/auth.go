package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"IMSync/tools/errs"
	"IMSync/tools/security"
)

// CtxIdentityKey is where the verified identity lands in the gin context.
const CtxIdentityKey = "identity"

// Middleware verifies the bearer token and injects the caller identity.
// WebSocket clients can't always set headers, so a `token` query parameter
// is accepted as a fallback.
func Middleware(opts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenMalformed.WithDetail("missing token"))
			return
		}

		ident, err := security.Verify(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, err)
			return
		}
		c.Set(CtxIdentityKey, ident)
		c.Next()
	}
}

// Identity fetches the verified identity placed by Middleware.
func Identity(c *gin.Context) (*security.Identity, bool) {
	v, ok := c.Get(CtxIdentityKey)
	if !ok {
		return nil, false
	}
	ident, ok := v.(*security.Identity)
	return ident, ok
}
