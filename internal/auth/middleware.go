package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsKey = "claims"

// Config controls bearer authentication.
type Config struct {
	SigningKey string
	Issuer     string
	// Disabled treats every request as a dev operator.
	Disabled bool
}

// Authenticate enforces bearer JWT tokens signed with HS256. WebSocket and
// SSE clients that cannot set headers may pass access_token as a query
// parameter.
func Authenticate(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Disabled {
			c.Set(claimsKey, Claims{Role: RoleOperator, RegisteredClaims: jwt.RegisteredClaims{Subject: "dev"}})
			c.Next()
			return
		}
		tokenStr := bearer(c)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "kind": "unauthorized"})
			return
		}
		claims, err := Parse(tokenStr, cfg.SigningKey, cfg.Issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "kind": "unauthorized"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// Require aborts with 403 unless the caller holds one of roles.
func Require(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated", "kind": "unauthorized"})
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role " + claims.Role + " may not do this", "kind": "forbidden"})
	}
}

// ClaimsFrom returns the claims stored by Authenticate.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// CanActFor reports whether the caller may record attendance for
// participantID: operators for anyone, participants only for themselves.
func CanActFor(c *gin.Context, participantID string) bool {
	claims, ok := ClaimsFrom(c)
	if !ok {
		return false
	}
	return claims.IsOperator() || claims.Subject == participantID
}

func bearer(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return c.Query("access_token")
}
