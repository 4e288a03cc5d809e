package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/capability"
	"github.com/Armour007/aura-core/internal/node"
)

type ctxKey string

const requestIDKey ctxKey = "requestID"

// RequestIDMiddleware ensures every request has an X-Request-ID. If absent, generate one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.New().String()
		}
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), requestIDKey, rid))
		c.Set("requestID", rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

// VersionMiddleware echoes the AURA-Version request header, or the default,
// as X-AURA-Version.
func VersionMiddleware(defaultVersion string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ver := c.GetHeader("AURA-Version")
		if ver == "" {
			ver = defaultVersion
		}
		c.Set("auraVersion", ver)
		c.Writer.Header().Set("X-AURA-Version", ver)
		c.Next()
	}
}

// CORSConfig allows every origin unless AURA_CORS_ORIGINS lists some
// (comma-separated).
func CORSConfig() cors.Config {
	cfg := cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Request-ID", "AURA-Version"},
		ExposeHeaders:   []string{"Content-Length", "X-Request-ID", "X-AURA-Version"},
		MaxAge:          12 * time.Hour,
	}
	if origins := os.Getenv("AURA_CORS_ORIGINS"); origins != "" {
		var allow []string
		for _, p := range strings.Split(origins, ",") {
			if s := strings.TrimSpace(p); s != "" {
				allow = append(allow, s)
			}
		}
		if len(allow) > 0 {
			cfg.AllowAllOrigins = false
			cfg.AllowOrigins = allow
		}
	}
	return cfg
}

// RequireCapability admits requests whose bearer token is a capability JWT
// signed by the node's device key that authorizes operation on the "admin"
// scope.
func RequireCapability(a *node.Authority, operation string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer capability required"})
			return
		}
		tok, err := capability.ParseJWT(raw, a.Signer.PublicKey())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid capability"})
			return
		}
		res, err := a.Eval.Authorize(c.Request.Context(), tok, operation, "admin", a.Clock().NowMs()/1000)
		if err != nil {
			status := http.StatusForbidden
			if !auraerr.Is(err, auraerr.KindAuthorization) {
				status = http.StatusInternalServerError
			}
			c.AbortWithStatusJSON(status, gin.H{"error": "capability denied", "reason": res.Reason})
			return
		}
		c.Set("capabilityDevice", tok.Device.String())
		c.Next()
	}
}
