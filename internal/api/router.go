// Package api is the admin HTTP surface of a node: health and readiness,
// Prometheus metrics, and read-only views of the journal, trees, peers and
// equivocation evidence. Mutating endpoints require a capability JWT.
package api

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Armour007/aura-core/internal/metrics"
	"github.com/Armour007/aura-core/internal/node"
)

const APIVersion = "2026-10-01"

type Options struct {
	// Checks run on /readyz; the node itself is always ready.
	Checks map[string]Check
	// Tracing adds the otelgin middleware.
	Tracing bool
}

// NewRouter builds the admin router for a.
func NewRouter(a *node.Authority, opts Options) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if opts.Tracing {
		router.Use(otelgin.Middleware("aura-core"))
	}
	router.Use(metrics.Middleware())
	router.Use(RequestIDMiddleware())
	router.Use(VersionMiddleware(APIVersion))
	router.Use(cors.New(CORSConfig()))
	if tp := os.Getenv("AURA_TRUSTED_PROXIES"); tp != "" {
		parts := strings.Split(tp, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if err := router.SetTrustedProxies(parts); err != nil {
			log.Printf("warning: failed to set trusted proxies: %v", err)
		}
	}

	h := &handlers{a: a, checks: opts.Checks}
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/readyz", h.ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/.well-known/jwks.json", h.jwks)

	v1 := router.Group("/v1")
	{
		v1.GET("/journal", h.listFacts)
		v1.GET("/journal/facts/:cid", h.fact)
		v1.GET("/tree", h.tree)
		v1.GET("/tree/:authority", h.tree)
		v1.GET("/peers", h.peers)
		v1.GET("/evidence", h.evidence)
	}
	admin := router.Group("/admin")
	{
		admin.POST("/snapshot", RequireCapability(a, "journal:snapshot"), h.snapshot)
		admin.POST("/anti-entropy", RequireCapability(a, "sync:anti_entropy"), h.antiEntropy)
	}
	return router
}
