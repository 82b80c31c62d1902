// Package api wires the HTTP routes of the site provisioner.
//
// Provisioning routes (/api/v1/sites and the /wp-json compatibility alias) sit behind the
// rate limiter and, when security.api_token_hash is set, the bearer token guard. Health,
// readiness and version routes are open so that load balancers and orchestrators can
// probe them.
package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/site-provisioner/site-provisioner/internal/api/sites"
	"github.com/site-provisioner/site-provisioner/internal/config"
	"github.com/site-provisioner/site-provisioner/internal/middleware"
)

// Version is the build version reported by /version. Release builds set it with
// -ldflags "-X github.com/site-provisioner/site-provisioner/internal/api.Version=v1.2.3".
var Version = "dev"

const readinessTimeout = 5 * time.Second

// Pinger is satisfied by *sql.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ReadinessCheck probes one dependency for /ready
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies are the collaborators the routes need
type Dependencies struct {
	Provisioner sites.Provisioner
	Tenants     sites.TenantLookup
	// ControlDB is pinged by /health
	ControlDB Pinger
	// Checks are run in order by /ready
	Checks []ReadinessCheck
	// Limiter guards the provisioning routes; nil disables rate limiting
	Limiter middleware.Limiter
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(deps.ControlDB))
	router.GET("/ready", readinessHandler(deps.Checks))
	router.GET("/version", versionHandler())

	guarded := []gin.HandlerFunc{}
	if deps.Limiter != nil {
		guarded = append(guarded, middleware.RateLimitMiddleware(deps.Limiter))
	}
	guarded = append(guarded, middleware.BearerAuthMiddleware(cfg.Security.APITokenHash))

	sitesHandler := sites.NewHandler(deps.Provisioner, deps.Tenants)

	v1 := router.Group("/api/v1", guarded...)
	{
		v1.POST("/sites", sitesHandler.Create)
		v1.GET("/sites/:identifier", sitesHandler.Get)
	}

	compat := router.Group("/wp-json/custom/v1", guarded...)
	{
		compat.POST("/create-site", sitesHandler.CreateCompat)
	}

	return router
}

// @Summary      Health check
// @Description  Liveness probe. Pings the control-plane database.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /health [get]
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database connection failed",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service can provision sites: control database, tenant host, storage backend and seed file.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /ready [get]
// readinessHandler runs every check and reports each one, failing when any does
func readinessHandler(checks []ReadinessCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		defer cancel()

		results := gin.H{}
		ready := true
		for _, check := range checks {
			if err := check.Check(ctx); err != nil {
				results[check.Name] = "unhealthy"
				ready = false
				continue
			}
			results[check.Name] = "healthy"
		}

		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  ready,
			"checks": results,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
			"go_version":  runtime.Version(),
		})
	}
}
