package main

import (
	"net/http"
	"slices"
	"time"

	"call-signaling/internal/config"
	"call-signaling/internal/httpapi"
	"call-signaling/internal/rbac"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, cfg config.Config, h httpapi.Handlers, ws gin.HandlerFunc, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Token issuance without credential checks; never exposed in production.
	if !cfg.IsProduction() {
		r.POST("/dev/token", h.IssueDevToken)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireIdentity())
	httpapi.RegisterCallRoutes(v1, h, ws)
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowOrigins = origins
	c.AllowCredentials = true
	c.AllowHeaders = []string{"Authorization", "Content-Type", "Origin", "Accept", "X-Request-Id"}
	c.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	c.ExposeHeaders = []string{"X-Request-Id"}
	c.MaxAge = 12 * time.Hour
	return c
}

// originChecker applies the CORS allow-list to websocket upgrades.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		return origin == "" || slices.Contains(origins, origin)
	}
}
