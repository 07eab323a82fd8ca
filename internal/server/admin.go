package server

import (
	"net/http"
	"time"

	"github.com/danmuck/remoteobj/internal/auth"
	"github.com/danmuck/remoteobj/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const adminComponent = "objectd"

// AdminHandler serves health, readiness, pool state and metrics over HTTP.
func (s *Service) AdminHandler() http.Handler {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(adminComponent))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": adminComponent,
		})
	})

	guarded := r.Group("/")
	if s.cfg.AdminToken != "" {
		guarded.Use(requireToken(auth.StaticToken{Token: s.cfg.AdminToken}))
	}
	guarded.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":     s.Ready(),
			"component": adminComponent,
		})
	})
	guarded.GET("/pool", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"size":      s.pool.Size(),
			"available": s.pool.Available(),
			"busy":      s.pool.Busy(),
		})
	})
	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok || v.Validate(token) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
