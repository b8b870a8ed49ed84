// Package api wires together all HTTP routes for the contract signing service.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated probes.
//   - /api/v1/contracts routes require a bearer JWT issued by the membership platform.
//     GET of a single contract and POST .../sign additionally accept the single-contract
//     signing-link token that was emailed to the first signer.
//   - /files/*path serves signed PDFs when the local storage backend is configured to
//     serve them directly (development and single-node installs).
package api

import (
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/membershiphub/esign/internal/api/contracts"
	"github.com/membershiphub/esign/internal/auth"
	"github.com/membershiphub/esign/internal/config"
	"github.com/membershiphub/esign/internal/middleware"
	"github.com/membershiphub/esign/internal/storage"
)

// Version is overridden at build time with -ldflags "-X .../internal/api.Version=..."
var Version = "dev"

// Deps are the collaborators the router needs
type Deps struct {
	DB        *sql.DB
	Storage   storage.Storage
	Contracts contracts.Service
	// Signer authorizes signing-link tokens; nil disables signing links
	Signer middleware.SigningTokenAuthorizer
	// Limiter rate limits /api/v1; nil disables rate limiting
	Limiter middleware.Limiter
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))

	tlsEnabled := cfg.Security.TLS.Enabled
	apiHeaders := middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(tlsEnabled))

	router.GET("/health", apiHeaders, healthCheckHandler(deps.DB))
	router.GET("/ready", apiHeaders, readinessHandler(deps.DB, deps.Storage))
	router.GET("/version", apiHeaders, versionHandler())

	if cfg.Storage.DefaultBackend == "local" && cfg.Storage.Local.ServeDirectly && deps.Storage != nil {
		router.GET("/files/*path",
			middleware.SecurityHeadersMiddleware(middleware.DocumentSecurityHeadersConfig(tlsEnabled)),
			serveFileHandler(deps.Storage))
	}

	h := contracts.NewContractHandlers(deps.Contracts)

	v1 := router.Group("/api/v1", apiHeaders)
	// Contract routes that a signing-link holder may call
	linked := v1.Group("/contracts", middleware.AuthMiddleware(deps.Signer))
	// Contract routes that need a member account
	members := v1.Group("/contracts", middleware.AuthMiddleware(nil))
	if deps.Limiter != nil && cfg.Security.RateLimiting.Enabled {
		linked.Use(middleware.RateLimitMiddleware(deps.Limiter))
		members.Use(middleware.RateLimitMiddleware(deps.Limiter))
	}

	linked.GET("/:id", middleware.RequireScope(auth.ScopeContractsRead), h.GetHandler())
	linked.POST("/:id/sign",
		middleware.RequireAnyScope(auth.ScopeContractsSign, auth.ScopeContractsCountersign),
		h.SignHandler())

	members.POST("", middleware.RequireScope(auth.ScopeContractsManage), h.CreateHandler())
	members.GET("/:id/activity", middleware.RequireScope(auth.ScopeContractsRead), h.ActivityHandler())
	members.POST("/:id/send", middleware.RequireScope(auth.ScopeContractsManage), h.SendHandler())
	members.POST("/:id/void", middleware.RequireScope(auth.ScopeContractsManage), h.VoidHandler())

	return router
}

// healthCheckHandler returns the liveness status of the service
// GET /health
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler reports whether the service can complete a signature. Completion needs both
// the database and the artifact store, so both are probed.
// GET /ready
func readinessHandler(db *sql.DB, backend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Exists on an absent sentinel exercises credentials and connectivity without writing.
		if _, err := backend.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build and API version
// GET /version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// serveFileHandler streams a signed PDF from the local backend
// GET /files/*path
func serveFileHandler(backend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := storage.CleanPath(c.Param("path"))
		if err != nil || !strings.HasSuffix(key, ".pdf") {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		}

		rc, err := backend.Download(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
				return
			}
			slog.Error("failed to read stored file", "path", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
			return
		}
		defer rc.Close()

		c.Header("Content-Type", "application/pdf")
		c.Header("Content-Disposition", `inline; filename="signed-contract.pdf"`)
		c.Status(http.StatusOK)
		if _, err := io.Copy(c.Writer, rc); err != nil {
			slog.Warn("file download interrupted", "path", key, "error", err)
		}
	}
}

// LoggerMiddleware emits one structured record per request
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	skip := map[string]bool{"/health": true, "/ready": true}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if skip[path] && c.Writer.Status() < http.StatusBadRequest {
			return
		}

		level := slog.LevelInfo
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			level = slog.LevelError
		case c.Writer.Status() >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		// The query string is omitted because signing links carry their token there.
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("auth_method", c.GetString(middleware.ContextKeyAuthMethod)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS for the member portal
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		wildcard := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" {
				allowed, wildcard = true, true
				break
			}
			if allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if wildcard || origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers",
				"Origin, Content-Type, Accept, Authorization, X-Requested-With, "+middleware.SigningTokenHeader+", "+middleware.RequestIDHeader)
			c.Header("Access-Control-Expose-Headers", middleware.RequestIDHeader+", Retry-After")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
