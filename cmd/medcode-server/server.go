package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/medcode/medcode/internal/config"
	"github.com/medcode/medcode/internal/domain/encounter"
	"github.com/medcode/medcode/internal/domain/ingest"
	"github.com/medcode/medcode/internal/domain/ledger"
	"github.com/medcode/medcode/internal/domain/packet"
	"github.com/medcode/medcode/internal/domain/provider"
	"github.com/medcode/medcode/internal/domain/readiness"
	"github.com/medcode/medcode/internal/domain/tenantcfg"
	"github.com/medcode/medcode/internal/platform/auth"
	"github.com/medcode/medcode/internal/platform/db"
	"github.com/medcode/medcode/internal/platform/hl7v2"
	"github.com/medcode/medcode/internal/platform/metrics"
	"github.com/medcode/medcode/internal/platform/middleware"
	"github.com/medcode/medcode/internal/platform/websocket"
)

const version = "0.1.0"

// newServer builds the echo instance with middleware and every route.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", ingest.HeaderSourceID},
	}))
	e.Use(middleware.BodyLimit("1M", cfg.IngestBodyLimit))

	// Public endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, cfg.DefaultTenant))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/api/v1/hl7v2/", "/api/v1/queue/events"))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		a.logger.Warn().Msg("development auth enabled; every request runs as admin")
		apiV1.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: signingKey(cfg),
			Skipper:    auth.AuthSkipper,
		}))
	}
	apiV1.Use(db.TenantMiddleware(a.pool, cfg.DefaultTenant))
	apiV1.Use(middleware.Audit(a.logger, middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		metrics.RecordAuditEntry(entry.Resource)
		return nil
	})))

	// Inbound messages
	ingest.NewHandler(a.ingest).RegisterRoutes(apiV1)
	hl7v2.NewHandler().RegisterRoutes(apiV1)
	ledger.NewHandler(a.messages).RegisterRoutes(apiV1)

	// Encounters and readiness
	encounter.NewHandler(a.encounters).RegisterRoutes(apiV1)
	readiness.NewHandler(a.machine, a.sweeper).RegisterRoutes(apiV1)

	// Coding packets and work queues
	packet.NewHandler(a.queue).RegisterRoutes(apiV1)
	websocket.NewHandler(a.feed, cfg.CORSOrigins).RegisterRoutes(apiV1)

	// Tenant administration
	tenantcfg.NewHandler(a.settings).RegisterRoutes(apiV1)
	provider.NewHandler(a.providers).RegisterRoutes(apiV1)

	return e
}

func signingKey(cfg *config.Config) []byte {
	if cfg.AuthSigningKey == "" {
		return nil
	}
	return []byte(cfg.AuthSigningKey)
}
