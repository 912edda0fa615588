package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the pool section of the /health/db body.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// StoreHealth is the /health/db body. SchemaVersion is the highest
// migration applied to the default tenant's schema.
type StoreHealth struct {
	Status        string     `json:"status"`
	Store         string     `json:"store"`
	Tenant        string     `json:"tenant"`
	SchemaVersion int        `json:"schema_version,omitempty"`
	Error         string     `json:"error,omitempty"`
	Pool          *PoolStats `json:"pool,omitempty"`
}

func (h StoreHealth) code() int {
	if h.Status == "healthy" {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// HealthHandler reports whether ingestion can reach the store. A nil pool
// means the in-memory store. With Postgres the default tenant's schema must
// exist and carry at least one migration, since every message is recorded
// there before it is processed.
func HealthHandler(pool *pgxpool.Pool, defaultTenant string) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := StoreHealth{Status: "healthy", Store: "memory", Tenant: defaultTenant}
		if pool != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
			defer cancel()
			h = checkPostgres(ctx, pool, defaultTenant)
		}
		return c.JSON(h.code(), h)
	}
}

func checkPostgres(ctx context.Context, pool *pgxpool.Pool, tenant string) StoreHealth {
	stats := poolStats(pool)
	h := StoreHealth{Status: "healthy", Store: "postgres", Tenant: tenant, Pool: &stats}
	if err := pool.Ping(ctx); err != nil {
		h.Status, h.Error = "unhealthy", err.Error()
		return h
	}
	table := pgx.Identifier{SchemaName(tenant), "_migrations"}.Sanitize()
	if err := pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM "+table).Scan(&h.SchemaVersion); err != nil {
		h.Status, h.Error = "unhealthy", "tenant schema not migrated: "+err.Error()
		return h
	}
	if h.SchemaVersion == 0 {
		h.Status, h.Error = "unhealthy", "tenant schema has no migrations applied"
	}
	return h
}
