package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// NewPool opens a pgx pool and verifies connectivity. Queries slower than
// slowQuery are logged at warn level; zero disables the tracer.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32, logger zerolog.Logger, slowQuery time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	if slowQuery > 0 {
		cfg.ConnConfig.Tracer = &slowQueryTracer{logger: logger, threshold: slowQuery}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

type traceStartKey struct{}

type traceStart struct {
	at  time.Time
	sql string
}

// slowQueryTracer logs statements whose round trip exceeds threshold.
type slowQueryTracer struct {
	logger    zerolog.Logger
	threshold time.Duration
}

func (t *slowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{at: time.Now(), sql: data.SQL})
}

func (t *slowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(traceStartKey{}).(traceStart)
	if !ok {
		return
	}
	elapsed := time.Since(start.at)
	if elapsed < t.threshold && data.Err == nil {
		return
	}
	ev := t.logger.Warn()
	if data.Err != nil {
		ev = t.logger.Debug().Err(data.Err)
	}
	ev.Dur("elapsed", elapsed).
		Str("tenant", TenantFromContext(ctx)).
		Str("sql", truncateSQL(start.sql)).
		Msg("slow or failed query")
}

func truncateSQL(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
