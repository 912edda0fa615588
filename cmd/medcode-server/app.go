package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medcode/medcode/internal/config"
	"github.com/medcode/medcode/internal/domain/encounter"
	"github.com/medcode/medcode/internal/domain/ingest"
	"github.com/medcode/medcode/internal/domain/ledger"
	"github.com/medcode/medcode/internal/domain/packet"
	"github.com/medcode/medcode/internal/domain/provider"
	"github.com/medcode/medcode/internal/domain/readiness"
	"github.com/medcode/medcode/internal/domain/tenantcfg"
	"github.com/medcode/medcode/internal/platform/db"
	"github.com/medcode/medcode/internal/platform/keylock"
	"github.com/medcode/medcode/internal/platform/websocket"
)

// app holds every wired component. The HTTP server, the MLLP listener and
// the CLI commands all share one instance.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool

	messages   ledger.Repository
	encounters encounter.Repository
	packets    packet.Repository

	settings   *tenantcfg.Service
	providers  *provider.Service
	guard      *encounter.Guard
	correlator *encounter.Correlator
	generator  *packet.Generator
	machine    *readiness.Machine
	queue      *packet.Service
	sweeper    *readiness.Sweeper
	ingest     *ingest.Service
	feed       *websocket.Hub
}

// newApp connects the store selected by cfg and wires the pipeline on top
// of it. Callers must call close when done.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var (
		tx            db.Transactor
		settingsRepo  tenantcfg.Repository
		providersRepo provider.Repository
	)
	if cfg.UsesMemoryStore() {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		tx = db.NoopTransactor{}
		a.messages = ledger.NewMemRepo()
		a.encounters = encounter.NewMemRepo()
		a.packets = packet.NewMemRepo()
		settingsRepo = tenantcfg.NewMemRepo()
		providersRepo = provider.NewMemRepo()
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger, cfg.DBSlowQuery)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		logger.Info().Msg("connected to database")
		a.pool = pool
		tx = db.NewTransactor(pool)
		a.messages = ledger.NewRepo(pool)
		a.encounters = encounter.NewRepo(pool)
		a.packets = packet.NewRepo(pool)
		settingsRepo = tenantcfg.NewRepo(pool)
		providersRepo = provider.NewRepo(pool)
	}

	a.settings = tenantcfg.NewService(settingsRepo, tx, cfg.EncounterTimeoutHours)
	a.providers = provider.NewService(providersRepo)
	a.guard = encounter.NewGuard(keylock.New(cfg.LockStripes), tx)
	a.correlator = encounter.NewCorrelator(a.encounters, a.providers, logger)
	a.generator = packet.NewGenerator(a.packets, a.encounters, a.settings, a.providers, logger)
	a.machine = readiness.NewMachine(a.encounters, a.generator, a.guard, logger)
	a.queue = packet.NewService(a.packets, a.encounters, a.generator, a.guard, a.machine, logger)
	a.sweeper = readiness.NewSweeper(a.encounters, a.machine, a.correlator, a.guard, a.settings,
		a.pool, cfg.DefaultTenant, logger)
	a.ingest = ingest.NewService(a.messages, a.correlator, a.machine, a.guard, a.pool,
		cfg.DefaultTenant, cfg.IngestWorkers, logger)

	a.feed = websocket.NewHub(logger)
	a.generator.SetNotifier(queueFeed{a.feed})
	a.queue.SetNotifier(queueFeed{a.feed})
	return a, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// queueFeed adapts the websocket hub to packet.Notifier. The item's queue
// is the topic.
type queueFeed struct {
	hub *websocket.Hub
}

func (f queueFeed) Notify(ctx context.Context, event string, item *packet.WorkQueueItem) {
	data, err := json.Marshal(item)
	if err != nil {
		return
	}
	_ = f.hub.Publish(ctx, websocket.Event{
		Type:      event,
		Tenant:    db.TenantFromContext(ctx),
		Topic:     item.Queue,
		ItemID:    item.ID.String(),
		VisitID:   item.VisitID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
