package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medcode/medcode/internal/domain/encounter"
	"github.com/medcode/medcode/internal/domain/tenantcfg"
	"github.com/medcode/medcode/internal/platform/db"
	"github.com/medcode/medcode/internal/platform/metrics"
)

const (
	SweepActor       = "system:sweeper"
	defaultSweepSize = 500
)

// SettingsSource resolves a tenant's effective coding configuration.
type SettingsSource interface {
	Effective(ctx context.Context) (*tenantcfg.Settings, error)
}

// SweepResult summarizes one pass over every tenant.
type SweepResult struct {
	Tenants int `json:"tenants"`
	Marked  int `json:"marked_stale"`
	Linked  int `json:"results_linked"`
}

// Sweeper flags inactive encounters as stale and retries result
// reconciliation. It only ever moves open or discharged encounters.
type Sweeper struct {
	repo          encounter.Repository
	machine       *Machine
	correlator    *encounter.Correlator
	guard         *encounter.Guard
	settings      SettingsSource
	pool          *pgxpool.Pool
	defaultTenant string
	batchSize     int
	logger        zerolog.Logger
	clock         func() time.Time
}

// NewSweeper builds a sweeper. A nil pool sweeps only defaultTenant, which
// is how the in-memory store runs.
func NewSweeper(repo encounter.Repository, machine *Machine, correlator *encounter.Correlator, guard *encounter.Guard,
	settings SettingsSource, pool *pgxpool.Pool, defaultTenant string, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		repo:          repo,
		machine:       machine,
		correlator:    correlator,
		guard:         guard,
		settings:      settings,
		pool:          pool,
		defaultTenant: defaultTenant,
		batchSize:     defaultSweepSize,
		logger:        logger.With().Str("component", "sweeper").Logger(),
		clock:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used to compute the cutoff.
func (s *Sweeper) SetClock(fn func() time.Time) {
	s.clock = fn
}

// Start runs RunOnce on every tick until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", interval).Msg("stale sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("stale sweeper stopped")
			return
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("stale sweep failed")
				continue
			}
			if res.Marked > 0 || res.Linked > 0 {
				s.logger.Info().Int("marked", res.Marked).Int("linked", res.Linked).Msg("stale sweep complete")
			}
		}
	}
}

func (s *Sweeper) tenants(ctx context.Context) ([]string, error) {
	if s.pool == nil {
		return []string{s.defaultTenant}, nil
	}
	return db.ListTenants(ctx, s.pool)
}

// RunOnce sweeps every tenant. A failing tenant does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	tenants, err := s.tenants(ctx)
	if err != nil {
		metrics.RecordSweep(err, 0, 0)
		return res, err
	}
	var errs []error
	for _, tid := range tenants {
		err := db.WithTenantConn(ctx, s.pool, tid, func(ctx context.Context) error {
			marked, linked, err := s.sweepTenant(ctx)
			res.Marked += marked
			res.Linked += linked
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tid, err))
		}
		res.Tenants++
	}
	err = errors.Join(errs...)
	metrics.RecordSweep(err, res.Marked, res.Linked)
	return res, err
}

// RunTenant sweeps the tenant already bound to ctx.
func (s *Sweeper) RunTenant(ctx context.Context) (SweepResult, error) {
	marked, linked, err := s.sweepTenant(ctx)
	metrics.RecordSweep(err, marked, linked)
	return SweepResult{Tenants: 1, Marked: marked, Linked: linked}, err
}

func (s *Sweeper) sweepTenant(ctx context.Context) (marked, linked int, err error) {
	settings, err := s.settings.Effective(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load settings: %w", err)
	}
	timeout := settings.Config.Timeout()
	cutoff := s.clock().Add(-timeout)

	candidates, err := s.repo.ListStaleCandidates(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list stale candidates: %w", err)
	}
	reason := fmt.Sprintf("no activity for %s", timeout)
	for _, c := range candidates {
		err := s.guard.Run(ctx, c.VisitID, func(ctx context.Context) error {
			enc, err := s.repo.GetByVisit(ctx, c.VisitID)
			if err != nil {
				return err
			}
			// Activity may have arrived since the candidate list was read.
			if enc.Status != encounter.StatusOpen && enc.Status != encounter.StatusDischarged {
				return nil
			}
			if !enc.LastActivityAt.Before(cutoff) {
				return nil
			}
			if err := s.machine.Apply(ctx, enc, EventTimeout, reason, SweepActor); err != nil {
				return err
			}
			marked++
			return nil
		})
		if err != nil {
			return marked, linked, fmt.Errorf("mark %s stale: %w", c.VisitID, err)
		}
	}

	pending, err := s.repo.ListWithUnlinkedResults(ctx, s.batchSize)
	if err != nil {
		return marked, linked, fmt.Errorf("list unlinked results: %w", err)
	}
	for _, p := range pending {
		err := s.guard.Run(ctx, p.VisitID, func(ctx context.Context) error {
			enc, err := s.repo.GetByVisit(ctx, p.VisitID)
			if err != nil {
				return err
			}
			n, err := s.correlator.ReconcileResults(ctx, enc)
			linked += n
			return err
		})
		if err != nil {
			return marked, linked, fmt.Errorf("reconcile %s: %w", p.VisitID, err)
		}
	}
	return marked, linked, nil
}
