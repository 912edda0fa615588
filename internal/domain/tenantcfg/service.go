package tenantcfg

import (
	"context"
	"errors"
	"fmt"

	"github.com/medcode/medcode/internal/platform/db"
)

type Service struct {
	repo           Repository
	tx             db.Transactor
	timeoutDefault int
}

// NewService creates a Service. timeoutHours is the process-wide default
// for tenants that have not set encounter_timeout_hours.
func NewService(repo Repository, tx db.Transactor, timeoutHours int) *Service {
	if tx == nil {
		tx = db.NoopTransactor{}
	}
	if timeoutHours <= 0 {
		timeoutHours = DefaultEncounterTimeoutHours
	}
	return &Service{repo: repo, tx: tx, timeoutDefault: timeoutHours}
}

// Effective returns the tenant's stored configuration merged over the
// defaults, plus its active service line rules in evaluation order.
func (s *Service) Effective(ctx context.Context) (*Settings, error) {
	cfg, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list service line rules: %w", err)
	}
	active := rules[:0]
	for _, r := range rules {
		if r.Active {
			active = append(active, r)
		}
	}
	SortRules(active)
	return &Settings{Config: *cfg, Rules: active}, nil
}

// Config returns the tenant configuration, or the defaults when none is
// stored.
func (s *Service) Config(ctx context.Context) (*CodingConfig, error) {
	cfg, err := s.repo.GetConfig(ctx)
	if errors.Is(err, ErrNotFound) {
		d := DefaultConfig()
		d.EncounterTimeoutHours = s.timeoutDefault
		return &d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coding configuration: %w", err)
	}
	if cfg.EncounterTimeoutHours <= 0 {
		cfg.EncounterTimeoutHours = s.timeoutDefault
	}
	return cfg, nil
}

func (s *Service) UpdateConfig(ctx context.Context, cfg *CodingConfig, actor string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.UpdatedBy = actor
	return s.repo.SaveConfig(ctx, cfg)
}

func (s *Service) ListRules(ctx context.Context) ([]ServiceLineRule, error) {
	return s.repo.ListRules(ctx)
}

// ReplaceRules validates every rule and then swaps the list atomically.
func (s *Service) ReplaceRules(ctx context.Context, rules []ServiceLineRule) error {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.repo.ReplaceRules(ctx, rules)
	})
}
