package tenantcfg

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medcode/medcode/internal/platform/db"
)

type memTenant struct {
	config *CodingConfig
	rules  []ServiceLineRule
}

type repoMem struct {
	mu      sync.RWMutex
	tenants map[string]*memTenant
}

// NewMemRepo returns an in-process Repository keyed by the tenant in ctx.
func NewMemRepo() Repository {
	return &repoMem{tenants: make(map[string]*memTenant)}
}

func (r *repoMem) tenant(ctx context.Context) *memTenant {
	tid := db.TenantFromContext(ctx)
	t, ok := r.tenants[tid]
	if !ok {
		t = &memTenant{}
		r.tenants[tid] = t
	}
	return t
}

func (r *repoMem) GetConfig(ctx context.Context) (*CodingConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	if t.config == nil {
		return nil, ErrNotFound
	}
	c := *t.config
	c.ProfessionalComponentServices = append([]string(nil), t.config.ProfessionalComponentServices...)
	c.FacilityExcludedClasses = append([]string(nil), t.config.FacilityExcludedClasses...)
	return &c, nil
}

func (r *repoMem) SaveConfig(ctx context.Context, c *CodingConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.UpdatedAt = time.Now().UTC()
	stored := *c
	stored.ProfessionalComponentServices = append([]string(nil), c.ProfessionalComponentServices...)
	stored.FacilityExcludedClasses = append([]string(nil), c.FacilityExcludedClasses...)
	r.tenant(ctx).config = &stored
	return nil
}

func (r *repoMem) ListRules(ctx context.Context) ([]ServiceLineRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rules := append([]ServiceLineRule(nil), r.tenant(ctx).rules...)
	SortRules(rules)
	return rules, nil
}

func (r *repoMem) ReplaceRules(ctx context.Context, rules []ServiceLineRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for i := range rules {
		if rules[i].ID == uuid.Nil {
			rules[i].ID = uuid.New()
		}
		rules[i].CreatedAt = now
	}
	r.tenant(ctx).rules = append([]ServiceLineRule(nil), rules...)
	return nil
}
