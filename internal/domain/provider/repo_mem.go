package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medcode/medcode/internal/platform/db"
)

type repoMem struct {
	mu   sync.RWMutex
	data map[string]map[string]*Provider // tenant -> identifier
}

// NewMemRepo returns an in-process Repository keyed by the tenant in ctx.
func NewMemRepo() Repository {
	return &repoMem{data: make(map[string]map[string]*Provider)}
}

func (r *repoMem) bucket(ctx context.Context) map[string]*Provider {
	tid := db.TenantFromContext(ctx)
	b, ok := r.data[tid]
	if !ok {
		b = make(map[string]*Provider)
		r.data[tid] = b
	}
	return b
}

func (r *repoMem) GetByIdentifier(ctx context.Context, identifier string) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.bucket(ctx)[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *repoMem) Observe(ctx context.Context, p *Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucket(ctx)
	if existing, ok := b[p.Identifier]; ok {
		if existing.FamilyName == nil {
			existing.FamilyName = p.FamilyName
		}
		if existing.GivenName == nil {
			existing.GivenName = p.GivenName
		}
		return nil
	}
	now := time.Now().UTC()
	cp := *p
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.Active = true
	cp.CreatedAt, cp.UpdatedAt = now, now
	b[p.Identifier] = &cp
	p.ID = cp.ID
	return nil
}

func (r *repoMem) Upsert(ctx context.Context, p *Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucket(ctx)
	now := time.Now().UTC()
	if existing, ok := b[p.Identifier]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
		if p.FamilyName == nil {
			p.FamilyName = existing.FamilyName
		}
		if p.GivenName == nil {
			p.GivenName = existing.GivenName
		}
		if p.Specialty == nil {
			p.Specialty = existing.Specialty
		}
	} else {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	b[p.Identifier] = &cp
	return nil
}

func (r *repoMem) List(ctx context.Context, unconfiguredOnly bool, limit, offset int) ([]*Provider, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Provider
	for _, p := range r.bucket(ctx) {
		if unconfiguredOnly && p.Configured() {
			continue
		}
		cp := *p
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Identifier < all[j].Identifier })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
