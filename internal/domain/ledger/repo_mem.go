package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medcode/medcode/internal/platform/db"
)

type memTenant struct {
	byID      map[uuid.UUID]*RawMessage
	byControl map[string]uuid.UUID
}

type repoMem struct {
	mu      sync.Mutex
	tenants map[string]*memTenant
}

// NewMemRepo returns an in-process Repository. The mutex makes the
// check-and-record step atomic.
func NewMemRepo() Repository {
	return &repoMem{tenants: make(map[string]*memTenant)}
}

func (r *repoMem) tenant(ctx context.Context) *memTenant {
	tid := db.TenantFromContext(ctx)
	t, ok := r.tenants[tid]
	if !ok {
		t = &memTenant{byID: make(map[uuid.UUID]*RawMessage), byControl: make(map[string]uuid.UUID)}
		r.tenants[tid] = t
	}
	return t
}

func (r *repoMem) RecordAndCheck(ctx context.Context, m *RawMessage) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Outcome == "" {
		m.Outcome = OutcomeReceived
	}
	m.ReceivedAt = time.Now().UTC()

	result := New
	if strings.TrimSpace(m.ControlID) != "" {
		if original, ok := t.byControl[m.ControlID]; ok {
			result = Duplicate
			m.Outcome = OutcomeDuplicate
			m.DuplicateOf = &original
			now := m.ReceivedAt
			m.ProcessedAt = &now
		} else {
			t.byControl[m.ControlID] = m.ID
		}
	}
	cp := *m
	t.byID[m.ID] = &cp
	return result, nil
}

func (r *repoMem) Complete(ctx context.Context, id uuid.UUID, c Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.tenant(ctx).byID[id]
	if !ok {
		return ErrNotFound
	}
	if m.ProcessedAt != nil {
		return ErrAlreadyCompleted
	}
	apply(m, c)
	return nil
}

func (r *repoMem) RecordReprocess(ctx context.Context, id uuid.UUID, c Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.tenant(ctx).byID[id]
	if !ok {
		return ErrNotFound
	}
	visit, enc := m.VisitID, m.EncounterID
	apply(m, c)
	if m.VisitID == nil {
		m.VisitID = visit
	}
	if m.EncounterID == nil {
		m.EncounterID = enc
	}
	m.ReprocessCount++
	return nil
}

func apply(m *RawMessage, c Completion) {
	now := time.Now().UTC()
	m.Outcome = c.Outcome
	m.ErrorDetail = nil
	if c.Detail != "" {
		d := c.Detail
		m.ErrorDetail = &d
	}
	m.Warnings = append([]string(nil), c.Warnings...)
	m.VisitID = nil
	if c.VisitID != "" {
		v := c.VisitID
		m.VisitID = &v
	}
	m.EncounterID = c.EncounterID
	m.ProcessedAt = &now
}

func (r *repoMem) Get(ctx context.Context, id uuid.UUID) (*RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.tenant(ctx).byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *repoMem) List(ctx context.Context, f Filter, limit, offset int) ([]*RawMessage, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*RawMessage
	for _, m := range r.tenant(ctx).byID {
		if f.Outcome != "" && m.Outcome != f.Outcome {
			continue
		}
		if f.ControlID != "" && m.ControlID != f.ControlID {
			continue
		}
		if f.VisitID != "" && (m.VisitID == nil || *m.VisitID != f.VisitID) {
			continue
		}
		cp := *m
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ReceivedAt.After(all[j].ReceivedAt) })
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
