package encounter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medcode/medcode/internal/platform/db"
)

type memTenant struct {
	patients     map[uuid.UUID]*Patient
	mrns         map[string]uuid.UUID
	encounters   map[uuid.UUID]*Encounter
	visits       map[string]uuid.UUID
	history      []*StatusHistory
	diagnoses    []*Diagnosis
	procedures   []*Procedure
	orders       []*Order
	observations []*Observation
	documents    []*Document
	charges      []*Charge
}

type repoMem struct {
	mu      sync.Mutex
	tenants map[string]*memTenant
	clock   func() time.Time
}

// NewMemRepo returns an in-process Repository partitioned by tenant.
func NewMemRepo() Repository {
	return &repoMem{tenants: make(map[string]*memTenant), clock: func() time.Time { return time.Now().UTC() }}
}

func (r *repoMem) tenant(ctx context.Context) *memTenant {
	tid := db.TenantFromContext(ctx)
	t, ok := r.tenants[tid]
	if !ok {
		t = &memTenant{
			patients:   make(map[uuid.UUID]*Patient),
			mrns:       make(map[string]uuid.UUID),
			encounters: make(map[uuid.UUID]*Encounter),
			visits:     make(map[string]uuid.UUID),
		}
		r.tenants[tid] = t
	}
	return t
}

func (r *repoMem) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.tenant(ctx).patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *repoMem) GetPatientByMRN(ctx context.Context, mrn string) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	id, ok := t.mrns[mrn]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t.patients[id]
	return &cp, nil
}

func (r *repoMem) CreatePatient(ctx context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	p.ID = uuid.New()
	p.CreatedAt = r.clock()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	t.patients[p.ID] = &cp
	t.mrns[p.MRN] = p.ID
	return nil
}

func (r *repoMem) UpdatePatient(ctx context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	if _, ok := t.patients[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = r.clock()
	cp := *p
	t.patients[p.ID] = &cp
	return nil
}

func (r *repoMem) Create(ctx context.Context, e *Encounter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	e.ID = uuid.New()
	e.CreatedAt = r.clock()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	t.encounters[e.ID] = &cp
	t.visits[e.VisitID] = e.ID
	return nil
}

func (r *repoMem) GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tenant(ctx).encounters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *repoMem) GetByVisit(ctx context.Context, visitID string) (*Encounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	id, ok := t.visits[visitID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t.encounters[id]
	return &cp, nil
}

func (r *repoMem) Update(ctx context.Context, e *Encounter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	if _, ok := t.encounters[e.ID]; !ok {
		return ErrNotFound
	}
	e.UpdatedAt = r.clock()
	cp := *e
	t.encounters[e.ID] = &cp
	return nil
}

func (r *repoMem) List(ctx context.Context, f Filter, limit, offset int) ([]*Encounter, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	var all []*Encounter
	for _, e := range t.encounters {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.NeedsReview != nil && e.NeedsReview != *f.NeedsReview {
			continue
		}
		if f.LateData != nil && (e.LateDataAt != nil) != *f.LateData {
			continue
		}
		if f.ServiceLine != "" && strVal(e.ServiceLine) != f.ServiceLine {
			continue
		}
		if f.PatientMRN != "" && t.mrns[f.PatientMRN] != e.PatientID {
			continue
		}
		cp := *e
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastActivityAt.After(all[j].LastActivityAt) })
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

func (r *repoMem) ListStaleCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*Encounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Encounter
	for _, e := range r.tenant(ctx).encounters {
		if (e.Status == StatusOpen || e.Status == StatusDischarged) && e.LastActivityAt.Before(cutoff) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *repoMem) ListWithUnlinkedResults(ctx context.Context, limit int) ([]*Encounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	seen := make(map[uuid.UUID]bool)
	var out []*Encounter
	for _, o := range t.observations {
		if o.OrderID != nil || (o.FillerID == nil && o.PlacerID == nil) || seen[o.EncounterID] {
			continue
		}
		seen[o.EncounterID] = true
		if e, ok := t.encounters[o.EncounterID]; ok {
			cp := *e
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *repoMem) AddStatusHistory(ctx context.Context, sh *StatusHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sh.ID = uuid.New()
	sh.ChangedAt = r.clock()
	cp := *sh
	t := r.tenant(ctx)
	t.history = append(t.history, &cp)
	return nil
}

func (r *repoMem) GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*StatusHistory
	for _, sh := range r.tenant(ctx).history {
		if sh.EncounterID == encounterID {
			cp := *sh
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *repoMem) AddDiagnosis(ctx context.Context, d *Diagnosis) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	for _, x := range t.diagnoses {
		if x.EncounterID == d.EncounterID && x.Code == d.Code && x.DiagnosisType == d.DiagnosisType {
			return false, nil
		}
	}
	d.ID = uuid.New()
	d.CreatedAt = r.clock()
	cp := *d
	t.diagnoses = append(t.diagnoses, &cp)
	return true, nil
}

func (r *repoMem) AddProcedure(ctx context.Context, p *Procedure) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	for _, x := range t.procedures {
		if x.EncounterID == p.EncounterID && x.Code == p.Code && sameTime(x.PerformedAt, p.PerformedAt) {
			return false, nil
		}
	}
	p.ID = uuid.New()
	p.CreatedAt = r.clock()
	cp := *p
	t.procedures = append(t.procedures, &cp)
	return true, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (r *repoMem) AddOrder(ctx context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o.ID = uuid.New()
	o.CreatedAt = r.clock()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	t := r.tenant(ctx)
	t.orders = append(t.orders, &cp)
	return nil
}

func (r *repoMem) UpdateOrder(ctx context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	for i, x := range t.orders {
		if x.ID == o.ID {
			o.UpdatedAt = r.clock()
			cp := *o
			t.orders[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (r *repoMem) FindOrder(ctx context.Context, encounterID uuid.UUID, fillerID, placerID string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	match := func(get func(*Order) *string, id string) *Order {
		if id == "" {
			return nil
		}
		for _, o := range t.orders {
			if o.EncounterID == encounterID && strVal(get(o)) == id {
				cp := *o
				return &cp
			}
		}
		return nil
	}
	if o := match(func(o *Order) *string { return o.FillerID }, fillerID); o != nil {
		return o, nil
	}
	if o := match(func(o *Order) *string { return o.PlacerID }, placerID); o != nil {
		return o, nil
	}
	return nil, ErrNotFound
}

func (r *repoMem) AddObservation(ctx context.Context, o *Observation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o.ID = uuid.New()
	o.CreatedAt = r.clock()
	cp := *o
	t := r.tenant(ctx)
	t.observations = append(t.observations, &cp)
	return nil
}

func (r *repoMem) LinkObservation(ctx context.Context, observationID, orderID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.tenant(ctx).observations {
		if o.ID == observationID && o.OrderID == nil {
			id := orderID
			o.OrderID = &id
			return nil
		}
	}
	return ErrNotFound
}

func (r *repoMem) ListUnlinkedObservations(ctx context.Context, encounterID uuid.UUID) ([]*Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Observation
	for _, o := range r.tenant(ctx).observations {
		if o.EncounterID == encounterID && o.OrderID == nil {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *repoMem) AddDocument(ctx context.Context, d *Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.ID = uuid.New()
	d.CreatedAt = r.clock()
	cp := *d
	t := r.tenant(ctx)
	t.documents = append(t.documents, &cp)
	return nil
}

func (r *repoMem) AddCharge(ctx context.Context, c *Charge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = uuid.New()
	c.CreatedAt = r.clock()
	cp := *c
	t := r.tenant(ctx)
	t.charges = append(t.charges, &cp)
	return nil
}

func (r *repoMem) LoadRecord(ctx context.Context, encounterID uuid.UUID) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	e, ok := t.encounters[encounterID]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := t.patients[e.PatientID]
	if !ok {
		return nil, ErrNotFound
	}
	ec, pc := *e, *p
	rec := &Record{Encounter: &ec, Patient: &pc}
	rec.Diagnoses = copyOwned(t.diagnoses, encounterID, func(d *Diagnosis) uuid.UUID { return d.EncounterID })
	rec.Procedures = copyOwned(t.procedures, encounterID, func(p *Procedure) uuid.UUID { return p.EncounterID })
	rec.Orders = copyOwned(t.orders, encounterID, func(o *Order) uuid.UUID { return o.EncounterID })
	rec.Observations = copyOwned(t.observations, encounterID, func(o *Observation) uuid.UUID { return o.EncounterID })
	rec.Documents = copyOwned(t.documents, encounterID, func(d *Document) uuid.UUID { return d.EncounterID })
	rec.Charges = copyOwned(t.charges, encounterID, func(c *Charge) uuid.UUID { return c.EncounterID })
	return rec, nil
}

func copyOwned[T any](items []*T, encounterID uuid.UUID, owner func(*T) uuid.UUID) []*T {
	var out []*T
	for _, it := range items {
		if owner(it) == encounterID {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out
}
