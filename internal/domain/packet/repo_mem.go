package packet

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medcode/medcode/internal/platform/db"
)

type memTenant struct {
	snapshots map[uuid.UUID][]byte
	meta      map[uuid.UUID]Snapshot
	versions  map[uuid.UUID]int
	items     map[uuid.UUID]*WorkQueueItem
	order     []uuid.UUID
}

type repoMem struct {
	mu      sync.Mutex
	tenants map[string]*memTenant
	clock   func() time.Time
}

// NewMemRepo returns an in-process Repository partitioned by tenant.
// Snapshot data is held serialized so a stored version cannot be changed
// through a returned copy.
func NewMemRepo() Repository {
	return &repoMem{tenants: make(map[string]*memTenant), clock: func() time.Time { return time.Now().UTC() }}
}

func (r *repoMem) tenant(ctx context.Context) *memTenant {
	tid := db.TenantFromContext(ctx)
	t, ok := r.tenants[tid]
	if !ok {
		t = &memTenant{
			snapshots: make(map[uuid.UUID][]byte),
			meta:      make(map[uuid.UUID]Snapshot),
			versions:  make(map[uuid.UUID]int),
			items:     make(map[uuid.UUID]*WorkQueueItem),
		}
		r.tenants[tid] = t
	}
	return t
}

func (r *repoMem) CreateSnapshot(ctx context.Context, s *Snapshot) error {
	data, err := json.Marshal(s.Data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	t.versions[s.EncounterID]++
	s.ID = uuid.New()
	s.Version = t.versions[s.EncounterID]
	s.CreatedAt = r.clock()
	meta := *s
	meta.Data = SnapshotData{}
	t.meta[s.ID] = meta
	t.snapshots[s.ID] = data
	return nil
}

func (t *memTenant) load(id uuid.UUID) (*Snapshot, error) {
	meta, ok := t.meta[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := json.Unmarshal(t.snapshots[id], &meta.Data); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (r *repoMem) GetSnapshot(ctx context.Context, encounterID uuid.UUID, version int) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	for id, m := range t.meta {
		if m.EncounterID == encounterID && m.Version == version {
			return t.load(id)
		}
	}
	return nil, ErrNotFound
}

func (r *repoMem) GetSnapshotByID(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tenant(ctx).load(id)
}

func (r *repoMem) ListSnapshots(ctx context.Context, encounterID uuid.UUID) ([]*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	var out []*Snapshot
	for id, m := range t.meta {
		if m.EncounterID != encounterID {
			continue
		}
		s, err := t.load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func copyItem(w *WorkQueueItem) *WorkQueueItem {
	cp := *w
	cp.RoutingReasons = append([]string(nil), w.RoutingReasons...)
	return &cp
}

func (r *repoMem) CreateItem(ctx context.Context, w *WorkQueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	w.ID = uuid.New()
	w.CreatedAt = r.clock()
	w.UpdatedAt = w.CreatedAt
	t.items[w.ID] = copyItem(w)
	t.order = append(t.order, w.ID)
	return nil
}

func (r *repoMem) GetItem(ctx context.Context, id uuid.UUID) (*WorkQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.tenant(ctx).items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyItem(w), nil
}

func (r *repoMem) UpdateItem(ctx context.Context, w *WorkQueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	cur, ok := t.items[w.ID]
	if !ok {
		return ErrNotFound
	}
	w.UpdatedAt = r.clock()
	next := copyItem(w)
	next.EncounterID, next.VisitID, next.Component = cur.EncounterID, cur.VisitID, cur.Component
	next.CreatedAt = cur.CreatedAt
	t.items[w.ID] = next
	return nil
}

func (r *repoMem) ListItems(ctx context.Context, f ItemFilter, limit, offset int) ([]*WorkQueueItem, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	var matched []*WorkQueueItem
	for _, id := range t.order {
		w := t.items[id]
		if f.Status != "" && w.Status != f.Status ||
			f.Queue != "" && w.Queue != f.Queue ||
			f.Component != "" && w.Component != f.Component ||
			f.ServiceLine != "" && w.ServiceLine != f.ServiceLine ||
			f.AssignedTo != "" && (w.AssignedTo == nil || *w.AssignedTo != f.AssignedTo) {
			continue
		}
		matched = append(matched, copyItem(w))
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Priority > matched[j].Priority })
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *repoMem) ListItemsByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*WorkQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tenant(ctx)
	var out []*WorkQueueItem
	for _, id := range t.order {
		if w := t.items[id]; w.EncounterID == encounterID {
			out = append(out, copyItem(w))
		}
	}
	return out, nil
}
