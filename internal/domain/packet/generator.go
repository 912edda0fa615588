package packet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medcode/medcode/internal/domain/encounter"
	"github.com/medcode/medcode/internal/domain/readiness"
	"github.com/medcode/medcode/internal/domain/tenantcfg"
	"github.com/medcode/medcode/internal/platform/metrics"
)

type SettingsSource interface {
	Effective(ctx context.Context) (*tenantcfg.Settings, error)
}

// ProviderRules answers the two provider questions routing asks.
// IsEmployed is strict (unknown providers are not employed);
// CreatesProfessionalWork is lenient (unknown providers qualify).
type ProviderRules interface {
	IsEmployed(ctx context.Context, identifier string) (bool, error)
	CreatesProfessionalWork(ctx context.Context, identifier string) (bool, error)
}

// Generator builds the initial snapshot and work items for an encounter
// entering ready_to_code. It runs inside the caller's transaction and
// never takes the encounter guard itself.
type Generator struct {
	repo       Repository
	encounters encounter.Repository
	settings   SettingsSource
	providers  ProviderRules
	logger     zerolog.Logger
	clock      func() time.Time
	notifier   Notifier
}

func NewGenerator(repo Repository, encounters encounter.Repository, settings SettingsSource,
	providers ProviderRules, logger zerolog.Logger) *Generator {
	return &Generator{
		repo:       repo,
		encounters: encounters,
		settings:   settings,
		providers:  providers,
		logger:     logger.With().Str("component", "packet").Logger(),
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

func (g *Generator) SetClock(fn func() time.Time) {
	g.clock = fn
}

// SetNotifier publishes created items to n after their transaction commits.
func (g *Generator) SetNotifier(n Notifier) {
	g.notifier = n
}

// Generate creates snapshot version 1 and the work items routing calls
// for. It returns readiness.ErrAlreadyGenerated when the encounter
// already has items.
func (g *Generator) Generate(ctx context.Context, enc *encounter.Encounter, actor string) error {
	existing, err := g.repo.ListItemsByEncounter(ctx, enc.ID)
	if err != nil {
		return fmt.Errorf("list work items: %w", err)
	}
	if len(existing) > 0 {
		return readiness.ErrAlreadyGenerated
	}

	settings, err := g.settings.Effective(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	rec, err := g.encounters.LoadRecord(ctx, enc.ID)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}

	sl := ResolveServiceLine(rec, settings.Rules)
	if enc.ServiceLine == nil || *enc.ServiceLine != sl {
		enc.ServiceLine = &sl
		if err := g.encounters.Update(ctx, enc); err != nil {
			return fmt.Errorf("set service line: %w", err)
		}
	}
	cp := *enc
	rec.Encounter = &cp

	snap, err := g.store(ctx, rec, ReasonInitial, actor)
	if err != nil {
		return err
	}

	routes, err := g.route(ctx, rec, &settings.Config, sl)
	if err != nil {
		return err
	}
	priority := Priority(enc, g.clock())
	for _, rt := range routes {
		item := &WorkQueueItem{
			EncounterID:     enc.ID,
			VisitID:         enc.VisitID,
			SnapshotID:      snap.ID,
			SnapshotVersion: snap.Version,
			Component:       rt.component,
			Queue:           rt.queue,
			Status:          ItemPending,
			ServiceLine:     sl,
			PayerID:         enc.PayerID,
			Priority:        priority,
			RoutingReasons:  rt.reasons,
		}
		if err := g.repo.CreateItem(ctx, item); err != nil {
			return fmt.Errorf("create %s item: %w", rt.component, err)
		}
		metrics.RecordQueueItem(item.Component, item.Queue)
		notify(ctx, g.notifier, EventItemCreated, item)
	}

	g.logger.Info().
		Str("visit_id", enc.VisitID).
		Str("service_line", sl).
		Int("snapshot_version", snap.Version).
		Int("items", len(routes)).
		Msg("packet generated")
	return nil
}

// Capture stores a new snapshot of the encounter's current state.
func (g *Generator) Capture(ctx context.Context, encounterID uuid.UUID, reason, actor string) (*Snapshot, error) {
	rec, err := g.encounters.LoadRecord(ctx, encounterID)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	return g.store(ctx, rec, reason, actor)
}

func (g *Generator) store(ctx context.Context, rec *encounter.Record, reason, actor string) (*Snapshot, error) {
	snap := &Snapshot{
		EncounterID: rec.Encounter.ID,
		Reason:      reason,
		Data:        SnapshotData{Record: *rec, CapturedAt: g.clock()},
		CreatedBy:   actor,
	}
	if err := g.repo.CreateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	metrics.RecordSnapshot()
	return snap, nil
}

type route struct {
	component string
	queue     string
	reasons   []string
}

func (g *Generator) route(ctx context.Context, rec *encounter.Record, cfg *tenantcfg.CodingConfig, sl string) ([]route, error) {
	queue := QueueCoding
	if sl == tenantcfg.Unassigned {
		queue = QueueTriage
	}
	var routes []route
	if cfg.AlwaysCreateFacility && !cfg.ExcludesFacility(rec.Encounter.Class) {
		routes = append(routes, route{component: encounter.ComponentFacility, queue: queue, reasons: []string{"facility default"}})
	}

	reasons, split, err := g.professionalReasons(ctx, rec, cfg, sl)
	if err != nil {
		return nil, err
	}
	if len(reasons) > 0 {
		pq := queue
		if split {
			pq = QueueProfessionalTriage
		}
		routes = append(routes, route{component: encounter.ComponentProfessional, queue: pq, reasons: reasons})
	}
	return routes, nil
}

// professionalReasons lists every rule that calls for a professional item.
// split reports a charge whose component could not be decided.
func (g *Generator) professionalReasons(ctx context.Context, rec *encounter.Record, cfg *tenantcfg.CodingConfig, sl string) (reasons []string, split bool, err error) {
	if cfg.AlwaysCreateProfessional {
		reasons = append(reasons, "always_create_professional")
	}

	for _, id := range physicianRefs(rec) {
		ok := true
		if g.providers != nil {
			if ok, err = g.providers.CreatesProfessionalWork(ctx, id); err != nil {
				return nil, false, fmt.Errorf("provider %s: %w", id, err)
			}
		}
		if ok {
			reasons = append(reasons, "performing physician "+id)
			break
		}
	}

	if cfg.IsProfessionalService(sl) {
		reasons = append(reasons, "service line "+sl)
	}

	if g.providers != nil {
		for _, ref := range []*string{rec.Encounter.AttendingProviderID, rec.Encounter.AdmittingProviderID} {
			if ref == nil || *ref == "" {
				continue
			}
			employed, err := g.providers.IsEmployed(ctx, *ref)
			if err != nil {
				return nil, false, fmt.Errorf("provider %s: %w", *ref, err)
			}
			if employed {
				reasons = append(reasons, "employed provider "+*ref)
				break
			}
		}
	}

	for _, c := range rec.Charges {
		if c.Component == encounter.ComponentBoth {
			reasons = append(reasons, "split charge "+c.ChargeCode)
			split = true
			break
		}
	}
	return reasons, split, nil
}

// physicianRefs returns the distinct performing and interpreting
// physicians named on line items, in record order.
func physicianRefs(rec *encounter.Record) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p *string) {
		if p == nil || *p == "" || seen[*p] {
			return
		}
		seen[*p] = true
		out = append(out, *p)
	}
	for _, p := range rec.Procedures {
		add(p.SurgeonID)
		add(p.PractitionerID)
	}
	for _, o := range rec.Orders {
		add(o.InterpreterID)
	}
	return out
}

// ResolveServiceLine evaluates the tenant's rules against the record's
// hospital service and diagnostic sections, then its procedure codes.
func ResolveServiceLine(rec *encounter.Record, rules []tenantcfg.ServiceLineRule) string {
	var sections, codes []string
	if s := rec.Encounter.HospitalService; s != nil {
		sections = append(sections, *s)
	}
	for _, o := range rec.Orders {
		if o.DiagnosticSection != nil {
			sections = append(sections, *o.DiagnosticSection)
		}
		if o.ServiceCode != nil {
			codes = append(codes, *o.ServiceCode)
		}
	}
	for _, p := range rec.Procedures {
		codes = append(codes, p.Code)
	}
	for _, c := range rec.Charges {
		if c.ProcedureCode != nil {
			codes = append(codes, *c.ProcedureCode)
		}
	}
	return tenantcfg.Resolve(rules, sections, codes)
}

// Priority ranks work items. Emergency and inpatient encounters and
// discharges that have waited longer sort first.
func Priority(enc *encounter.Encounter, now time.Time) int {
	p := 0
	switch enc.Class {
	case encounter.ClassEmergency:
		p += 10
	case encounter.ClassInpatient:
		p += 5
	}
	if enc.DischargeAt != nil {
		age := now.Sub(*enc.DischargeAt)
		switch {
		case age > 7*24*time.Hour:
			p += 5
		case age > 3*24*time.Hour:
			p += 3
		}
	}
	return p
}
