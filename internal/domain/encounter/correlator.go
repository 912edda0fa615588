package encounter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medcode/medcode/internal/domain/classify"
)

var ErrNoVisit = errors.New("message carries no visit identifier")

// Charge modifiers that split professional and technical components.
const (
	ModifierProfessional = "26"
	ModifierTechnical    = "TC"
)

// ProviderDirectory is the slice of the provider registry the correlator
// needs.
type ProviderDirectory interface {
	Observe(ctx context.Context, identifier, family, given string) error
	IsEmployed(ctx context.Context, identifier string) (bool, error)
}

// Input is one classified message ready for correlation.
type Input struct {
	Kind         classify.Kind
	RawMessageID *uuid.UUID
	Extract      *Extract
}

// Outcome reports what correlation did. Status never changes here; the
// caller feeds Discharged and Cancelled to the readiness machine.
type Outcome struct {
	Encounter     *Encounter
	Created       bool
	Discharged    bool
	Cancelled     bool
	ItemsCreated  int
	LateItems     int
	ResultsLinked int
	Warnings      []string
}

func (o *Outcome) warn(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

// Correlator merges messages into per-visit encounters. Callers must
// serialize calls for one visit, normally through Guard.
type Correlator struct {
	repo      Repository
	providers ProviderDirectory
	logger    zerolog.Logger
	clock     func() time.Time
}

func NewCorrelator(repo Repository, providers ProviderDirectory, logger zerolog.Logger) *Correlator {
	return &Correlator{
		repo:      repo,
		providers: providers,
		logger:    logger.With().Str("component", "correlator").Logger(),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for activity timestamps.
func (c *Correlator) SetClock(fn func() time.Time) {
	c.clock = fn
}

func (c *Correlator) Apply(ctx context.Context, in Input) (*Outcome, error) {
	x := in.Extract
	visitID := strings.TrimSpace(x.Visit.VisitID)
	if visitID == "" {
		return nil, ErrNoVisit
	}
	out := &Outcome{Warnings: append([]string(nil), x.Warnings...)}
	now := c.clock()

	enc, err := c.repo.GetByVisit(ctx, visitID)
	switch {
	case errors.Is(err, ErrNotFound):
		if in.Kind == classify.Cancel {
			out.warn("cancel for unknown visit %s ignored", visitID)
			return out, nil
		}
		enc, err = c.create(ctx, in, visitID, now)
		if err != nil {
			return nil, err
		}
		out.Created = true
	case err != nil:
		return nil, fmt.Errorf("load encounter %s: %w", visitID, err)
	default:
		if err := c.update(ctx, in, enc, out); err != nil {
			return nil, err
		}
	}
	out.Encounter = enc

	if err := c.observeProviders(ctx, x.Providers); err != nil {
		return nil, err
	}

	switch in.Kind {
	case classify.Discharge:
		out.Discharged = true
	case classify.Cancel:
		out.Cancelled = true
	}

	if in.Kind != classify.Cancel {
		if err := c.addLineItems(ctx, in, enc, out, now); err != nil {
			return nil, err
		}
	}

	enc.LastActivityAt = now
	if err := c.repo.Update(ctx, enc); err != nil {
		return nil, fmt.Errorf("update encounter %s: %w", visitID, err)
	}
	return out, nil
}

func (c *Correlator) create(ctx context.Context, in Input, visitID string, now time.Time) (*Encounter, error) {
	x := in.Extract
	pat, err := c.resolvePatient(ctx, x, visitID)
	if err != nil {
		return nil, err
	}
	enc := &Encounter{
		VisitID:        visitID,
		PatientID:      pat.ID,
		Status:         StatusOpen,
		LastActivityAt: now,
	}
	mergeVisit(enc, x.Visit)
	if in.Kind == classify.Discharge {
		applyDischarge(enc, x, now)
	}
	if strings.HasPrefix(pat.MRN, unknownMRNPrefix) {
		enc.FlagReview("patient identifier missing; placeholder patient created")
	}
	if in.Kind.CreatesEncounterReview() {
		enc.FlagReview(fmt.Sprintf("created from %s; admission not received", in.Kind))
	}
	if err := c.repo.Create(ctx, enc); err != nil {
		return nil, fmt.Errorf("create encounter %s: %w", visitID, err)
	}
	c.logger.Info().Str("visit_id", visitID).Str("kind", string(in.Kind)).
		Bool("needs_review", enc.NeedsReview).Msg("encounter created")
	return enc, nil
}

func (c *Correlator) update(ctx context.Context, in Input, enc *Encounter, out *Outcome) error {
	x := in.Extract
	if enc.Status == StatusCancelled {
		out.warn("encounter %s is cancelled", enc.VisitID)
	}
	switch in.Kind {
	case classify.Admission, classify.DemographicUpdate:
		if x.HasPatient {
			if err := c.mergePatient(ctx, enc.PatientID, x.Patient); err != nil {
				return err
			}
		}
		mergeVisit(enc, x.Visit)
	case classify.Transfer:
		if loc := strPtr(x.Visit.Location); loc != nil {
			enc.Location = loc
		}
	case classify.ClassChange:
		if class := MapClass(x.Visit.ClassCode); class != "" && class != enc.Class {
			enc.ApplyClass(class)
		}
	case classify.Discharge:
		applyDischarge(enc, x, c.clock())
	}
	return nil
}

const unknownMRNPrefix = "UNKNOWN-"

func (c *Correlator) resolvePatient(ctx context.Context, x *Extract, visitID string) (*Patient, error) {
	mrn := x.Patient.MRN
	if mrn == "" {
		mrn = unknownMRNPrefix + visitID
	}
	pat, err := c.repo.GetPatientByMRN(ctx, mrn)
	switch {
	case err == nil:
		if x.HasPatient {
			if mergePatientFields(pat, x.Patient) {
				if err := c.repo.UpdatePatient(ctx, pat); err != nil {
					return nil, fmt.Errorf("update patient: %w", err)
				}
			}
		}
		return pat, nil
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("load patient: %w", err)
	}
	pat = &Patient{MRN: mrn}
	mergePatientFields(pat, x.Patient)
	if err := c.repo.CreatePatient(ctx, pat); err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	return pat, nil
}

func (c *Correlator) mergePatient(ctx context.Context, id uuid.UUID, f PatientFields) error {
	pat, err := c.repo.GetPatient(ctx, id)
	if err != nil {
		return fmt.Errorf("load patient: %w", err)
	}
	if !mergePatientFields(pat, f) {
		return nil
	}
	if err := c.repo.UpdatePatient(ctx, pat); err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	return nil
}

// mergePatientFields copies supplied values over p and reports whether
// anything changed. Absent values never clear existing ones.
func mergePatientFields(p *Patient, f PatientFields) bool {
	changed := false
	set := func(dst **string, v string) {
		if v == "" || strVal(*dst) == v {
			return
		}
		s := v
		*dst = &s
		changed = true
	}
	set(&p.FamilyName, f.FamilyName)
	set(&p.GivenName, f.GivenName)
	set(&p.Sex, f.Sex)
	set(&p.AddressLine, f.AddressLine)
	set(&p.City, f.City)
	set(&p.State, f.State)
	set(&p.PostalCode, f.PostalCode)
	set(&p.Phone, f.Phone)
	if f.BirthDate != nil && (p.BirthDate == nil || !p.BirthDate.Equal(*f.BirthDate)) {
		p.BirthDate = f.BirthDate
		changed = true
	}
	return changed
}

// mergeVisit copies every supplied visit value onto e. The class change
// path recomputes the coding requirement flags.
func mergeVisit(e *Encounter, v VisitFields) {
	set := func(dst **string, val string) {
		if p := strPtr(val); p != nil {
			*dst = p
		}
	}
	if class := MapClass(v.ClassCode); class != "" && class != e.Class {
		e.ApplyClass(class)
	}
	set(&e.Location, v.Location)
	set(&e.AttendingProviderID, v.AttendingProviderID)
	set(&e.AdmittingProviderID, v.AdmittingProviderID)
	set(&e.HospitalService, v.HospitalService)
	set(&e.FinancialClass, v.FinancialClass)
	set(&e.PayerID, v.PayerID)
	set(&e.PlanID, v.PlanID)
	set(&e.AdmitReason, v.AdmitReason)
	set(&e.DischargeDisposition, v.DischargeDisposition)
	if v.AdmitAt != nil {
		e.AdmitAt = v.AdmitAt
	}
	if v.DischargeAt != nil {
		e.DischargeAt = v.DischargeAt
	}
}

// applyDischarge records the discharge time, falling back to the message
// time and then to now when PV1-45 is absent.
func applyDischarge(e *Encounter, x *Extract, now time.Time) {
	switch {
	case x.Visit.DischargeAt != nil:
		e.DischargeAt = x.Visit.DischargeAt
	case e.DischargeAt != nil:
	case !x.MessageAt.IsZero():
		t := x.MessageAt
		e.DischargeAt = &t
	default:
		t := now
		e.DischargeAt = &t
	}
	if d := strPtr(x.Visit.DischargeDisposition); d != nil {
		e.DischargeDisposition = d
	}
}

func (c *Correlator) observeProviders(ctx context.Context, refs []ProviderRef) error {
	if c.providers == nil {
		return nil
	}
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		if err := c.providers.Observe(ctx, ref.ID, ref.FamilyName, ref.GivenName); err != nil {
			return fmt.Errorf("observe provider %s: %w", ref.ID, err)
		}
	}
	return nil
}

func (c *Correlator) addLineItems(ctx context.Context, in Input, enc *Encounter, out *Outcome, now time.Time) error {
	x := in.Extract
	late := enc.PastReadiness()
	created := 0

	for i := range x.Diagnoses {
		d := x.Diagnoses[i]
		d.EncounterID, d.RawMessageID, d.Late = enc.ID, in.RawMessageID, late
		added, err := c.repo.AddDiagnosis(ctx, &d)
		if err != nil {
			return fmt.Errorf("add diagnosis %s: %w", d.Code, err)
		}
		if added {
			created++
		}
		if d.DiagnosisType == "A" && enc.AdmittingDiagnosis == nil {
			code := d.Code
			enc.AdmittingDiagnosis = &code
		}
	}

	for i := range x.Procedures {
		p := x.Procedures[i]
		p.EncounterID, p.RawMessageID, p.Late = enc.ID, in.RawMessageID, late
		added, err := c.repo.AddProcedure(ctx, &p)
		if err != nil {
			return fmt.Errorf("add procedure %s: %w", p.Code, err)
		}
		if added {
			created++
		}
	}

	if in.Kind == classify.Result {
		n, err := c.applyResults(ctx, in, enc, out, late)
		if err != nil {
			return err
		}
		created += n
	} else {
		n, err := c.applyOrders(ctx, in, enc, late)
		if err != nil {
			return err
		}
		created += n
	}

	for i := range x.Documents {
		d := x.Documents[i]
		d.EncounterID, d.RawMessageID, d.Late = enc.ID, in.RawMessageID, late
		if err := c.repo.AddDocument(ctx, &d); err != nil {
			return fmt.Errorf("add document: %w", err)
		}
		created++
	}

	for i := range x.Charges {
		ch := x.Charges[i]
		ch.EncounterID, ch.RawMessageID, ch.Late = enc.ID, in.RawMessageID, late
		component, review, err := c.classifyCharge(ctx, &ch)
		if err != nil {
			return err
		}
		ch.Component, ch.NeedsReview = component, review
		if review {
			ch.Warnings = append(ch.Warnings, "employed provider without component modifier; needs professional triage")
			out.warn("charge %s routed to professional triage", ch.ChargeCode)
		}
		if err := c.repo.AddCharge(ctx, &ch); err != nil {
			return fmt.Errorf("add charge %s: %w", ch.ChargeCode, err)
		}
		created++
	}

	out.ItemsCreated = created
	if late && created > 0 {
		t := now
		enc.LateDataAt = &t
		out.LateItems = created
		c.logger.Warn().Str("visit_id", enc.VisitID).Str("status", enc.Status).
			Int("items", created).Msg("late data after readiness")
	}
	return nil
}

// applyOrders stores each ORC/OBR group as an order with any OBX values
// attached, then links earlier results that were waiting for it.
func (c *Correlator) applyOrders(ctx context.Context, in Input, enc *Encounter, late bool) (int, error) {
	created := 0
	for _, g := range in.Extract.Orders {
		var orderID *uuid.UUID
		if g.Order.ServiceCode != nil || g.Order.PlacerID != nil || g.Order.FillerID != nil {
			o := g.Order
			o.EncounterID, o.RawMessageID, o.Late = enc.ID, in.RawMessageID, late
			if err := c.repo.AddOrder(ctx, &o); err != nil {
				return created, fmt.Errorf("add order: %w", err)
			}
			id := o.ID
			orderID = &id
			created++
		}
		for i := range g.Observations {
			obs := g.Observations[i]
			obs.EncounterID, obs.RawMessageID, obs.Late, obs.OrderID = enc.ID, in.RawMessageID, late, orderID
			if err := c.repo.AddObservation(ctx, &obs); err != nil {
				return created, fmt.Errorf("add observation: %w", err)
			}
			created++
		}
	}
	if created > 0 {
		if _, err := c.ReconcileResults(ctx, enc); err != nil {
			return created, err
		}
	}
	return created, nil
}

// applyResults attaches result observations to their order, matched by
// filler id then placer id. Unmatched observations are kept unlinked with a
// warning for later reconciliation.
func (c *Correlator) applyResults(ctx context.Context, in Input, enc *Encounter, out *Outcome, late bool) (int, error) {
	created := 0
	for _, g := range in.Extract.Orders {
		filler, placer := strVal(g.Order.FillerID), strVal(g.Order.PlacerID)
		order, err := c.repo.FindOrder(ctx, enc.ID, filler, placer)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return created, fmt.Errorf("find order: %w", err)
		}

		var orderID *uuid.UUID
		var warning string
		if order != nil {
			id := order.ID
			orderID = &id
			annotateOrder(order, g)
			if err := c.repo.UpdateOrder(ctx, order); err != nil {
				return created, fmt.Errorf("annotate order: %w", err)
			}
			out.ResultsLinked += len(g.Observations)
		} else {
			warning = fmt.Sprintf("no order matches filler %q placer %q", filler, placer)
			out.warn("%s", warning)
			c.logger.Warn().Str("visit_id", enc.VisitID).Str("filler_id", filler).
				Str("placer_id", placer).Msg("unlinked result")
		}

		for i := range g.Observations {
			obs := g.Observations[i]
			obs.EncounterID, obs.RawMessageID, obs.Late, obs.OrderID = enc.ID, in.RawMessageID, late, orderID
			if warning != "" {
				obs.Warnings = append(obs.Warnings, warning)
			}
			if err := c.repo.AddObservation(ctx, &obs); err != nil {
				return created, fmt.Errorf("add observation: %w", err)
			}
			created++
		}
	}
	return created, nil
}

// annotateOrder records result linkage on an order from its result group.
func annotateOrder(o *Order, g OrderGroup) {
	o.ResultLinked = true
	if g.Order.ResultStatus != nil {
		o.ResultStatus = g.Order.ResultStatus
	}
	if g.Order.InterpreterID != nil {
		o.InterpreterID = g.Order.InterpreterID
	}
	if g.Order.ResultAt != nil {
		o.ResultAt = g.Order.ResultAt
	}
	if o.DiagnosticSection == nil {
		o.DiagnosticSection = g.Order.DiagnosticSection
	}
	if len(g.Observations) == 0 {
		return
	}
	interp := "normal"
	for _, obs := range g.Observations {
		if f := strings.ToUpper(strVal(obs.AbnormalFlag)); f != "" && f != "N" {
			interp = "abnormal"
			break
		}
	}
	o.Interpretation = &interp
}

// ReconcileResults links unlinked observations of enc to orders that have
// since arrived. It returns how many observations were linked.
func (c *Correlator) ReconcileResults(ctx context.Context, enc *Encounter) (int, error) {
	pending, err := c.repo.ListUnlinkedObservations(ctx, enc.ID)
	if err != nil {
		return 0, fmt.Errorf("list unlinked observations: %w", err)
	}
	linked := 0
	touched := make(map[uuid.UUID]*Order)
	for _, obs := range pending {
		filler, placer := strVal(obs.FillerID), strVal(obs.PlacerID)
		if filler == "" && placer == "" {
			continue
		}
		order, err := c.repo.FindOrder(ctx, enc.ID, filler, placer)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return linked, fmt.Errorf("find order: %w", err)
		}
		if err := c.repo.LinkObservation(ctx, obs.ID, order.ID); err != nil {
			return linked, fmt.Errorf("link observation: %w", err)
		}
		linked++
		if prev, ok := touched[order.ID]; ok {
			order = prev
		}
		order.ResultLinked = true
		if f := strings.ToUpper(strVal(obs.AbnormalFlag)); f != "" && f != "N" {
			interp := "abnormal"
			order.Interpretation = &interp
		} else if order.Interpretation == nil {
			interp := "normal"
			order.Interpretation = &interp
		}
		if obs.ResultStatus != nil && order.ResultStatus == nil {
			order.ResultStatus = obs.ResultStatus
		}
		touched[order.ID] = order
	}
	for _, o := range touched {
		if err := c.repo.UpdateOrder(ctx, o); err != nil {
			return linked, fmt.Errorf("annotate order: %w", err)
		}
	}
	if linked > 0 {
		c.logger.Info().Str("visit_id", enc.VisitID).Int("linked", linked).Msg("results reconciled")
	}
	return linked, nil
}

// classifyCharge assigns the billing component: a facility revenue code
// wins, then modifier 26, then modifier TC. An employed provider without a
// modifier yields both and needs review. Everything else is facility.
func (c *Correlator) classifyCharge(ctx context.Context, ch *Charge) (string, bool, error) {
	if ch.RevenueCode != nil && *ch.RevenueCode != "" {
		return ComponentFacility, false, nil
	}
	for _, m := range ch.Modifiers {
		if m == ModifierProfessional {
			return ComponentProfessional, false, nil
		}
	}
	for _, m := range ch.Modifiers {
		if m == ModifierTechnical {
			return ComponentFacility, false, nil
		}
	}
	if c.providers != nil {
		for _, id := range []*string{ch.PerformerID, ch.OrderingProviderID} {
			if id == nil {
				continue
			}
			employed, err := c.providers.IsEmployed(ctx, *id)
			if err != nil {
				return "", false, fmt.Errorf("provider lookup %s: %w", *id, err)
			}
			if employed {
				return ComponentBoth, true, nil
			}
		}
	}
	return ComponentFacility, false, nil
}
