package readiness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medcode/medcode/internal/domain/encounter"
	"github.com/medcode/medcode/internal/platform/db"
	"github.com/medcode/medcode/internal/platform/keylock"
)

type fakeGenerator struct {
	calls int
	err   error
}

func (g *fakeGenerator) Generate(_ context.Context, _ *encounter.Encounter, _ string) error {
	g.calls++
	return g.err
}

type machineFixture struct {
	ctx     context.Context
	repo    encounter.Repository
	gen     *fakeGenerator
	guard   *encounter.Guard
	machine *Machine
}

func newMachineFixture() *machineFixture {
	f := &machineFixture{
		ctx:  db.WithTenantID(context.Background(), "acme"),
		repo: encounter.NewMemRepo(),
		gen:  &fakeGenerator{},
	}
	f.guard = encounter.NewGuard(keylock.New(16), nil)
	f.machine = NewMachine(f.repo, f.gen, f.guard, zerolog.Nop())
	return f
}

func (f *machineFixture) encounter(t *testing.T, visit, status string, lastActivity time.Time) *encounter.Encounter {
	t.Helper()
	p := &encounter.Patient{MRN: "MRN-" + visit}
	if err := f.repo.CreatePatient(f.ctx, p); err != nil {
		t.Fatal(err)
	}
	e := &encounter.Encounter{VisitID: visit, PatientID: p.ID, Status: status, LastActivityAt: lastActivity}
	if err := f.repo.Create(f.ctx, e); err != nil {
		t.Fatal(err)
	}
	return e
}

func (f *machineFixture) reload(t *testing.T, visit string) *encounter.Encounter {
	t.Helper()
	e, err := f.repo.GetByVisit(f.ctx, visit)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestNext_Table(t *testing.T) {
	cases := []struct {
		from string
		ev   Event
		to   string
		ok   bool
	}{
		{encounter.StatusOpen, EventDischarge, encounter.StatusDischarged, true},
		{encounter.StatusDischarged, EventDischarge, encounter.StatusReadyToCode, true},
		{encounter.StatusOpen, EventTimeout, encounter.StatusStale, true},
		{encounter.StatusDischarged, EventTimeout, encounter.StatusStale, true},
		{encounter.StatusStale, EventOperatorReady, encounter.StatusReadyToCode, true},
		{encounter.StatusStale, EventDischarge, "", false},
		{encounter.StatusStale, EventTimeout, "", false},
		{encounter.StatusReadyToCode, EventTimeout, "", false},
		{encounter.StatusReadyToCode, EventOperatorReady, "", false},
		{encounter.StatusReadyToCode, EventCoded, encounter.StatusCoded, true},
		{encounter.StatusCoded, EventCancel, "", false},
		{encounter.StatusCancelled, EventOperatorReady, "", false},
	}
	for _, tc := range cases {
		to, ok := Next(tc.from, tc.ev)
		if to != tc.to || ok != tc.ok {
			t.Errorf("Next(%s, %s) = %q,%v want %q,%v", tc.from, tc.ev, to, ok, tc.to, tc.ok)
		}
	}
}

func TestDischarge_AdvancesToReadyOnce(t *testing.T) {
	f := newMachineFixture()
	e := f.encounter(t, "V1", encounter.StatusOpen, time.Now())

	if err := f.machine.Discharge(f.ctx, e, "system"); err != nil {
		t.Fatalf("discharge: %v", err)
	}
	if e.Status != encounter.StatusReadyToCode || f.gen.calls != 1 {
		t.Fatalf("expected ready_to_code with one packet, got %s/%d", e.Status, f.gen.calls)
	}
	history, _ := f.repo.GetStatusHistory(f.ctx, e.ID)
	if len(history) != 2 || history[0].ToStatus != encounter.StatusDischarged || history[1].ToStatus != encounter.StatusReadyToCode {
		t.Errorf("unexpected history %+v", history)
	}

	e = f.reload(t, "V1")
	if err := f.machine.Discharge(f.ctx, e, "system"); err != nil {
		t.Fatalf("second discharge: %v", err)
	}
	if f.gen.calls != 1 {
		t.Errorf("duplicate discharge must not regenerate, got %d calls", f.gen.calls)
	}
	if strVal(f.reload(t, "V1").ReadinessReason) != "discharged" {
		t.Errorf("expected readiness reason")
	}
}

func TestDischarge_StaleDoesNotAdvance(t *testing.T) {
	f := newMachineFixture()
	e := f.encounter(t, "V1", encounter.StatusStale, time.Now())
	if err := f.machine.Discharge(f.ctx, e, "system"); err != nil {
		t.Fatal(err)
	}
	if f.reload(t, "V1").Status != encounter.StatusStale || f.gen.calls != 0 {
		t.Errorf("stale encounter must wait for an operator")
	}
}

func TestMarkReady(t *testing.T) {
	f := newMachineFixture()
	f.encounter(t, "V1", encounter.StatusStale, time.Now())

	if _, err := f.machine.MarkReady(f.ctx, "V1", "  ", "coder1"); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("expected ErrReasonRequired, got %v", err)
	}
	e, err := f.machine.MarkReady(f.ctx, "V1", "chart complete", "coder1")
	if err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if e.Status != encounter.StatusReadyToCode || strVal(e.ReadinessReason) != "chart complete" {
		t.Errorf("unexpected encounter %+v", e)
	}
	history, _ := f.repo.GetStatusHistory(f.ctx, e.ID)
	if len(history) != 1 || history[0].Actor != "coder1" || history[0].Reason != "chart complete" {
		t.Errorf("unexpected history %+v", history)
	}
	if _, err := f.machine.MarkReady(f.ctx, "V1", "again", "coder1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.machine.MarkReady(f.ctx, "NOPE", "x", "coder1"); !errors.Is(err, encounter.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newMachineFixture()
	e := f.encounter(t, "V1", encounter.StatusOpen, time.Now())
	if err := f.machine.Cancel(f.ctx, e, "cancel admit", "system"); err != nil {
		t.Fatal(err)
	}
	if e.Status != encounter.StatusCancelled {
		t.Errorf("expected cancelled, got %s", e.Status)
	}
	if err := f.machine.Cancel(f.ctx, e, "again", "system"); err != nil {
		t.Errorf("cancel of a terminal encounter should be a no-op, got %v", err)
	}
	if f.gen.calls != 0 {
		t.Errorf("cancel must not generate packets")
	}
}

func TestMarkCoded(t *testing.T) {
	f := newMachineFixture()
	e := f.encounter(t, "V1", encounter.StatusReadyToCode, time.Now())
	if err := f.machine.MarkCoded(f.ctx, e.ID, "coder1"); err != nil {
		t.Fatal(err)
	}
	if f.reload(t, "V1").Status != encounter.StatusCoded {
		t.Errorf("expected coded")
	}
	if err := f.machine.MarkCoded(f.ctx, e.ID, "coder1"); err != nil {
		t.Errorf("repeat MarkCoded should be a no-op, got %v", err)
	}
}

func TestApply_GeneratorErrors(t *testing.T) {
	f := newMachineFixture()
	f.gen.err = ErrAlreadyGenerated
	e := f.encounter(t, "V1", encounter.StatusDischarged, time.Now())
	if err := f.machine.Discharge(f.ctx, e, "system"); err != nil {
		t.Errorf("ErrAlreadyGenerated should be tolerated, got %v", err)
	}

	boom := errors.New("boom")
	f.gen.err = boom
	e = f.encounter(t, "V2", encounter.StatusDischarged, time.Now())
	if err := f.machine.Discharge(f.ctx, e, "system"); !errors.Is(err, boom) {
		t.Errorf("expected generator error, got %v", err)
	}
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
