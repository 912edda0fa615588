package readiness

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medcode/medcode/internal/domain/encounter"
	"github.com/medcode/medcode/internal/domain/tenantcfg"
)

func newSweeper(f *machineFixture, now time.Time) *Sweeper {
	corr := encounter.NewCorrelator(f.repo, nil, zerolog.Nop())
	settings := tenantcfg.NewService(tenantcfg.NewMemRepo(), nil, 72)
	s := NewSweeper(f.repo, f.machine, corr, f.guard, settings, nil, "acme", zerolog.Nop())
	s.SetClock(func() time.Time { return now })
	return s
}

func TestSweeper_MarksOnlyInactiveOpenEncounters(t *testing.T) {
	f := newMachineFixture()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	old := now.Add(-73 * time.Hour)
	f.encounter(t, "OLD-OPEN", encounter.StatusOpen, old)
	f.encounter(t, "OLD-DISCH", encounter.StatusDischarged, old)
	f.encounter(t, "RECENT", encounter.StatusOpen, now.Add(-time.Hour))
	f.encounter(t, "OLD-READY", encounter.StatusReadyToCode, old)

	res, err := newSweeper(f, now).RunOnce(f.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Marked != 2 || res.Tenants != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	want := map[string]string{
		"OLD-OPEN":  encounter.StatusStale,
		"OLD-DISCH": encounter.StatusStale,
		"RECENT":    encounter.StatusOpen,
		"OLD-READY": encounter.StatusReadyToCode,
	}
	for visit, status := range want {
		if got := f.reload(t, visit).Status; got != status {
			t.Errorf("%s: got %s, want %s", visit, got, status)
		}
	}
	if f.gen.calls != 0 {
		t.Errorf("sweeper must never generate packets")
	}

	res, err = newSweeper(f, now).RunOnce(f.ctx)
	if err != nil || res.Marked != 0 {
		t.Errorf("second sweep should mark nothing, got %+v %v", res, err)
	}
}

func TestSweeper_ReconcilesResults(t *testing.T) {
	f := newMachineFixture()
	now := time.Now().UTC()
	e := f.encounter(t, "V1", encounter.StatusOpen, now)
	filler := "FL1"
	if err := f.repo.AddObservation(f.ctx, &encounter.Observation{EncounterID: e.ID, FillerID: &filler, Code: "GLU"}); err != nil {
		t.Fatal(err)
	}
	if err := f.repo.AddOrder(f.ctx, &encounter.Order{EncounterID: e.ID, FillerID: &filler}); err != nil {
		t.Fatal(err)
	}

	res, err := newSweeper(f, now).RunTenant(f.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Linked != 1 {
		t.Errorf("expected 1 linked result, got %d", res.Linked)
	}
	rec, _ := f.repo.LoadRecord(f.ctx, e.ID)
	if rec.Observations[0].OrderID == nil || *rec.Observations[0].OrderID == uuid.Nil {
		t.Errorf("observation should be linked")
	}
}
