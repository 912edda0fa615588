package packet

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/medcode/medcode/internal/domain/encounter"
)

func (f *fixture) generated(t *testing.T, visit string, alwaysProfessional bool) *encounter.Encounter {
	t.Helper()
	f.settings.settings.Config.AlwaysCreateProfessional = alwaysProfessional
	enc := f.encounter(t, visit, encounter.ClassInpatient)
	if err := f.gen.Generate(f.ctx, enc, "system"); err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestRefreshEncounter_AddsVersionAndKeepsOld(t *testing.T) {
	f := newFixture()
	enc := f.generated(t, "V200", true)
	items := f.items(t, enc)
	if _, err := f.svc.Complete(f.ctx, items[encounter.ComponentProfessional].ID, "coder1"); err != nil {
		t.Fatal(err)
	}

	late := testNow
	enc, _ = f.encounters.GetByID(f.ctx, enc.ID)
	enc.LateDataAt = &late
	if err := f.encounters.Update(f.ctx, enc); err != nil {
		t.Fatal(err)
	}
	if _, err := f.encounters.AddDiagnosis(f.ctx, &encounter.Diagnosis{EncounterID: enc.ID, Code: "E11.9", DiagnosisType: "F", Late: true}); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.RefreshEncounter(f.ctx, "V200", "coder1")
	if err != nil {
		t.Fatal(err)
	}
	if res.SnapshotVersion != 2 || len(res.Items) != 1 {
		t.Fatalf("want version 2 with one item repointed, got %+v", res)
	}

	v1, err := f.svc.GetSnapshot(f.ctx, "V200", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(v1.Data.Diagnoses) != 0 {
		t.Error("version 1 must not change after a refresh")
	}
	v2, _ := f.svc.GetSnapshot(f.ctx, "V200", 2)
	if len(v2.Data.Diagnoses) != 1 || v2.Reason != ReasonRefresh {
		t.Errorf("version 2 should carry the late diagnosis: %+v", v2)
	}

	after := f.items(t, enc)
	if after[encounter.ComponentFacility].SnapshotVersion != 2 {
		t.Error("pending item should point at version 2")
	}
	if after[encounter.ComponentProfessional].SnapshotVersion != 1 {
		t.Error("completed item must keep its snapshot")
	}
	got, _ := f.encounters.GetByID(f.ctx, enc.ID)
	if got.LateDataAt != nil {
		t.Error("refresh should clear the late data marker")
	}
}

func TestRefreshEncounter_Errors(t *testing.T) {
	f := newFixture()
	f.encounter(t, "V201", encounter.ClassInpatient)
	if _, err := f.svc.RefreshEncounter(f.ctx, "V201", "coder1"); !errors.Is(err, ErrNotGenerated) {
		t.Errorf("want ErrNotGenerated, got %v", err)
	}
	if _, err := f.svc.RefreshEncounter(f.ctx, "NOPE", "coder1"); !errors.Is(err, encounter.ErrNotFound) {
		t.Errorf("want encounter.ErrNotFound, got %v", err)
	}

	enc := f.generated(t, "V202", false)
	item := f.items(t, enc)[encounter.ComponentFacility]
	if _, err := f.svc.Complete(f.ctx, item.ID, "coder1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RefreshEncounter(f.ctx, "V202", "coder1"); !errors.Is(err, ErrItemCompleted) {
		t.Errorf("want ErrItemCompleted, got %v", err)
	}
	if _, err := f.svc.RefreshItem(f.ctx, item.ID, "coder1"); !errors.Is(err, ErrItemCompleted) {
		t.Errorf("want ErrItemCompleted, got %v", err)
	}
}

func TestRefreshItem_RepointsOnlyThatItem(t *testing.T) {
	f := newFixture()
	enc := f.generated(t, "V203", true)
	items := f.items(t, enc)

	late := testNow.Add(time.Minute)
	enc, _ = f.encounters.GetByID(f.ctx, enc.ID)
	enc.LateDataAt = &late
	if err := f.encounters.Update(f.ctx, enc); err != nil {
		t.Fatal(err)
	}
	f.gen.SetClock(func() time.Time { return testNow.Add(time.Hour) })

	res, err := f.svc.RefreshItem(f.ctx, items[encounter.ComponentFacility].ID, "coder1")
	if err != nil {
		t.Fatal(err)
	}
	if res.SnapshotVersion != 2 {
		t.Fatalf("want version 2, got %d", res.SnapshotVersion)
	}
	after := f.items(t, enc)
	if after[encounter.ComponentProfessional].SnapshotVersion != 1 {
		t.Error("other item should not be repointed")
	}
	if got, _ := f.encounters.GetByID(f.ctx, enc.ID); got.LateDataAt == nil {
		t.Error("late data should stay flagged while an open item is behind")
	}

	res, err = f.svc.RefreshItem(f.ctx, items[encounter.ComponentProfessional].ID, "coder1")
	if err != nil {
		t.Fatal(err)
	}
	if res.SnapshotVersion != 3 {
		t.Fatalf("want version 3, got %d", res.SnapshotVersion)
	}
	if after := f.items(t, enc); after[encounter.ComponentFacility].SnapshotVersion != 2 {
		t.Error("facility item should stay on version 2")
	}
	if got, _ := f.encounters.GetByID(f.ctx, enc.ID); got.LateDataAt != nil {
		t.Error("late data should clear once every open item is past the late data")
	}
}

func TestRefreshItem_StaleSnapshotKeepsLateData(t *testing.T) {
	f := newFixture()
	enc := f.generated(t, "V205", false)
	item := f.items(t, enc)[encounter.ComponentFacility]

	// Snapshots captured before the late data do not clear it.
	late := testNow.Add(time.Hour)
	enc, _ = f.encounters.GetByID(f.ctx, enc.ID)
	enc.LateDataAt = &late
	if err := f.encounters.Update(f.ctx, enc); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RefreshItem(f.ctx, item.ID, "coder1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.encounters.GetByID(f.ctx, enc.ID); got.LateDataAt == nil {
		t.Error("late data cleared by a snapshot that predates it")
	}

	f.gen.SetClock(func() time.Time { return late.Add(time.Second) })
	if _, err := f.svc.RefreshItem(f.ctx, item.ID, "coder1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.encounters.GetByID(f.ctx, enc.ID); got.LateDataAt != nil {
		t.Error("late data should clear after a snapshot past it")
	}
}

func TestAssign(t *testing.T) {
	f := newFixture()
	enc := f.generated(t, "V204", false)
	item := f.items(t, enc)[encounter.ComponentFacility]

	if _, err := f.svc.Assign(f.ctx, item.ID, "  ", "lead"); !errors.Is(err, ErrAssigneeRequired) {
		t.Errorf("want ErrAssigneeRequired, got %v", err)
	}
	got, err := f.svc.Assign(f.ctx, item.ID, "coder1", "lead")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ItemAssigned || got.AssignedTo == nil || *got.AssignedTo != "coder1" {
		t.Errorf("unexpected item %+v", got)
	}
	if got, _ = f.svc.Assign(f.ctx, item.ID, "coder2", "lead"); got == nil || *got.AssignedTo != "coder2" {
		t.Error("reassignment should be allowed")
	}
	list, total, err := f.svc.ListItems(f.ctx, ItemFilter{AssignedTo: "coder2"}, 10, 0)
	if err != nil || total != 1 || len(list) != 1 {
		t.Errorf("filter by assignee: total=%d err=%v", total, err)
	}
}

func TestComplete_LastItemMarksCoded(t *testing.T) {
	f := newFixture()
	enc := f.generated(t, "V205", true)
	items := f.items(t, enc)

	if _, err := f.svc.Complete(f.ctx, items[encounter.ComponentFacility].ID, "coder1"); err != nil {
		t.Fatal(err)
	}
	if len(f.coded.calls) != 0 {
		t.Fatal("encounter marked coded with an item still open")
	}
	if _, err := f.svc.Complete(f.ctx, items[encounter.ComponentProfessional].ID, "coder2"); err != nil {
		t.Fatal(err)
	}
	if len(f.coded.calls) != 1 || f.coded.calls[0] != enc.ID {
		t.Errorf("want one MarkCoded for %s, got %v", enc.ID, f.coded.calls)
	}
	if _, err := f.svc.Complete(f.ctx, items[encounter.ComponentProfessional].ID, "coder2"); !errors.Is(err, ErrItemCompleted) {
		t.Errorf("want ErrItemCompleted, got %v", err)
	}
}

func TestComplete_CancelledEncounterIsNotCoded(t *testing.T) {
	f := newFixture()
	enc := f.generated(t, "V206", false)
	enc, _ = f.encounters.GetByID(f.ctx, enc.ID)
	enc.Status = encounter.StatusCancelled
	if err := f.encounters.Update(f.ctx, enc); err != nil {
		t.Fatal(err)
	}
	item := f.items(t, enc)[encounter.ComponentFacility]
	if _, err := f.svc.Complete(f.ctx, item.ID, "coder1"); err != nil {
		t.Fatal(err)
	}
	if len(f.coded.calls) != 0 {
		t.Error("cancelled encounter must not be marked coded")
	}
}

type recordingNotifier struct {
	events []string
}

func (r *recordingNotifier) Notify(_ context.Context, event string, item *WorkQueueItem) {
	r.events = append(r.events, event+":"+item.Component)
}

func TestNotifier_ReceivesItemLifecycle(t *testing.T) {
	f := newFixture()
	n := &recordingNotifier{}
	f.gen.SetNotifier(n)
	f.svc.SetNotifier(n)

	enc := f.generated(t, "V300", false)
	item := f.items(t, enc)[encounter.ComponentFacility]
	if _, err := f.svc.Assign(f.ctx, item.ID, "coder1", "lead"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RefreshItem(f.ctx, item.ID, "coder1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Complete(f.ctx, item.ID, "coder1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Complete(f.ctx, item.ID, "coder1"); !errors.Is(err, ErrItemCompleted) {
		t.Fatalf("want ErrItemCompleted, got %v", err)
	}

	want := []string{
		"item.created:facility",
		"item.assigned:facility",
		"item.refreshed:facility",
		"item.completed:facility",
	}
	if strings.Join(n.events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", n.events, want)
	}
}
