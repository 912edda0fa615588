package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medcode/medcode/internal/domain/encounter"
	"github.com/medcode/medcode/internal/domain/ledger"
	"github.com/medcode/medcode/internal/domain/packet"
	"github.com/medcode/medcode/internal/domain/provider"
	"github.com/medcode/medcode/internal/domain/readiness"
	"github.com/medcode/medcode/internal/domain/tenantcfg"
	"github.com/medcode/medcode/internal/platform/db"
	"github.com/medcode/medcode/internal/platform/hl7v2"
	"github.com/medcode/medcode/internal/platform/keylock"
)

type fixture struct {
	ctx        context.Context
	ledger     ledger.Repository
	encounters encounter.Repository
	packets    packet.Repository
	svc        *Service
}

func newFixture() *fixture {
	f := &fixture{
		ctx:        db.WithTenantID(context.Background(), "acme"),
		ledger:     ledger.NewMemRepo(),
		encounters: encounter.NewMemRepo(),
		packets:    packet.NewMemRepo(),
	}
	nop := zerolog.Nop()
	providers := provider.NewService(provider.NewMemRepo())
	settings := tenantcfg.NewService(tenantcfg.NewMemRepo(), nil, 72)
	guard := encounter.NewGuard(keylock.New(64), nil)
	corr := encounter.NewCorrelator(f.encounters, providers, nop)
	gen := packet.NewGenerator(f.packets, f.encounters, settings, providers, nop)
	machine := readiness.NewMachine(f.encounters, gen, guard, nop)
	f.svc = NewService(f.ledger, corr, machine, guard, nil, "acme", 4, nop)
	return f
}

func (f *fixture) ingest(t *testing.T, ctx context.Context, msgs ...[]byte) *BatchResult {
	t.Helper()
	res, err := f.svc.Ingest(ctx, ChannelCLI, "test", batch(msgs...))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return res
}

func (f *fixture) encounter(t *testing.T, ctx context.Context, visit string) *encounter.Encounter {
	t.Helper()
	enc, err := f.encounters.GetByVisit(ctx, visit)
	if err != nil {
		t.Fatalf("get %s: %v", visit, err)
	}
	return enc
}

func batch(msgs ...[]byte) []byte {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = string(m)
	}
	return []byte(strings.Join(parts, "\r"))
}

func adt(event, controlID, visit string, extra ...*hl7v2.SegmentBuilder) []byte {
	segs := []*hl7v2.SegmentBuilder{
		hl7v2.NewSegment("PID").Set(3, "MRN-"+visit).Set(5, "DOE", "JANE"),
		hl7v2.NewSegment("PV1").Set(2, "I").Set(19, visit),
	}
	return hl7v2.BuildMessage("ADT", event, controlID, append(segs, extra...)...)
}

func dg1(code string) *hl7v2.SegmentBuilder {
	return hl7v2.NewSegment("DG1").Set(1, "1").Set(3, code, "", "I10").Set(6, "F")
}

func TestIngest_AdmitThenDischargeProducesOnePacket(t *testing.T) {
	f := newFixture()
	res := f.ingest(t, f.ctx,
		adt("A01", "MSG001", "V100"),
		adt("A03", "MSG002", "V100"),
	)
	if res.Total != 2 || res.Processed != 2 {
		t.Fatalf("want 2 processed, got %+v", res)
	}
	if res.Messages[1].Status != encounter.StatusReadyToCode {
		t.Errorf("discharge result status: %q", res.Messages[1].Status)
	}

	enc := f.encounter(t, f.ctx, "V100")
	if enc.Status != encounter.StatusReadyToCode {
		t.Fatalf("want ready_to_code, got %s", enc.Status)
	}
	items, err := f.packets.ListItemsByEncounter(f.ctx, enc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Component != encounter.ComponentFacility || items[0].SnapshotVersion != 1 {
		t.Fatalf("want one facility item on snapshot 1, got %+v", items)
	}
}

func TestIngest_DuplicateControlIDIsNotReprocessed(t *testing.T) {
	f := newFixture()
	msg := adt("A01", "MSG010", "V110", dg1("I10"))
	f.ingest(t, f.ctx, msg)
	before := f.encounter(t, f.ctx, "V110")

	res := f.ingest(t, f.ctx, msg)
	if res.Duplicates != 1 || res.Messages[0].Outcome != ledger.OutcomeDuplicate {
		t.Fatalf("want duplicate, got %+v", res.Messages[0])
	}

	rec, err := f.encounters.LoadRecord(f.ctx, before.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Diagnoses) != 1 {
		t.Errorf("want 1 diagnosis, got %d", len(rec.Diagnoses))
	}
	if !rec.Encounter.LastActivityAt.Equal(before.LastActivityAt) {
		t.Error("duplicate must not touch the encounter")
	}

	for outcome, want := range map[ledger.Outcome]int{ledger.OutcomeProcessed: 1, ledger.OutcomeDuplicate: 1} {
		_, total, err := f.ledger.List(f.ctx, ledger.Filter{Outcome: outcome}, 10, 0)
		if err != nil {
			t.Fatal(err)
		}
		if total != want {
			t.Errorf("%s rows: want %d, got %d", outcome, want, total)
		}
	}
}

func TestIngest_DuplicateDischargeTriggersReadinessOnce(t *testing.T) {
	f := newFixture()
	f.ingest(t, f.ctx, adt("A01", "MSG020", "V120"), adt("A03", "MSG021", "V120"))
	f.ingest(t, f.ctx, adt("A03", "MSG022", "V120"))

	enc := f.encounter(t, f.ctx, "V120")
	history, _ := f.encounters.GetStatusHistory(f.ctx, enc.ID)
	ready := 0
	for _, h := range history {
		if h.ToStatus == encounter.StatusReadyToCode {
			ready++
		}
	}
	if ready != 1 {
		t.Errorf("want one ready_to_code transition, got %d", ready)
	}
	snaps, _ := f.packets.ListSnapshots(f.ctx, enc.ID)
	if len(snaps) != 1 {
		t.Errorf("want one snapshot, got %d", len(snaps))
	}
}

func TestIngest_DischargeBeforeAdmission(t *testing.T) {
	f := newFixture()
	f.ingest(t, f.ctx, adt("A03", "MSG030", "V130"))

	enc := f.encounter(t, f.ctx, "V130")
	if !enc.NeedsReview {
		t.Error("encounter created from a discharge needs review")
	}
	history, _ := f.encounters.GetStatusHistory(f.ctx, enc.ID)
	var path []string
	for _, h := range history {
		path = append(path, h.ToStatus)
	}
	if strings.Join(path, ",") != "discharged,ready_to_code" {
		t.Errorf("status path: %v", path)
	}
	items, _ := f.packets.ListItemsByEncounter(f.ctx, enc.ID)
	if len(items) == 0 {
		t.Error("packet should still be produced")
	}
}

func TestIngest_CancelStopsPacket(t *testing.T) {
	f := newFixture()
	f.ingest(t, f.ctx, adt("A01", "MSG040", "V140"), adt("A11", "MSG041", "V140"), adt("A03", "MSG042", "V140"))

	enc := f.encounter(t, f.ctx, "V140")
	if enc.Status != encounter.StatusCancelled {
		t.Fatalf("want cancelled, got %s", enc.Status)
	}
	if items, _ := f.packets.ListItemsByEncounter(f.ctx, enc.ID); len(items) != 0 {
		t.Errorf("cancelled encounter must not get work items, got %d", len(items))
	}
}

func TestIngest_CancelForUnknownVisitCreatesNothing(t *testing.T) {
	f := newFixture()
	res := f.ingest(t, f.ctx, adt("A11", "MSG045", "V145")).Messages[0]

	if res.Outcome != ledger.OutcomeProcessed || len(res.Warnings) == 0 {
		t.Errorf("want processed with a warning, got %s %v", res.Outcome, res.Warnings)
	}
	if _, err := f.encounters.GetByVisit(f.ctx, "V145"); !errors.Is(err, encounter.ErrNotFound) {
		t.Errorf("cancel must not create an encounter, got %v", err)
	}
}

func TestIngest_BadMessagesDoNotStopTheBatch(t *testing.T) {
	f := newFixture()
	noVisit := hl7v2.BuildMessage("ADT", "A01", "MSG051", hl7v2.NewSegment("PID").Set(3, "MRN-X"))
	res, err := f.svc.Ingest(f.ctx, ChannelCLI, "test", batch(
		[]byte("PID|1||JUNK"),
		adt("A60", "MSG050", "V150"),
		noVisit,
		adt("A01", "MSG052", "V151"),
	))
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 4 || res.Errors != 2 || res.Ignored != 1 || res.Processed != 1 {
		t.Fatalf("unexpected summary %+v", res)
	}
	if res.Messages[0].Outcome != ledger.OutcomeError || res.Messages[0].Detail == "" {
		t.Errorf("malformed entry: %+v", res.Messages[0])
	}
	if res.Messages[2].Detail != encounter.ErrNoVisit.Error() {
		t.Errorf("missing visit detail: %q", res.Messages[2].Detail)
	}
	stored, err := f.ledger.Get(f.ctx, res.Messages[1].MessageID)
	if err != nil || stored.Outcome != ledger.OutcomeIgnored {
		t.Errorf("unhandled message should be stored as ignored: %+v %v", stored, err)
	}
}

type snapshotState struct {
	status    string
	class     string
	diagnoses int
}

func (f *fixture) state(t *testing.T, ctx context.Context, visit string) snapshotState {
	t.Helper()
	enc := f.encounter(t, ctx, visit)
	rec, err := f.encounters.LoadRecord(ctx, enc.ID)
	if err != nil {
		t.Fatal(err)
	}
	return snapshotState{status: enc.Status, class: enc.Class, diagnoses: len(rec.Diagnoses)}
}

func TestIngest_OrderIndependentAcrossVisits(t *testing.T) {
	a1 := adt("A01", "A-1", "VA", dg1("I10"))
	a2 := hl7v2.BuildMessage("ADT", "A06", "A-2",
		hl7v2.NewSegment("PID").Set(3, "MRN-VA"),
		hl7v2.NewSegment("PV1").Set(2, "O").Set(19, "VA"))
	a3 := adt("A03", "A-3", "VA", dg1("E11.9"))
	b1 := adt("A04", "B-1", "VB")
	b2 := adt("A08", "B-2", "VB", dg1("J45"))

	f := newFixture()
	interleaved := db.WithTenantID(context.Background(), "mixed")
	sorted := db.WithTenantID(context.Background(), "sorted")
	f.ingest(t, interleaved, b1, a1, b2, a2, a3)
	f.ingest(t, sorted, a1, a2, a3)
	f.ingest(t, sorted, b1, b2)

	for _, visit := range []string{"VA", "VB"} {
		got, want := f.state(t, interleaved, visit), f.state(t, sorted, visit)
		if got != want {
			t.Errorf("%s: interleaved %+v, sorted %+v", visit, got, want)
		}
	}
	if s := f.state(t, sorted, "VA"); s.class != encounter.ClassOutpatient || s.status != encounter.StatusReadyToCode || s.diagnoses != 2 {
		t.Errorf("VA final state %+v", s)
	}
}

func dft(controlID, visit, code string) []byte {
	return hl7v2.BuildMessage("DFT", "P03", controlID,
		hl7v2.NewSegment("PID").Set(3, "MRN-"+visit),
		hl7v2.NewSegment("PV1").Set(2, "I").Set(19, visit),
		hl7v2.NewSegment("FT1").Set(1, "1").Set(4, "20240115").Set(7, code).Set(10, "1").Set(11, "125.00"),
		hl7v2.NewSegment("ORC").Set(1, "NW").Set(2, "PL-"+controlID).Set(3, "FL-"+controlID),
		hl7v2.NewSegment("OBR").Set(1, "1").Set(2, "PL-"+controlID).Set(3, "FL-"+controlID).Set(4, "80048", "BMP"),
	)
}

func (f *fixture) lineItems(t *testing.T, visit string) (charges, orders int) {
	t.Helper()
	enc := f.encounter(t, f.ctx, visit)
	rec, err := f.encounters.LoadRecord(f.ctx, enc.ID)
	if err != nil {
		t.Fatal(err)
	}
	return len(rec.Charges), len(rec.Orders)
}

func TestReprocess(t *testing.T) {
	f := newFixture()
	admit := adt("A01", "MSG060", "V160", dg1("I10"))
	f.ingest(t, f.ctx, admit)
	dup := f.ingest(t, f.ctx, admit).Messages[0]
	billed := f.ingest(t, f.ctx, dft("MSG061", "V160", "99213")).Messages[0]
	if billed.Outcome != ledger.OutcomeProcessed {
		t.Fatalf("DFT outcome %s: %s", billed.Outcome, billed.Detail)
	}

	if _, err := f.svc.Reprocess(f.ctx, dup.MessageID, "coder1"); !errors.Is(err, ErrNotReprocessable) {
		t.Errorf("duplicate: want ErrNotReprocessable, got %v", err)
	}
	if _, err := f.svc.Reprocess(f.ctx, billed.MessageID, "coder1"); !errors.Is(err, ErrNotReprocessable) {
		t.Errorf("processed: want ErrNotReprocessable, got %v", err)
	}
	if _, err := f.svc.Reprocess(f.ctx, uuid.New(), "coder1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("want ledger.ErrNotFound, got %v", err)
	}
	if charges, orders := f.lineItems(t, "V160"); charges != 1 || orders != 1 {
		t.Fatalf("refused reprocess changed line items: charges=%d orders=%d", charges, orders)
	}

	// A message whose processing failed after it was recorded.
	failed := &ledger.RawMessage{ControlID: "MSG062", MessageType: "DFT", EventCode: "P03",
		Raw: string(dft("MSG062", "V160", "99214")), Source: "test"}
	if _, err := f.ledger.RecordAndCheck(f.ctx, failed); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.Complete(f.ctx, failed.ID, ledger.Completion{Outcome: ledger.OutcomeError, Detail: "connection reset"}); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.Reprocess(f.ctx, failed.ID, "coder1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != ledger.OutcomeProcessed {
		t.Errorf("reprocess outcome %s", res.Outcome)
	}
	stored, _ := f.ledger.Get(f.ctx, failed.ID)
	if stored.ReprocessCount != 1 || stored.Outcome != ledger.OutcomeProcessed {
		t.Errorf("reprocess not recorded: %+v", stored)
	}
	if charges, orders := f.lineItems(t, "V160"); charges != 2 || orders != 2 {
		t.Errorf("want one new charge and order, got charges=%d orders=%d", charges, orders)
	}

	if _, err := f.svc.Reprocess(f.ctx, failed.ID, "coder1"); !errors.Is(err, ErrNotReprocessable) {
		t.Errorf("second reprocess: want ErrNotReprocessable, got %v", err)
	}
	if charges, orders := f.lineItems(t, "V160"); charges != 2 || orders != 2 {
		t.Errorf("second reprocess changed line items: charges=%d orders=%d", charges, orders)
	}
	enc := f.encounter(t, f.ctx, "V160")
	rec, _ := f.encounters.LoadRecord(f.ctx, enc.ID)
	if len(rec.Diagnoses) != 1 {
		t.Errorf("want 1 diagnosis, got %d", len(rec.Diagnoses))
	}
}

func TestPartition(t *testing.T) {
	entries := hl7v2.SplitBatch(batch(
		[]byte("PID|1||JUNK"),
		adt("A01", "1", "V1"),
		adt("A01", "2", "V2"),
		adt("A03", "3", "V1"),
	))
	parts := partition(entries)
	if len(parts) != 3 {
		t.Fatalf("want 3 partitions, got %d", len(parts))
	}
	if len(parts[0]) != 1 || parts[0][0].Err == nil {
		t.Errorf("unparseable entry should stand alone: %+v", parts[0])
	}
	if len(parts[1]) != 2 || parts[1][0].Index != 1 || parts[1][1].Index != 3 {
		t.Errorf("V1 partition should keep payload order: %+v", parts[1])
	}
}
