package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/medcode/medcode/internal/platform/db"
)

func tenantCtx(id string) context.Context {
	return db.WithTenantID(context.Background(), id)
}

func TestRecordAndCheck_Duplicate(t *testing.T) {
	repo := NewMemRepo()
	ctx := tenantCtx("acme")

	first := &RawMessage{ControlID: "MSG001", Raw: "MSH|..."}
	res, err := repo.RecordAndCheck(ctx, first)
	if err != nil || res != New {
		t.Fatalf("expected new, got %v %v", res, err)
	}

	second := &RawMessage{ControlID: "MSG001", Raw: "MSH|..."}
	res, err = repo.RecordAndCheck(ctx, second)
	if err != nil || res != Duplicate {
		t.Fatalf("expected duplicate, got %v %v", res, err)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Errorf("expected duplicate outcome, got %s", second.Outcome)
	}
	if second.DuplicateOf == nil || *second.DuplicateOf != first.ID {
		t.Error("duplicate must point at the original row")
	}

	_, total, _ := repo.List(ctx, Filter{}, 10, 0)
	if total != 2 {
		t.Errorf("expected both deliveries stored, got %d", total)
	}
}

func TestRecordAndCheck_TenantScoped(t *testing.T) {
	repo := NewMemRepo()
	repo.RecordAndCheck(tenantCtx("acme"), &RawMessage{ControlID: "MSG001"})
	res, _ := repo.RecordAndCheck(tenantCtx("globex"), &RawMessage{ControlID: "MSG001"})
	if res != New {
		t.Error("control ids are unique per tenant only")
	}
}

func TestRecordAndCheck_BlankControlIDAlwaysNew(t *testing.T) {
	repo := NewMemRepo()
	ctx := tenantCtx("acme")
	for i := 0; i < 2; i++ {
		res, _ := repo.RecordAndCheck(ctx, &RawMessage{ControlID: ""})
		if res != New {
			t.Fatalf("delivery %d: expected new", i)
		}
	}
}

func TestRecordAndCheck_ConcurrentDeliveries(t *testing.T) {
	repo := NewMemRepo()
	ctx := tenantCtx("acme")

	var wg sync.WaitGroup
	results := make([]Result, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = repo.RecordAndCheck(ctx, &RawMessage{ControlID: "MSG-RACE"})
		}(i)
	}
	wg.Wait()

	news := 0
	for _, r := range results {
		if r == New {
			news++
		}
	}
	if news != 1 {
		t.Errorf("expected exactly one new delivery, got %d", news)
	}
}

func TestComplete_Once(t *testing.T) {
	repo := NewMemRepo()
	ctx := tenantCtx("acme")
	m := &RawMessage{ControlID: "MSG001"}
	repo.RecordAndCheck(ctx, m)

	encID := uuid.New()
	err := repo.Complete(ctx, m.ID, Completion{Outcome: OutcomeProcessed, VisitID: "V100", EncounterID: &encID, Warnings: []string{"w"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = repo.Complete(ctx, m.ID, Completion{Outcome: OutcomeError})
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}

	got, _ := repo.Get(ctx, m.ID)
	if got.Outcome != OutcomeProcessed || got.VisitID == nil || *got.VisitID != "V100" {
		t.Errorf("unexpected row %+v", got)
	}
}

func TestRecordReprocess(t *testing.T) {
	repo := NewMemRepo()
	ctx := tenantCtx("acme")
	m := &RawMessage{ControlID: "MSG001"}
	repo.RecordAndCheck(ctx, m)
	repo.Complete(ctx, m.ID, Completion{Outcome: OutcomeError, Detail: "missing visit", VisitID: "V1"})

	if err := repo.RecordReprocess(ctx, m.ID, Completion{Outcome: OutcomeProcessed}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := repo.Get(ctx, m.ID)
	if got.Outcome != OutcomeProcessed || got.ErrorDetail != nil {
		t.Errorf("reprocess outcome not recorded: %+v", got)
	}
	if got.ReprocessCount != 1 {
		t.Errorf("expected reprocess count 1, got %d", got.ReprocessCount)
	}
	if got.VisitID == nil || *got.VisitID != "V1" {
		t.Error("reprocess without a visit must keep the previous link")
	}
	if err := repo.RecordReprocess(ctx, uuid.New(), Completion{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList_Filter(t *testing.T) {
	repo := NewMemRepo()
	ctx := tenantCtx("acme")
	a := &RawMessage{ControlID: "A"}
	b := &RawMessage{ControlID: "B"}
	repo.RecordAndCheck(ctx, a)
	repo.RecordAndCheck(ctx, b)
	repo.RecordAndCheck(ctx, &RawMessage{ControlID: "A"})
	repo.Complete(ctx, a.ID, Completion{Outcome: OutcomeProcessed})
	repo.Complete(ctx, b.ID, Completion{Outcome: OutcomeIgnored})

	_, total, _ := repo.List(ctx, Filter{Outcome: OutcomeDuplicate}, 10, 0)
	if total != 1 {
		t.Errorf("expected 1 duplicate, got %d", total)
	}
	_, total, _ = repo.List(ctx, Filter{ControlID: "A"}, 10, 0)
	if total != 2 {
		t.Errorf("expected 2 rows for control id A, got %d", total)
	}
}
