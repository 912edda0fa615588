package packet

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/medcode/medcode/internal/domain/encounter"
)

func isHTTPStatus(err error, code int) bool {
	he, ok := err.(*echo.HTTPError)
	return ok && he.Code == code
}

func TestHandler_QueueLifecycle(t *testing.T) {
	f := newFixture()
	enc := f.generated(t, "V300", false)
	item := f.items(t, enc)[encounter.ComponentFacility]
	h := NewHandler(f.svc)
	e := echo.New()

	call := func(method, body string, names, values []string, fn echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(method, "/", strings.NewReader(body)).WithContext(f.ctx)
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames(names...)
		c.SetParamValues(values...)
		return rec, fn(c)
	}
	id := []string{"id"}

	if _, err := call(http.MethodGet, "", id, []string{"not-a-uuid"}, h.GetItem); !isHTTPStatus(err, http.StatusBadRequest) {
		t.Errorf("expected 400 for a bad id, got %v", err)
	}
	if _, err := call(http.MethodPost, `{}`, id, []string{item.ID.String()}, h.Assign); !isHTTPStatus(err, http.StatusBadRequest) {
		t.Errorf("expected 400 without assignee, got %v", err)
	}
	rec, err := call(http.MethodPost, `{"assignee":"coder1"}`, id, []string{item.ID.String()}, h.Assign)
	if err != nil || rec.Code != http.StatusOK {
		t.Fatalf("assign: %v %d", err, rec.Code)
	}

	rec, err = call(http.MethodPost, "", []string{"visit"}, []string{"V300"}, h.RefreshEncounter)
	if err != nil || rec.Code != http.StatusOK {
		t.Fatalf("refresh: %v %d", err, rec.Code)
	}
	var res RefreshResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.SnapshotVersion != 2 {
		t.Errorf("refresh result %+v err=%v", res, err)
	}

	rec, err = call(http.MethodGet, "", []string{"visit"}, []string{"V300"}, h.ListSnapshots)
	if err != nil {
		t.Fatal(err)
	}
	var snaps []Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil || len(snaps) != 2 {
		t.Errorf("want 2 snapshots, got %d err=%v", len(snaps), err)
	}
	if _, err := call(http.MethodGet, "", []string{"visit", "version"}, []string{"V300", "0"}, h.GetSnapshot); !isHTTPStatus(err, http.StatusBadRequest) {
		t.Errorf("expected 400 for version 0, got %v", err)
	}
	if _, err := call(http.MethodGet, "", []string{"visit", "version"}, []string{"V300", "9"}, h.GetSnapshot); !isHTTPStatus(err, http.StatusNotFound) {
		t.Errorf("expected 404 for a missing version, got %v", err)
	}

	if _, err := call(http.MethodPost, "", id, []string{item.ID.String()}, h.Complete); err != nil {
		t.Fatal(err)
	}
	if _, err := call(http.MethodPost, "", id, []string{item.ID.String()}, h.Complete); !isHTTPStatus(err, http.StatusConflict) {
		t.Errorf("expected 409 completing twice, got %v", err)
	}
	if len(f.coded.calls) != 1 {
		t.Errorf("expected MarkCoded after the only item completed, got %d", len(f.coded.calls))
	}
}
