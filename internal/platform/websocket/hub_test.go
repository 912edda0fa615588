package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medcode/medcode/internal/platform/auth"
	"github.com/medcode/medcode/internal/platform/db"
)

func newClient(hub *Hub, id, tenant string, topics ...string) *Client {
	return &Client{
		ID:     id,
		Tenant: tenant,
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
		hub:    hub,
	}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive event", c.ID)
	}
	return Event{}
}

func silent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Send:
		t.Fatalf("client %s should not have received an event", c.ID)
	default:
	}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient(hub, "c1", "acme", "coding")

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("acme", "coding") != 1 {
		t.Fatalf("expected 1 client on coding, got %d", hub.TopicCount("acme", "coding"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("acme", "coding") != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send to be closed")
	}

	// A second unregister is a no-op.
	hub.Unregister(client)
}

func TestHub_BroadcastByTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	coding := newClient(hub, "coding", "acme", "coding")
	triage := newClient(hub, "triage", "acme", "triage")
	hub.Register(coding)
	hub.Register(triage)

	hub.Broadcast(Event{Type: "item.created", Tenant: "acme", Topic: "coding", ItemID: "i-1", Timestamp: time.Now()})

	if ev := receive(t, coding); ev.ItemID != "i-1" || ev.Type != "item.created" {
		t.Fatalf("unexpected event %+v", ev)
	}
	silent(t, triage)
}

func TestHub_TenantIsolation(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	acme := newClient(hub, "acme", "acme", "coding")
	other := newClient(hub, "other", "globex", "coding", TopicAll)
	hub.Register(acme)
	hub.Register(other)

	hub.Broadcast(Event{Type: "item.assigned", Tenant: "acme", Topic: "coding"})

	receive(t, acme)
	silent(t, other)
}

func TestHub_TopicAllReceivesOnce(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient(hub, "both", "acme", "coding", TopicAll)
	hub.Register(c)

	hub.Broadcast(Event{Type: "item.completed", Tenant: "acme", Topic: "coding"})

	receive(t, c)
	silent(t, c)
}

func TestHub_FullBufferDrops(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Tenant: "acme", Topics: []string{"coding"}, Send: make(chan []byte, 1), hub: hub}
	hub.Register(c)

	done := make(chan struct{})
	go func() {
		hub.Broadcast(Event{Type: "a", Tenant: "acme", Topic: "coding"})
		hub.Broadcast(Event{Type: "b", Tenant: "acme", Topic: "coding"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client")
	}
	if ev := receive(t, c); ev.Type != "a" {
		t.Fatalf("expected first event kept, got %s", ev.Type)
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient(hub, "dyn", "acme")
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{"coding", "triage", "coding"}})
	if len(c.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", c.Topics)
	}
	if hub.TopicCount("acme", "triage") != 1 {
		t.Fatal("expected subscriber on triage")
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{"coding"}})
	if hub.TopicCount("acme", "coding") != 0 {
		t.Fatal("expected no subscriber on coding")
	}
	if len(c.Topics) != 1 || c.Topics[0] != "triage" {
		t.Fatalf("expected [triage], got %v", c.Topics)
	}

	hub.ProcessMessage(c, ClientMessage{Action: "bogus", Topics: []string{"x"}})
	if len(c.Topics) != 1 {
		t.Fatal("unknown action must not change subscriptions")
	}
}

func TestHub_ConcurrentRegisterBroadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newClient(hub, "c", "acme", "coding")
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), Event{Type: "item.created", Tenant: "acme", Topic: "coding"})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestSplitTopics(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", []string{TopicAll}},
		{" , ", []string{TopicAll}},
		{"coding", []string{"coding"}},
		{"coding, triage,coding", []string{"coding", "triage"}},
	}
	for _, tt := range tests {
		got := splitTopics(tt.raw)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("splitTopics(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://coding.example.org"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if !check(req) {
		t.Error("request without Origin should pass")
	}
	req.Header.Set("Origin", "https://coding.example.org")
	if !check(req) {
		t.Error("allowed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Error("foreign origin accepted")
	}
	if !originChecker([]string{"*"})(req) {
		t.Error("wildcard should accept any origin")
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestHandler_RequiresTenant(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/queue/events", nil)
	rec := httptest.NewRecorder()
	err := h.HandleConnect(e.NewContext(req, rec))

	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/queue/events", nil)
	req = req.WithContext(db.WithTenantID(req.Context(), "acme"))
	rec := httptest.NewRecorder()
	err := h.HandleConnect(e.NewContext(req, rec))

	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	h := NewHandler(hub, nil)

	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithUser(db.WithTenantID(c.Request().Context(), "acme"), "coder-1", auth.RoleCoder)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/queue/events?topics=coding"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("acme", "coding") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered on coding")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"triage"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	for hub.TopicCount("acme", "triage") != 1 {
		if time.Now().After(deadline.Add(time.Second)) {
			t.Fatal("subscribe was not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(Event{Type: "item.created", Tenant: "acme", Topic: "triage", VisitID: "V1", Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "item.created" || received.VisitID != "V1" {
		t.Fatalf("unexpected event %+v", received)
	}
}
