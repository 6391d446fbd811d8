package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/eventstore"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/eventstore/memory"
)

var testSecret = []byte("test-secret")

const testPolicy = `{
  "services": {
    "sales-service": {"aggregates": ["sale", "order"], "append": true},
    "audit-service": {"aggregates": ["*"], "replay": true}
  }
}`

type countingHandler struct {
	count int
}

func (h *countingHandler) EventTypes() []string { return nil }

func (h *countingHandler) Handle(context.Context, event.StoredEvent) error {
	h.count++
	return nil
}

func newServer(t *testing.T) (*echo.Echo, *memory.Store, *countingHandler) {
	t.Helper()
	store := memory.NewStore()
	auth := NewLocalAuth(testSecret, "", "")
	policy, err := ParsePolicy([]byte(testPolicy))
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	handler := &countingHandler{}
	e := echo.New()
	Register(e, store, auth, policy, log.New(), handler)
	return e, store, handler
}

func token(t *testing.T, service string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": service,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func doJSON(e *echo.Echo, method, path, auth, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func seedStream(t *testing.T, store eventstore.Store, streamID, aggregateType string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev, err := event.New(streamID, aggregateType, event.SaleCreated, "test", map[string]int{"n": i})
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		if _, err := store.AppendEvents(context.Background(), streamID, []event.Event{ev}, eventstore.Any()); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

func TestAppendCreatesStream(t *testing.T) {
	e, store, _ := newServer(t)

	body := `{"aggregateType":"sale","expectedVersion":-1,"events":[{"eventType":"sale-created","eventData":{"total":10}}]}`
	rec := doJSON(e, http.MethodPost, "/api/streams/sale-1/events", token(t, "sales-service"), body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Version  int64    `json:"version"`
			EventIDs []string `json:"eventIds"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Data.Version != 1 || len(resp.Data.EventIDs) != 1 {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}

	events, err := store.GetEvents(context.Background(), "sale-1", 1)
	if err != nil || len(events) != 1 {
		t.Fatalf("stored events: %v %d", err, len(events))
	}
	if events[0].Metadata.Source != "sales-service" {
		t.Fatalf("source not defaulted to caller: %q", events[0].Metadata.Source)
	}
}

func TestAppendStaleVersionConflicts(t *testing.T) {
	e, store, _ := newServer(t)
	seedStream(t, store, "sale-1", event.AggregateSale, 2)

	body := `{"aggregateType":"sale","expectedVersion":1,"events":[{"eventType":"sale-created","eventData":{}}]}`
	rec := doJSON(e, http.MethodPost, "/api/streams/sale-1/events", token(t, "sales-service"), body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			CurrentVersion int64 `json:"currentVersion"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Data.CurrentVersion != 2 {
		t.Fatalf("conflict response: %s", rec.Body.String())
	}
}

func TestAppendRequiresAuth(t *testing.T) {
	e, _, _ := newServer(t)
	body := `{"aggregateType":"sale","events":[{"eventType":"sale-created","eventData":{}}]}`

	rec := doJSON(e, http.MethodPost, "/api/streams/sale-1/events", "", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", rec.Code)
	}
	rec = doJSON(e, http.MethodPost, "/api/streams/sale-1/events", "Bearer garbage", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", rec.Code)
	}
}

func TestAppendForbiddenAggregate(t *testing.T) {
	e, _, _ := newServer(t)
	body := `{"aggregateType":"complaint","events":[{"eventType":"complaint-created","eventData":{}}]}`
	rec := doJSON(e, http.MethodPost, "/api/streams/complaint-1/events", token(t, "sales-service"), body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
}

func TestGetStreamEvents(t *testing.T) {
	e, store, _ := newServer(t)
	seedStream(t, store, "sale-1", event.AggregateSale, 3)

	rec := doJSON(e, http.MethodGet, "/api/streams/sale-1/events?fromVersion=2", token(t, "sales-service"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool                `json:"success"`
		Data    []event.StoredEvent `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 2 || resp.Data[0].Version != 2 {
		t.Fatalf("fromVersion slice wrong: %s", rec.Body.String())
	}
}

func TestGetStreamNotFound(t *testing.T) {
	e, _, _ := newServer(t)
	rec := doJSON(e, http.MethodGet, "/api/streams/missing", token(t, "audit-service"), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestHeadStream(t *testing.T) {
	e, store, _ := newServer(t)
	seedStream(t, store, "sale-1", event.AggregateSale, 1)

	rec := doJSON(e, http.MethodHead, "/api/streams/sale-1", token(t, "sales-service"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("existing stream: status %d", rec.Code)
	}
	rec = doJSON(e, http.MethodHead, "/api/streams/missing", token(t, "sales-service"), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing stream: status %d", rec.Code)
	}
}

func TestStreamVersionProbeBeforeFirstAppend(t *testing.T) {
	e, _, _ := newServer(t)

	// A service with specific aggregate grants may check the version of a
	// stream it has not created yet, so it can append with expectedVersion=-1.
	rec := doJSON(e, http.MethodGet, "/api/streams/sale-new/version", token(t, "sales-service"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("version probe: status %d", rec.Code)
	}
	var resp struct {
		Data struct {
			Version int64 `json:"version"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Version != 0 {
		t.Fatalf("version = %d, want 0", resp.Data.Version)
	}

	rec = doJSON(e, http.MethodGet, "/api/streams/sale-new/version", token(t, "unknown-service"), "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("ungranted service: status %d, want 403", rec.Code)
	}
	rec = doJSON(e, http.MethodGet, "/api/streams/sale-new/version", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d, want 401", rec.Code)
	}
}

func TestQueryEventsRequiresWildcardForCrossAggregate(t *testing.T) {
	e, store, _ := newServer(t)
	seedStream(t, store, "sale-1", event.AggregateSale, 1)

	// No aggregateType filter means a cross-aggregate query.
	rec := doJSON(e, http.MethodGet, "/api/events", token(t, "sales-service"), "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-aggregate without wildcard: status %d", rec.Code)
	}
	rec = doJSON(e, http.MethodGet, "/api/events", token(t, "audit-service"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("audit query: status %d", rec.Code)
	}
}

func TestReplayDispatchesToHandlers(t *testing.T) {
	e, store, handler := newServer(t)
	seedStream(t, store, "sale-1", event.AggregateSale, 3)

	rec := doJSON(e, http.MethodPost, "/api/replay", token(t, "audit-service"), `{"aggregateId":"sale-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data eventstore.ReplayResult `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Events != 3 || resp.Data.Dispatched != 3 || handler.count != 3 {
		t.Fatalf("replay result %+v, handler saw %d", resp.Data, handler.count)
	}
}

func TestReplayRequiresGrant(t *testing.T) {
	e, _, _ := newServer(t)
	rec := doJSON(e, http.MethodPost, "/api/replay", token(t, "sales-service"), `{}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	e, _, _ := newServer(t)
	rec := doJSON(e, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}
