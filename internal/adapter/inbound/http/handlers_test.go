package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ledgerline/ledgergate/internal/adapter/outbound/memory"
	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
	"github.com/ledgerline/ledgergate/internal/service"
)

func checkBody(action, identifier string) *strings.Reader {
	b, _ := json.Marshal(checkRequest{Action: action, Identifier: identifier})
	return strings.NewReader(string(b))
}

func TestCheckHandler_Allowed(t *testing.T) {
	handler := checkHandler(newTestEngine(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/rate-limit/check", checkBody("add-asset", "user:42"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var d ratelimit.Decision
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatalf("failed to decode decision: %v", err)
	}
	if !d.Allowed {
		t.Error("expected allowed")
	}
	if d.Limit != 10 || d.Remaining != 9 {
		t.Errorf("unexpected decision: %+v", d)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "10" {
		t.Errorf("expected X-RateLimit-Limit 10, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestCheckHandler_BlockedIsStill200(t *testing.T) {
	engine := newTestEngine(t)
	handler := checkHandler(engine, nil)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/rate-limit/check", checkBody("auth", "ip:1.2.3.4"))
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	// A blocked quota is a successful check from the wire API's perspective.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for blocked check, got %d", rec.Code)
	}
	var d ratelimit.Decision
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatalf("failed to decode decision: %v", err)
	}
	if d.Allowed {
		t.Error("expected allowed=false")
	}
	if d.RetryAfter < 1 {
		t.Errorf("expected positive retry_after, got %d", d.RetryAfter)
	}
}

func TestCheckHandler_UnknownAction(t *testing.T) {
	handler := checkHandler(newTestEngine(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/rate-limit/check", checkBody("bogus", "user:42"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown action, got %d", rec.Code)
	}
}

func TestCheckHandler_MissingAction(t *testing.T) {
	handler := checkHandler(newTestEngine(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/rate-limit/check", checkBody("", "user:42"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing action, got %d", rec.Code)
	}
}

func TestCheckHandler_InvalidBody(t *testing.T) {
	handler := checkHandler(newTestEngine(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/rate-limit/check", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid body, got %d", rec.Code)
	}
}

func TestCheckHandler_MethodNotAllowed(t *testing.T) {
	handler := checkHandler(newTestEngine(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/rate-limit/check", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestCheckHandler_DerivesIdentifierWhenOmitted(t *testing.T) {
	store := memory.NewWindowStore(slog.Default())
	engine := ratelimit.NewEngine(store, ratelimit.DefaultActions(), slog.Default())
	handler := checkHandler(engine, nil)

	req := httptest.NewRequest(http.MethodPost, "/rate-limit/check", checkBody("add-asset", ""))
	req.RemoteAddr = "172.16.0.9:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stats, err := store.Stats(req.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalEntries != 1 {
		t.Errorf("expected a counter under the derived IP identifier, got %d entries", stats.TotalEntries)
	}
}

func TestInfoHandler_PeeksAllActionsWithoutConsuming(t *testing.T) {
	engine := newTestEngine(t)
	handler := infoHandler(engine)

	get := func() infoResponse {
		req := httptest.NewRequest(http.MethodGet, "/rate-limit/info", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp infoResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		return resp
	}

	first := get()
	if first.Identifier != "ip:10.0.0.1" {
		t.Errorf("expected identifier ip:10.0.0.1, got %q", first.Identifier)
	}
	if len(first.Actions) != len(ratelimit.DefaultActions()) {
		t.Errorf("expected %d actions, got %d", len(ratelimit.DefaultActions()), len(first.Actions))
	}
	if d := first.Actions["add-asset"]; !d.Allowed || d.Remaining != 10 {
		t.Errorf("unexpected add-asset quota: %+v", d)
	}

	// Polling the endpoint never consumes quota.
	second := get()
	if d := second.Actions["add-asset"]; d.Remaining != 10 {
		t.Errorf("expected info reads to leave quota untouched, remaining=%d", d.Remaining)
	}
}

func TestStatsHandler(t *testing.T) {
	store := memory.NewWindowStore(slog.Default())
	statsService := service.NewStatsService()
	engine := ratelimit.NewEngine(store, ratelimit.DefaultActions(), slog.Default(),
		ratelimit.WithRecorder(statsService))

	// Drive some traffic through the engine first.
	for i := 0; i < 3; i++ {
		if _, err := engine.Check(context.Background(), ratelimit.ActionAddAsset, "user:1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	handler := statsHandler(store, statsService)
	req := httptest.NewRequest(http.MethodGet, "/rate-limit/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Runtime.Allowed != 3 {
		t.Errorf("expected 3 allowed, got %d", resp.Runtime.Allowed)
	}
	if resp.Store.TotalEntries != 1 {
		t.Errorf("expected 1 store entry, got %d", resp.Store.TotalEntries)
	}
}
