package http

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ledgerline/ledgergate/internal/adapter/outbound/memory"
)

func TestExtractRealIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "192.168.1.5:1234",
			want:       "192.168.1.5",
		},
		{
			name:       "x-forwarded-for single",
			remoteAddr: "10.0.0.1:1234",
			xff:        "203.0.113.7",
			want:       "203.0.113.7",
		},
		{
			name:       "x-forwarded-for chain trusts first",
			remoteAddr: "10.0.0.1:1234",
			xff:        "203.0.113.7, 10.0.0.2, 10.0.0.3",
			want:       "203.0.113.7",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:1234",
			xri:        "203.0.113.9",
			want:       "203.0.113.9",
		},
		{
			name:       "x-forwarded-for wins over x-real-ip",
			remoteAddr: "10.0.0.1:1234",
			xff:        "203.0.113.7",
			xri:        "203.0.113.9",
			want:       "203.0.113.7",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.168.1.5",
			want:       "192.168.1.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := extractRealIP(req); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRealIPMiddleware_StoresIPInContext(t *testing.T) {
	var gotIP string
	var ok bool
	handler := RealIPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIP, ok = IPFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:1234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !ok || gotIP != "192.168.1.5" {
		t.Errorf("expected ip 192.168.1.5 in context, got %q (ok=%v)", gotIP, ok)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var gotID string
	handler := RequestIDMiddleware(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, _ = r.Context().Value(RequestIDKey).(string)
	}))

	// Generated when absent.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if gotID == "" {
		t.Error("expected generated request ID")
	}
	if rec.Header().Get("X-Request-ID") != gotID {
		t.Error("expected request ID echoed in response header")
	}

	// Propagated when the caller supplies one.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if gotID != "req-abc" {
		t.Errorf("expected caller-supplied ID, got %q", gotID)
	}
}

func TestBearerAuthMiddleware(t *testing.T) {
	verifier := memory.NewStaticTokenVerifier()
	// sha256("secret-token")
	verifier.AddToken("sha256:930bbdc51b6aed5c2a5678fd6e28dee7a05e8a4b643cfc0b4427c3efb86c0d94", "user-77")

	var gotUser string
	var ok bool
	handler := BearerAuthMiddleware(verifier, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, ok = UserIDFromContext(r.Context())
	}))

	// Valid token resolves to a user.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !ok || gotUser != "user-77" {
		t.Errorf("expected user-77, got %q (ok=%v)", gotUser, ok)
	}

	// Unknown token: request continues unauthenticated.
	gotUser, ok = "", false
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if ok {
		t.Errorf("expected no user for unknown token, got %q", gotUser)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected unauthenticated request to pass through, got %d", rec.Code)
	}

	// No Authorization header at all.
	gotUser, ok = "", false
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if ok {
		t.Errorf("expected no user without header, got %q", gotUser)
	}
}
