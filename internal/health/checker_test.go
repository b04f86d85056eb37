package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

func ok() Checker { return CheckerFunc(func(context.Context) error { return nil }) }

func failing(msg string) Checker {
	return CheckerFunc(func(context.Context) error { return errors.New(msg) })
}

func TestCheckAggregation(t *testing.T) {
	tests := []struct {
		name     string
		critical map[string]Checker
		optional map[string]Checker
		want     string
	}{
		{"no checks", nil, nil, StatusHealthy},
		{"all healthy", map[string]Checker{"mqtt": ok()}, map[string]Checker{"device:a": ok()}, StatusHealthy},
		{"optional failing", map[string]Checker{"mqtt": ok()}, map[string]Checker{"device:a": failing("exhausted")}, StatusDegraded},
		{"critical failing", map[string]Checker{"mqtt": failing("down")}, map[string]Checker{"device:a": ok()}, StatusUnhealthy},
		{"both failing", map[string]Checker{"mqtt": failing("down")}, map[string]Checker{"device:a": failing("x")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChecker(Config{ServiceName: "device-link"})
			for name, c := range tt.critical {
				h.AddCheck(name, c)
			}
			for name, c := range tt.optional {
				h.AddOptionalCheck(name, c)
			}

			resp := h.Check(context.Background())
			if resp.Status != tt.want {
				t.Errorf("Status = %q, want %q", resp.Status, tt.want)
			}
			if len(resp.Checks) != len(tt.critical)+len(tt.optional) {
				t.Errorf("got %d checks", len(resp.Checks))
			}
		})
	}
}

func TestStatusCaching(t *testing.T) {
	h := NewChecker(Config{})
	h.AddOptionalCheck("device:a", failing("retries exhausted"))

	if got := h.GetStatus("device:a"); got.Status != StatusUnknown {
		t.Errorf("initial status = %q, want unknown", got.Status)
	}

	h.Check(context.Background())
	got := h.GetStatus("device:a")
	if got.Status != StatusUnhealthy || got.Error != "retries exhausted" || got.Critical {
		t.Errorf("cached status = %+v", got)
	}

	h.RemoveCheck("device:a")
	if h.GetStatus("device:a") != nil {
		t.Error("status kept after RemoveCheck")
	}
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		critical Checker
		optional Checker
		handler  func(h *HealthChecker) http.HandlerFunc
		wantCode int
	}{
		{"health ok", ok(), ok(), func(h *HealthChecker) http.HandlerFunc { return h.HealthHandler }, http.StatusOK},
		{"health degraded", ok(), failing("x"), func(h *HealthChecker) http.HandlerFunc { return h.HealthHandler }, http.StatusOK},
		{"health unhealthy", failing("x"), ok(), func(h *HealthChecker) http.HandlerFunc { return h.HealthHandler }, http.StatusServiceUnavailable},
		{"ready unhealthy", failing("x"), ok(), func(h *HealthChecker) http.HandlerFunc { return h.ReadinessHandler }, http.StatusServiceUnavailable},
		{"ready degraded", ok(), failing("x"), func(h *HealthChecker) http.HandlerFunc { return h.ReadinessHandler }, http.StatusOK},
		{"live ignores checks", failing("x"), failing("x"), func(h *HealthChecker) http.HandlerFunc { return h.LivenessHandler }, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChecker(Config{ServiceName: "device-link", ServiceVersion: "test"})
			h.AddCheck("mqtt", tt.critical)
			h.AddOptionalCheck("device:a", tt.optional)

			rec := httptest.NewRecorder()
			tt.handler(h)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var body HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Service != "device-link" || body.Version != "test" {
				t.Errorf("body = %+v", body)
			}
		})
	}
}
