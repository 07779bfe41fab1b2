package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"s3front-proxy-go/internal/config"
	"s3front-proxy-go/internal/lifecycle"
)

func TestHealthz(t *testing.T) {
	cfg := config.Default()
	ctrl := lifecycle.New(echo.New(), cfg, discardLogger())
	h := NewHealthHandler(cfg, ctrl, "test")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	cfg := config.Default()
	ctrl := lifecycle.New(echo.New(), cfg, discardLogger())
	h := NewHealthHandler(cfg, ctrl, "1.2.3")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["state"] != "stopped" {
		t.Errorf("state = %q, want %q (controller never started)", body["state"], "stopped")
	}
	if body["version"] != "1.2.3" {
		t.Errorf("version = %q, want %q", body["version"], "1.2.3")
	}
	if body["upstream"] != "127.0.0.1:39999" {
		t.Errorf("upstream = %q, want %q", body["upstream"], "127.0.0.1:39999")
	}
	if body["path_prefix"] != "/api/v1/s3" {
		t.Errorf("path_prefix = %q, want %q", body["path_prefix"], "/api/v1/s3")
	}
}
