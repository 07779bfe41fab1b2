package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"s3front-proxy-go/internal/config"
	"s3front-proxy-go/internal/lifecycle"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("proxied"))
	}))
	defer upstream.Close()

	proxy := newProxyHandler(t, upstream.URL, nil)

	cfg := config.Default()
	health := NewHealthHandler(cfg, lifecycle.New(echo.New(), cfg, discardLogger()), "test")

	e := echo.New()
	RegisterRoutes(e, proxy, health)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"GET /healthz served locally", http.MethodGet, "/healthz", http.StatusOK, ""},
		{"GET /proxy/status served locally", http.MethodGet, "/proxy/status", http.StatusOK, ""},
		{"GET object forwarded", http.MethodGet, "/bucket/key", http.StatusOK, "proxied"},
		{"PUT object forwarded", http.MethodPut, "/bucket/key", http.StatusOK, "proxied"},
		{"DELETE forwarded", http.MethodDelete, "/bucket/key", http.StatusOK, "proxied"},
		{"root forwarded", http.MethodGet, "/", http.StatusOK, "proxied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}
