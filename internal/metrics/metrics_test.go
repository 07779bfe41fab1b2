package metrics

import (
	"testing"
)

func TestNew_RegistersCollectors(t *testing.T) {
	m := New()

	// Touch each collector so it shows up in a gather.
	m.RequestsTotal.WithLabelValues("GET", "200", "proxy").Inc()
	m.RequestDuration.WithLabelValues("GET", "200", "proxy").Observe(0.01)
	m.RequestsInFlight.Inc()
	m.UpstreamDuration.WithLabelValues("GET").Observe(0.02)
	m.UpstreamResponses.WithLabelValues("GET", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"s3front_http_requests_total":               false,
		"s3front_http_request_duration_seconds":     false,
		"s3front_http_requests_in_flight":           false,
		"s3front_upstream_request_duration_seconds": false,
		"s3front_upstream_responses_total":          false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric family %q not gathered", name)
		}
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PROPFIND", "other"},
		{"get", "other"},
	}
	for _, tt := range tests {
		if got := NormalizeMethod(tt.method); got != tt.want {
			t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
		}
	}
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "/healthz"},
		{"/proxy/status", "/proxy/status"},
		{"/metrics", "/metrics"},
		{"/my_bucket/my_dataset/file.parquet", "proxy"},
		{"/", "proxy"},
		{"/healthz/extra", "proxy"},
	}
	for _, tt := range tests {
		if got := NormalizeRoute(tt.path); got != tt.want {
			t.Errorf("NormalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestHandler_Serves(t *testing.T) {
	m := New()
	if m.Handler() == nil {
		t.Fatal("Handler() = nil")
	}
}
