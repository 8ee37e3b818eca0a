package telemetry

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/mjasion/meterlink/pkg/config"
)

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		raw      string
		host     string
		path     string
		insecure bool
	}{
		{"otlp.example.com:4318", "otlp.example.com:4318", "", false},
		{"localhost:4318", "localhost:4318", "", true},
		{"https://otlp.example.com/otlp/", "otlp.example.com", "/otlp", false},
		{"http://collector:4318", "collector:4318", "", true},
	}

	for _, tt := range tests {
		ep := resolveEndpoint(tt.raw, nil)
		if ep.host != tt.host || ep.path != tt.path || ep.insecure != tt.insecure {
			t.Errorf("resolveEndpoint(%q) = %+v, expected host=%s path=%s insecure=%v",
				tt.raw, ep, tt.host, tt.path, tt.insecure)
		}
	}
}

func TestParseHeaders(t *testing.T) {
	h := parseHeaders("Authorization=Basic%20abc, X-Scope-OrgID=1,broken,=x")
	if len(h) != 2 {
		t.Fatalf("Expected 2 headers, got %v", h)
	}
	if h["Authorization"] != "Basic abc" {
		t.Errorf("Expected decoded Authorization, got %q", h["Authorization"])
	}
	if h["X-Scope-OrgID"] != "1" {
		t.Errorf("Expected X-Scope-OrgID=1, got %q", h["X-Scope-OrgID"])
	}
}

func TestEndpointPrecedence(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "general:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_HEADERS", "")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_HEADERS", "")

	cfg := &config.OpenTelemetryConfig{
		Traces:  config.OTelTracesConfig{Endpoint: "traces:4318"},
		Headers: map[string]string{"k": "v"},
	}
	if ep := tracesEndpoint(cfg); ep.host != "traces:4318" || ep.headers["k"] != "v" {
		t.Errorf("Expected traces endpoint with general headers, got %+v", ep)
	}
	if ep := metricsEndpoint(cfg); ep.host != "general:4318" {
		t.Errorf("Expected metrics to fall back to the general endpoint, got %+v", ep)
	}
}

func TestInitProviders_Disabled(t *testing.T) {
	p, err := InitProviders(context.Background(), &config.OpenTelemetryConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if p != nil {
		t.Errorf("Expected nil providers, got %+v", p)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected nil shutdown to succeed, got %v", err)
	}
}
