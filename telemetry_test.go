package peersetd

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
	}{
		{raw: "collector", protocol: "grpc", endpoint: "collector:4317", insecure: true},
		{raw: "collector:5555", protocol: "grpc", endpoint: "collector:5555", insecure: true},
		{raw: "grpc://collector", protocol: "grpc", endpoint: "collector:4317", insecure: true},
		{raw: "grpcs://collector:443", protocol: "grpc", endpoint: "collector:443"},
		{raw: "http://collector", protocol: "http", endpoint: "collector:4318", insecure: true},
		{raw: "https://collector/otlp/", protocol: "http", endpoint: "collector:4318", path: "/otlp"},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got.protocol != tc.protocol || got.endpoint != tc.endpoint || got.path != tc.path || got.insecure != tc.insecure {
			t.Fatalf("%s: got %+v", tc.raw, got)
		}
	}
	for _, bad := range []string{"", "ftp://collector"} {
		if _, err := resolveOTLPTarget(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestTelemetryDisabledWithoutOutputs(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if bundle != nil {
		t.Fatalf("expected no telemetry bundle, got %+v", bundle)
	}
}

func TestMetricsEndpointServesCollectors(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "peersetd_test_gauge", Help: "test gauge"})
	gauge.Set(7)
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{
		MetricsListen: "127.0.0.1:0",
		Collectors:    []prometheus.Collector{gauge},
	}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := bundle.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()
	addr := bundle.MetricsAddr()
	if addr == "" {
		t.Fatal("metrics listener address missing")
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "peersetd_test_gauge 7") {
		t.Fatalf("gauge missing from scrape:\n%s", body)
	}
}

func TestProfilingMetricsRequireListener(t *testing.T) {
	if _, err := setupTelemetry(context.Background(), telemetryConfig{ProfilingMetrics: true}, nil); err == nil {
		t.Fatal("expected error without metrics listener")
	}
	var nilBundle *telemetryBundle
	if err := nilBundle.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil bundle shutdown: %v", err)
	}
}

func TestTelemetrySetupFailureReleasesListeners(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "peersetd_dup", Help: "dup"})
	_, err := setupTelemetry(context.Background(), telemetryConfig{
		PprofListen:   "127.0.0.1:0",
		MetricsListen: "127.0.0.1:0",
		Collectors:    []prometheus.Collector{gauge, gauge},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "register collector") {
		t.Fatalf("expected duplicate collector error, got %v", err)
	}
}
