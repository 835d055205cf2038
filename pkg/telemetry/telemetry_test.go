package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveUpstream("submit", nil)
	m.ObserveCache("job", true)
	m.AddRows("trip", "inserted", 3)
	m.ObserveWindow("trip", "completed", time.Second)
}

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveUpstream("submit", nil)
	m.ObserveUpstream("submit", errors.New("boom"))
	m.ObserveUpstream("submit", errors.New("boom"))
	m.ObserveCache("job", true)
	m.AddRows("speeding", "inserted", 5)
	m.AddRows("speeding", "inserted", 0)

	if got := testutil.ToFloat64(m.upstream.WithLabelValues("submit", "error")); got != 2 {
		t.Errorf("Expected 2 failed submits, got %v", got)
	}
	if got := testutil.ToFloat64(m.cache.WithLabelValues("job", "hit")); got != 1 {
		t.Errorf("Expected 1 cache hit, got %v", got)
	}
	if got := testutil.ToFloat64(m.rows.WithLabelValues("speeding", "inserted")); got != 5 {
		t.Errorf("Expected 5 inserted rows, got %v", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "json", "debug")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Debug(context.Background(), "hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("Expected json output to contain message, got %q", buf.String())
	}

	if _, err := NewLogger(&buf, "xml", "info"); err == nil {
		t.Error("Expected error for unknown format")
	}
	if _, err := NewLogger(&buf, "human", "loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}
