package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisteredNamesCarryServicePrefix(t *testing.T) {
	registry := prometheus.NewRegistry()
	Register(registry)

	RequestCount.WithLabelValues("GET", "/api/prices", "OK").Inc()
	RequestDuration.WithLabelValues("GET", "/api/prices", "OK").Observe(0.01)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 2 {
		t.Fatalf("expected 2 metric families, got %d", len(families))
	}
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), "papertrade_") {
			t.Fatalf("metric %q missing service prefix", family.GetName())
		}
	}
}
