package metrics_test

import (
	"testing"

	"github.com/m-lab/homa/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	metrics.PacketsTotal.Reset()
	metrics.PacketsTotal.WithLabelValues("DATA", "handled").Inc()
	if got := testutil.ToFloat64(metrics.PacketsTotal.WithLabelValues("DATA", "handled")); got != 1 {
		t.Fatalf("expected PacketsTotal{DATA,handled}=1, got %v", got)
	}

	before := testutil.ToFloat64(metrics.ResendsSentTotal)
	metrics.ResendsSentTotal.Inc()
	if got := testutil.ToFloat64(metrics.ResendsSentTotal); got != before+1 {
		t.Fatalf("expected ResendsSentTotal to increment by 1, got %v -> %v", before, got)
	}
}

func TestHistogramsObserve(t *testing.T) {
	// Observing must not panic and must be reflected in the sample count.
	before := testutil.CollectAndCount(metrics.GrantableSetSize)
	metrics.GrantableSetSize.Observe(3)
	after := testutil.CollectAndCount(metrics.GrantableSetSize)
	if after != before+1 {
		t.Fatalf("expected GrantableSetSize sample count to increase by 1, got %d -> %d", before, after)
	}
}

func TestGaugeSet(t *testing.T) {
	metrics.PeerTableSize.Set(42)
	if got := testutil.ToFloat64(metrics.PeerTableSize); got != 42 {
		t.Fatalf("expected PeerTableSize=42, got %v", got)
	}
}
