package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should tolerate duplicates: %v", err)
	}
}

func TestObserveAnalysisNormalisesOutcome(t *testing.T) {
	before := testutil.ToFloat64(analysesTotal.WithLabelValues(OutcomeError))
	ObserveAnalysis(-time.Second, "something-unexpected")
	after := testutil.ToFloat64(analysesTotal.WithLabelValues(OutcomeError))
	if after-before != 1 {
		t.Fatalf("expected unknown outcome to count as error, delta=%v", after-before)
	}
}

func TestObserveCollectorDefaultsToOK(t *testing.T) {
	before := testutil.ToFloat64(collectorResultsTotal.WithLabelValues("local", "ok"))
	ObserveCollector("local", "")
	if got := testutil.ToFloat64(collectorResultsTotal.WithLabelValues("local", "ok")); got-before != 1 {
		t.Fatalf("expected ok outcome increment, delta=%v", got-before)
	}
}
