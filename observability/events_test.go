package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"stakepool/core/events"
)

func TestEventsCountsByType(t *testing.T) {
	metrics := Events()
	before := testutil.ToFloat64(metrics.emitted.WithLabelValues(events.TypeRoundClosed))

	var emitter events.Emitter = events.MultiEmitter{metrics}
	emitter.Emit(events.RoundClosed{End: 10})
	emitter.Emit(events.RoundClosed{End: 11})

	after := testutil.ToFloat64(metrics.emitted.WithLabelValues(events.TypeRoundClosed))
	if after-before != 2 {
		t.Fatalf("expected 2 increments, got %v", after-before)
	}

	metrics.RecordEvent("  ")
	if got := testutil.ToFloat64(metrics.emitted.WithLabelValues("unknown")); got < 1 {
		t.Fatalf("expected unknown bucket to be incremented, got %v", got)
	}
}
