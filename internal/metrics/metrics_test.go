package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsLoadsAndRows(t *testing.T) {
	recorder := NewRecorder()
	registry := prometheus.NewRegistry()
	if err := recorder.Register(registry); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := recorder.Register(registry); err != nil {
		t.Fatalf("second register should reuse collectors: %v", err)
	}

	recorder.ObserveLoad("feed", "append", OutcomeSuccess, 20*time.Millisecond)
	recorder.ObserveLoad("feed", "append", OutcomeSuccess, 10*time.Millisecond)
	recorder.AddMerged("posts", 3)
	recorder.AddMerged("posts", 0)
	recorder.AddDropped("unrouted", 2)

	if got := testutil.ToFloat64(recorder.loadCycles.WithLabelValues("feed", "append", OutcomeSuccess)); got != 2 {
		t.Fatalf("expected 2 load cycles, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.mergedRows.WithLabelValues("posts")); got != 3 {
		t.Fatalf("expected 3 merged rows, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.droppedEvents.WithLabelValues("unrouted")); got != 2 {
		t.Fatalf("expected 2 dropped events, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.ObserveLoad("feed", "refresh", OutcomeError, time.Second)
	recorder.AddMerged("posts", 1)
	recorder.BadgeUpdated()
	recorder.SubscriberOpened()
	recorder.SubscriberClosed()
	recorder.ObserveHTTP("/healthz", 200, time.Millisecond)
	if err := recorder.Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("nil recorder register should be a no-op: %v", err)
	}
}
