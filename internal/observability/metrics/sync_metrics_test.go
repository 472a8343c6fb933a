package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSyncMetricsCounters(t *testing.T) {
	m := NewSyncMetrics(prometheus.NewRegistry(), Config{ServiceName: "carehub", Environment: "test"})

	m.SnapshotApplied("clients")
	m.SnapshotApplied("clients")
	m.FeedError("evv")
	m.SubscriptionOpened("staff")
	m.SubscriptionOpened("staff")
	m.SubscriptionClosed("staff")

	if got := testutil.ToFloat64(m.snapshotsApplied.WithLabelValues("clients")); got != 2 {
		t.Fatalf("expected 2 snapshots, got %v", got)
	}
	if got := testutil.ToFloat64(m.feedErrors.WithLabelValues("evv")); got != 1 {
		t.Fatalf("expected 1 feed error, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeSubscriptions.WithLabelValues("staff")); got != 1 {
		t.Fatalf("expected 1 active subscription, got %v", got)
	}
}

func TestNilSyncMetricsIsSafe(t *testing.T) {
	var m *SyncMetrics
	m.SnapshotApplied("clients")
	m.FeedError("clients")
	m.ReconcileRun("ok")
	m.ReconcileVisit("applied")
}
