package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics captures live feed and reconciliation health.
type SyncMetrics struct {
	snapshotsApplied    *prometheus.CounterVec
	feedErrors          *prometheus.CounterVec
	activeSubscriptions *prometheus.GaugeVec
	reconcileRuns       *prometheus.CounterVec
	reconcileVisits     *prometheus.CounterVec
}

var (
	syncMetricsOnce sync.Once
	syncMetrics     *SyncMetrics
)

// Sync returns the process-wide sync metrics registered on the default registerer.
func Sync() *SyncMetrics {
	return SyncWithConfig(Config{})
}

func SyncWithConfig(cfg Config) *SyncMetrics {
	syncMetricsOnce.Do(func() {
		syncMetrics = NewSyncMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return syncMetrics
}

// NewSyncMetrics builds and registers the collectors on registerer. Tests
// pass a fresh prometheus.NewRegistry().
func NewSyncMetrics(registerer prometheus.Registerer, cfg Config) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "carehub"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &SyncMetrics{
		snapshotsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "carehub_sync_snapshots_applied_total",
			Help:        "Full category snapshots applied to session tables.",
			ConstLabels: constLabels,
		}, []string{"category"}),
		feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "carehub_sync_feed_errors_total",
			Help:        "Live feed subscriptions terminated by an error.",
			ConstLabels: constLabels,
		}, []string{"category"}),
		activeSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "carehub_sync_active_subscriptions",
			Help:        "Open category subscriptions across all sessions.",
			ConstLabels: constLabels,
		}, []string{"category"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "carehub_reconcile_runs_total",
			Help:        "Reconciliation sweeps by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		reconcileVisits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "carehub_reconcile_visits_total",
			Help:        "Visits examined by the reconciliation sweep by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}

	registerer.MustRegister(
		m.snapshotsApplied,
		m.feedErrors,
		m.activeSubscriptions,
		m.reconcileRuns,
		m.reconcileVisits,
	)
	return m
}

func (m *SyncMetrics) SnapshotApplied(category string) {
	if m == nil {
		return
	}
	m.snapshotsApplied.WithLabelValues(category).Inc()
}

func (m *SyncMetrics) FeedError(category string) {
	if m == nil {
		return
	}
	m.feedErrors.WithLabelValues(category).Inc()
}

func (m *SyncMetrics) SubscriptionOpened(category string) {
	if m == nil {
		return
	}
	m.activeSubscriptions.WithLabelValues(category).Inc()
}

func (m *SyncMetrics) SubscriptionClosed(category string) {
	if m == nil {
		return
	}
	m.activeSubscriptions.WithLabelValues(category).Dec()
}

func (m *SyncMetrics) ReconcileRun(result string) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
}

func (m *SyncMetrics) ReconcileVisit(outcome string) {
	if m == nil {
		return
	}
	m.reconcileVisits.WithLabelValues(outcome).Inc()
}
