package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/carehub/internal/authorization"
	"github.com/smallbiznis/carehub/internal/clock"
	"github.com/smallbiznis/carehub/internal/config"
	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/docstore/sqlstore"
	"github.com/smallbiznis/carehub/internal/observability/metrics"
	"github.com/smallbiznis/carehub/internal/ratelimit"
	"github.com/smallbiznis/carehub/internal/registry"
	visitservice "github.com/smallbiznis/carehub/internal/visit/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var start = time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)

type fixture struct {
	worker  *Worker
	store   *sqlstore.Store
	clock   *clock.FakeClock
	reg     *prometheus.Registry
}

func setup(t *testing.T) fixture {
	t.Helper()
	return setupBatch(t, 0)
}

func setupBatch(t *testing.T, batchSize int) fixture {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, sqlstore.AutoMigrate(conn))

	clk := clock.NewFakeClock(start)
	store := sqlstore.New(conn, sqlstore.Options{TenantID: "agency", Clock: clk})
	enforcer, err := authorization.NewEnforcer(authorization.EnforcerParams{})
	require.NoError(t, err)

	visits := visitservice.New(visitservice.Params{
		Store:  store,
		Policy: authorization.NewPolicy(authorization.Params{Enforcer: enforcer}),
		Clock:  clk,
		Rules:  config.StaticRules(config.DefaultRules()),
		Locker: ratelimit.NewLocalLocker(clk),
		Keys:   ratelimit.NewVisitKeys(config.Config{TenantID: "agency"}),
	})
	reg := prometheus.NewRegistry()
	worker := NewWorker(Params{
		Store:   store,
		Visits:  visits,
		Clock:   clk,
		Log:     zap.NewNop(),
		Metrics: metrics.NewSyncMetrics(reg, metrics.Config{}),
		Config:  Config{Enabled: true, Grace: 2 * time.Minute, BatchSize: batchSize},
	})
	return fixture{worker: worker, store: store, clock: clk, reg: reg}
}

func (f fixture) visitOutcomes(t *testing.T, outcome string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "carehub_reconcile_visits_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" && label.GetValue() == outcome {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func (f fixture) remaining(t *testing.T, clientID string) int64 {
	t.Helper()
	client, err := f.store.Get(context.Background(), registry.Clients, clientID)
	require.NoError(t, err)
	n, _ := docstore.AsInt(client.Fields["Auth_Units_Remaining"])
	return n
}

func (f fixture) create(t *testing.T, category string, fields docstore.Fields) string {
	t.Helper()
	id, err := f.store.Create(context.Background(), category, fields)
	require.NoError(t, err)
	return id
}

func TestSweepAppliesPendingAfterGrace(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	clientID := f.create(t, registry.Clients, docstore.Fields{"Name": "Ada", "Auth_Units_Remaining": int64(10)})
	pending := f.create(t, registry.EVV, docstore.Fields{
		"Client_ID": clientID, "Status": "Completed", "Units_Billed": int64(3),
		"Deduction_Status": "pending", "updatedAt": docstore.ServerTimestamp(),
	})
	f.create(t, registry.EVV, docstore.Fields{"Status": "InProgress"})
	f.create(t, registry.EVV, docstore.Fields{"Status": "Completed", "Deduction_Status": "applied"})

	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Examined, "inside grace window")

	f.clock.Advance(3 * time.Minute)
	res, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Examined: 1, Applied: 1}, res)

	client, err := f.store.Get(ctx, registry.Clients, clientID)
	require.NoError(t, err)
	remaining, _ := docstore.AsInt(client.Fields["Auth_Units_Remaining"])
	assert.Equal(t, int64(7), remaining)

	visit, err := f.store.Get(ctx, registry.EVV, pending)
	require.NoError(t, err)
	assert.Equal(t, "applied", visit.Fields["Deduction_Status"])

	f.clock.Advance(3 * time.Minute)
	res, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Examined)
	assert.Equal(t, float64(1), f.visitOutcomes(t, "applied"))
}

func TestSweepResolvesOnceClientAppears(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.create(t, registry.EVV, docstore.Fields{
		"Client": "Grace", "Status": "Completed", "Units_Billed": int64(2), "Deduction_Status": "unmatched",
	})

	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Examined: 1, Unmatched: 1}, res)

	clientID := f.create(t, registry.Clients, docstore.Fields{"Name": "Grace", "Auth_Units_Total": int64(5)})
	res, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Examined: 1, Applied: 1}, res)

	client, err := f.store.Get(ctx, registry.Clients, clientID)
	require.NoError(t, err)
	remaining, _ := docstore.AsInt(client.Fields["Auth_Units_Remaining"])
	assert.Equal(t, int64(3), remaining)
}

func TestSweepReachesPendingBehindUnmatchedBacklog(t *testing.T) {
	f := setupBatch(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.create(t, registry.EVV, docstore.Fields{
			"Client": "Nobody", "Status": "Completed", "Units_Billed": int64(1), "Deduction_Status": "unmatched",
		})
	}
	clientID := f.create(t, registry.Clients, docstore.Fields{"Name": "Ada", "Auth_Units_Remaining": int64(10)})
	f.create(t, registry.EVV, docstore.Fields{
		"Client_ID": clientID, "Status": "Completed", "Units_Billed": int64(3), "Deduction_Status": "pending",
	})

	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Examined: 3, Applied: 1, Unmatched: 2}, res)
	assert.Equal(t, int64(7), f.remaining(t, clientID))
}

func TestSweepRotatesThroughUnmatchedBacklog(t *testing.T) {
	f := setupBatch(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		f.create(t, registry.EVV, docstore.Fields{
			"Client": "Nobody", "Status": "Completed", "Units_Billed": int64(1), "Deduction_Status": "unmatched",
		})
	}
	f.create(t, registry.EVV, docstore.Fields{
		"Client_ID": "c-late", "Status": "Completed", "Units_Billed": int64(2), "Deduction_Status": "unmatched",
	})
	_, err := f.store.SetMissing(ctx, registry.Clients, "c-late", docstore.Fields{"Name": "Late", "Auth_Units_Remaining": int64(5)})
	require.NoError(t, err)

	applied := 0
	for i := 0; i < 2; i++ {
		res, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Examined)
		applied += res.Applied
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(3), f.remaining(t, "c-late"))
}

func TestConfigDefaults(t *testing.T) {
	cfg := ConfigFrom(config.Config{ReconcileEnabled: true})
	assert.True(t, cfg.Enabled)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, 100, cfg.BatchSize)
}
