package livesync

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/docstore/memstore"
	"github.com/smallbiznis/carehub/internal/observability/metrics"
	"github.com/smallbiznis/carehub/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newManager(t *testing.T) (*Manager, *memstore.Store, *prometheus.Registry) {
	t.Helper()
	store := memstore.New(nil, nil)
	reg := prometheus.NewRegistry()
	m := metrics.NewSyncMetrics(reg, metrics.Config{ServiceName: "test"})
	mgr := NewManager(store, Options{Log: zap.NewNop(), Metrics: m})
	t.Cleanup(mgr.Close)
	return mgr, store, reg
}

// sample reads the counter or gauge of the series in family name whose
// category label equals category.
func sample(t *testing.T, reg *prometheus.Registry, name, category string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() != "category" || label.GetValue() != category {
					continue
				}
				if gauge := metric.GetGauge(); gauge != nil {
					return gauge.GetValue()
				}
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func TestWatchSet(t *testing.T) {
	assert.Equal(t, registry.CoreCategories, WatchSet(registry.Dashboard))
	assert.Equal(t, registry.CoreCategories, WatchSet("unknown"))
	assert.Equal(t, registry.CoreCategories, WatchSet(registry.EVV))
	assert.Equal(t, append(append([]string(nil), registry.CoreCategories...), registry.Payroll), WatchSet(registry.Payroll))
}

func TestSetFocusSwapsNonCoreCategory(t *testing.T) {
	mgr, store, _ := newManager(t)

	require.NoError(t, mgr.SetFocus(registry.Vitals))
	for _, c := range WatchSet(registry.Vitals) {
		assert.True(t, mgr.Live(c), c)
	}
	// one stream per watched category, nothing else
	assert.Equal(t, len(registry.CoreCategories)+1, store.Hub().Streams())

	require.NoError(t, mgr.SetFocus(registry.Payroll))
	assert.Equal(t, sorted(WatchSet(registry.Payroll)), sorted(mgr.Watched()))
	assert.False(t, mgr.Live(registry.Vitals))
	assert.True(t, mgr.Live(registry.Payroll))
	assert.Equal(t, len(registry.CoreCategories)+1, store.Hub().Streams())

	// focusing a core category releases the previous extra one
	require.NoError(t, mgr.SetFocus(registry.Clients))
	assert.False(t, mgr.Live(registry.Payroll))
	assert.Equal(t, len(registry.CoreCategories), store.Hub().Streams())
	assert.Equal(t, registry.Clients, mgr.Focus())
}

func TestReleasedCategoryDropsItsTable(t *testing.T) {
	mgr, store, _ := newManager(t)
	ctx := context.Background()

	_, err := store.Create(ctx, registry.Vitals, docstore.Fields{"BP": "120/80"})
	require.NoError(t, err)
	require.NoError(t, mgr.SetFocus(registry.Vitals))
	require.Eventually(t, func() bool {
		_, loaded := mgr.Table(registry.Vitals)
		return loaded
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.SetFocus(registry.Payroll))
	_, loaded := mgr.Table(registry.Vitals)
	assert.False(t, loaded)
	_, present := mgr.Tables()[registry.Vitals]
	assert.False(t, present)

	_, err = store.Create(ctx, registry.Vitals, docstore.Fields{"BP": "130/85"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, loaded := mgr.Table(registry.Payroll)
		return loaded
	}, time.Second, 5*time.Millisecond)
	_, loaded = mgr.Table(registry.Vitals)
	assert.False(t, loaded)
}

func TestSnapshotsReplaceTables(t *testing.T) {
	mgr, store, reg := newManager(t)
	ctx := context.Background()

	_, err := store.Create(ctx, registry.Clients, docstore.Fields{"Name": "Ada"})
	require.NoError(t, err)

	require.NoError(t, mgr.SetFocus(registry.Dashboard))
	require.Eventually(t, func() bool {
		docs, loaded := mgr.Table(registry.Clients)
		return loaded && len(docs) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = store.Create(ctx, registry.Clients, docstore.Fields{"Name": "Grace"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		docs, _ := mgr.Table(registry.Clients)
		return len(docs) == 2 && docs[1].Fields["Name"] == "Grace"
	}, time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, sample(t, reg, "carehub_sync_snapshots_applied_total", registry.Clients), float64(2))
	assert.Equal(t, float64(1), sample(t, reg, "carehub_sync_active_subscriptions", registry.Clients))
}

func TestFeedErrorKeepsLastGoodTableAndReopens(t *testing.T) {
	mgr, store, reg := newManager(t)
	ctx := context.Background()

	_, err := store.Create(ctx, registry.Staff, docstore.Fields{"Name": "Sam"})
	require.NoError(t, err)
	require.NoError(t, mgr.SetFocus(registry.Dashboard))
	require.Eventually(t, func() bool {
		_, loaded := mgr.Table(registry.Staff)
		return loaded
	}, time.Second, 5*time.Millisecond)

	store.InjectFault(registry.Staff, errors.New("connection reset"))
	require.Eventually(t, func() bool { return !mgr.Live(registry.Staff) }, time.Second, 5*time.Millisecond)

	docs, loaded := mgr.Table(registry.Staff)
	assert.True(t, loaded)
	assert.Len(t, docs, 1)
	assert.Equal(t, float64(1), sample(t, reg, "carehub_sync_feed_errors_total", registry.Staff))

	store.ClearFault(registry.Staff)
	require.NoError(t, mgr.SetFocus(registry.Dashboard))
	assert.True(t, mgr.Live(registry.Staff))
}

func TestOnChangeAndClose(t *testing.T) {
	mgr, store, _ := newManager(t)
	changes := make(chan Change, 32)
	cancel := mgr.OnChange(func(c Change) { changes <- c })
	defer cancel()

	require.NoError(t, mgr.SetFocus(registry.Broadcast))
	_, err := store.Create(context.Background(), registry.Broadcast, docstore.Fields{"Message": "Snow day"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for {
			select {
			case c := <-changes:
				if c.Category == registry.Broadcast && len(c.Documents) == 1 {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	mgr.Close()
	assert.Empty(t, mgr.Tables())
	assert.Empty(t, mgr.Watched())
	assert.Equal(t, registry.Dashboard, mgr.Focus())
	assert.Equal(t, 0, store.Hub().Streams())
	assert.ErrorIs(t, mgr.SetFocus(registry.Clients), ErrManagerClosed)
}

func TestTablesFind(t *testing.T) {
	tables := Tables{registry.Clients: {{ID: "a", Fields: docstore.Fields{"Name": "Ada"}}}}
	doc, ok := tables.Find(registry.Clients, "a")
	assert.True(t, ok)
	assert.Equal(t, "Ada", doc.Fields["Name"])
	_, ok = tables.Find(registry.Staff, "a")
	assert.False(t, ok)
}
