// Package livesync keeps a session's read model in step with the document
// store. It subscribes to the core categories plus whichever module has
// focus and replaces each category table wholesale on every notification.
package livesync

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/observability/metrics"
	"github.com/smallbiznis/carehub/internal/registry"
	"go.uber.org/zap"
)

var ErrManagerClosed = errors.New("sync_manager_closed")

// Change is one table replacement.
type Change struct {
	Category  string              `json:"category"`
	Documents []docstore.Document `json:"documents"`
}

type Options struct {
	Log     *zap.Logger
	Metrics *metrics.SyncMetrics
}

type watch struct {
	category string
	sub      docstore.Subscription
	failed   bool
}

// Manager owns the category subscriptions of one session.
//
// Callbacks run on feed goroutines and never take opMu, so SetFocus and
// Close may wait for an in-flight delivery without deadlocking. Listeners
// must not call SetFocus or Close.
type Manager struct {
	store   docstore.Store
	log     *zap.Logger
	metrics *metrics.SyncMetrics

	opMu sync.Mutex

	mu        sync.RWMutex
	focus     string
	watches   map[string]*watch
	order     []string
	tables    map[string][]docstore.Document
	listeners map[uint64]func(Change)
	nextID    uint64
	closed    bool
}

func NewManager(store docstore.Store, opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Manager{
		store:     store,
		log:       opts.Log.Named("livesync.manager"),
		metrics:   opts.Metrics,
		focus:     registry.Default().ID,
		watches:   make(map[string]*watch),
		tables:    make(map[string][]docstore.Document),
		listeners: make(map[uint64]func(Change)),
	}
}

// WatchSet is the core categories plus focus when focus is a real category.
func WatchSet(focus string) []string {
	out := append([]string(nil), registry.CoreCategories...)
	d := registry.Lookup(focus)
	if !d.IsCollection() {
		return out
	}
	for _, c := range out {
		if c == d.ID {
			return out
		}
	}
	return append(out, d.ID)
}

// SetFocus moves focus to category and reconciles subscriptions: categories
// leaving the watch set are released before SetFocus returns, new ones are
// opened, and ones whose feed failed earlier are reopened.
func (m *Manager) SetFocus(category string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	focus := registry.Lookup(category).ID
	desired := WatchSet(focus)
	want := make(map[string]struct{}, len(desired))
	for _, c := range desired {
		want[c] = struct{}{}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.focus = focus

	var release []*watch
	for c, w := range m.watches {
		if _, ok := want[c]; !ok || w.failed {
			release = append(release, w)
			delete(m.watches, c)
		}
	}
	// A failed watch keeps its last good table; one that left the watch set
	// no longer follows the store.
	for c := range m.tables {
		if _, ok := want[c]; !ok {
			delete(m.tables, c)
		}
	}
	var open []*watch
	for _, c := range desired {
		if _, ok := m.watches[c]; ok {
			continue
		}
		w := &watch{category: c}
		m.watches[c] = w
		open = append(open, w)
	}
	m.order = desired
	m.mu.Unlock()

	for _, w := range release {
		m.release(w)
	}

	var errs []error
	for _, w := range open {
		if err := m.open(w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) open(w *watch) error {
	sub, err := m.store.Subscribe(w.category,
		func(snap docstore.Snapshot) { m.apply(w, snap) },
		func(err error) { m.fail(w, err) },
	)
	if err != nil {
		m.mu.Lock()
		if m.watches[w.category] == w {
			delete(m.watches, w.category)
		}
		m.mu.Unlock()
		m.log.Warn("subscribe failed", zap.String("category", w.category), zap.Error(err))
		return fmt.Errorf("subscribe %s: %w", w.category, err)
	}
	m.metrics.SubscriptionOpened(w.category)

	m.mu.Lock()
	current := m.watches[w.category] == w
	if current {
		w.sub = sub
	}
	m.mu.Unlock()
	if !current {
		sub.Close()
		m.metrics.SubscriptionClosed(w.category)
	}
	return nil
}

func (m *Manager) release(w *watch) {
	m.mu.Lock()
	sub, failed := w.sub, w.failed
	w.sub = nil
	m.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Close()
	if !failed {
		m.metrics.SubscriptionClosed(w.category)
	}
}

func (m *Manager) apply(w *watch, snap docstore.Snapshot) {
	m.mu.Lock()
	if m.closed || m.watches[w.category] != w {
		m.mu.Unlock()
		return
	}
	m.tables[w.category] = snap.Documents
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.metrics.SnapshotApplied(w.category)
	change := Change{Category: w.category, Documents: snap.Documents}
	for _, fn := range listeners {
		fn(change)
	}
}

// fail keeps the last good table in place and marks the watch for reopening.
func (m *Manager) fail(w *watch, err error) {
	m.mu.Lock()
	current := !m.closed && m.watches[w.category] == w
	if current {
		w.failed = true
	}
	m.mu.Unlock()
	if !current {
		return
	}
	m.metrics.FeedError(w.category)
	m.metrics.SubscriptionClosed(w.category)
	m.log.Warn("category feed failed", zap.String("category", w.category), zap.Error(err))
}

// Close releases every subscription and clears every table.
func (m *Manager) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	watches := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.watches = make(map[string]*watch)
	m.tables = make(map[string][]docstore.Document)
	m.listeners = make(map[uint64]func(Change))
	m.order = nil
	m.focus = registry.Default().ID
	m.mu.Unlock()

	for _, w := range watches {
		m.release(w)
	}
}

// OnChange registers fn for every table replacement. The returned func
// unregisters it.
func (m *Manager) OnChange(fn func(Change)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || fn == nil {
		return func() {}
	}
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) listenersLocked() []func(Change) {
	out := make([]func(Change), 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

func (m *Manager) Focus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.focus
}

// Watched lists the categories in the current watch set.
func (m *Manager) Watched() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Live reports whether category has an open, healthy subscription.
func (m *Manager) Live(category string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watches[category]
	return ok && !w.failed
}

// Table returns the last snapshot of category. loaded is false until the
// first snapshot arrives.
func (m *Manager) Table(category string) (docs []docstore.Document, loaded bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, loaded = m.tables[category]
	return docs, loaded
}

// Tables copies every loaded table.
func (m *Manager) Tables() Tables {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(Tables, len(m.tables))
	for k, v := range m.tables {
		out[k] = v
	}
	return out
}
