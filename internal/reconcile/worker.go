// Package reconcile retries unit-bank charges that a visit completion left
// pending or unmatched.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/carehub/internal/clock"
	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/observability/metrics"
	recorddomain "github.com/smallbiznis/carehub/internal/record/domain"
	"github.com/smallbiznis/carehub/internal/registry"
	visitdomain "github.com/smallbiznis/carehub/internal/visit/domain"
	visitservice "github.com/smallbiznis/carehub/internal/visit/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Store   docstore.Store
	Visits  visitdomain.Service
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.SyncMetrics `optional:"true"`
	Config  Config
}

type Worker struct {
	store   docstore.Store
	visits  visitdomain.Service
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.SyncMetrics
	cfg     Config

	mu sync.Mutex
	// cursor rotates the unmatched backlog across sweeps.
	cursor int
}

// Result counts one sweep by outcome.
type Result struct {
	Examined  int
	Applied   int
	Unmatched int
	Locked    int
	Failed    int
}

func NewWorker(p Params) *Worker {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Worker{
		store:   p.Store,
		visits:  p.Visits,
		clock:   clk,
		log:     log.Named("reconcile.worker"),
		metrics: p.Metrics,
		cfg:     p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("reconcile run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	res, err := w.sweep(ctx)
	switch {
	case err != nil:
		w.metrics.ReconcileRun("error")
	case res.Failed > 0:
		w.metrics.ReconcileRun("partial")
	default:
		w.metrics.ReconcileRun("ok")
	}
	if res.Examined > 0 {
		w.log.Info("reconcile sweep finished",
			zap.Int("examined", res.Examined),
			zap.Int("applied", res.Applied),
			zap.Int("unmatched", res.Unmatched),
			zap.Int("locked", res.Locked),
			zap.Int("failed", res.Failed),
		)
	}
	return res, err
}

func (w *Worker) sweep(ctx context.Context) (Result, error) {
	var res Result
	visits, err := w.store.List(ctx, registry.EVV)
	if err != nil {
		return res, err
	}

	cutoff := w.clock.Now().Add(-w.cfg.Grace)
	for _, visit := range w.batch(visits, cutoff) {
		res.Examined++

		visitCtx, cancel := context.WithTimeout(ctx, w.cfg.VisitTimeout)
		outcome, err := w.visits.ReconcileVisit(visitCtx, visit.ID)
		cancel()
		if err != nil {
			res.Failed++
			w.metrics.ReconcileVisit("failed")
			w.log.Warn("reconcile visit failed",
				zap.String("visit_id", visit.ID),
				zap.Error(err),
			)
			continue
		}

		w.metrics.ReconcileVisit(outcome)
		switch outcome {
		case visitdomain.OutcomeApplied:
			res.Applied++
		case visitdomain.OutcomeUnmatched:
			res.Unmatched++
		case visitdomain.OutcomeLocked:
			res.Locked++
		}
	}
	return res, nil
}

// batch picks at most BatchSize due visits. Pending visits go first; the
// unmatched ones fill the rest of the batch starting at the cursor, so a
// backlog that never resolves cannot hide the visits behind it.
func (w *Worker) batch(visits []docstore.Document, cutoff time.Time) []docstore.Document {
	var pending, unmatched []docstore.Document
	for _, visit := range visits {
		if !w.due(visit, cutoff) {
			continue
		}
		if docstore.AsString(visit.Fields[visitdomain.FieldDeductionStatus]) == visitdomain.DeductionUnmatched {
			unmatched = append(unmatched, visit)
			continue
		}
		pending = append(pending, visit)
	}

	if len(pending) >= w.cfg.BatchSize {
		return pending[:w.cfg.BatchSize]
	}
	budget := min(w.cfg.BatchSize-len(pending), len(unmatched))
	if budget == 0 {
		return pending
	}

	w.mu.Lock()
	start := w.cursor % len(unmatched)
	w.cursor = start + budget
	w.mu.Unlock()

	out := pending
	for i := 0; i < budget; i++ {
		out = append(out, unmatched[(start+i)%len(unmatched)])
	}
	return out
}

// due skips visits still inside the grace window. A visit without a
// readable updatedAt is always due.
func (w *Worker) due(visit docstore.Document, cutoff time.Time) bool {
	if !visitservice.NeedsDeduction(visit) {
		return false
	}
	updatedAt, ok := docstore.AsTime(visit.Fields[recorddomain.FieldUpdatedAt])
	return !ok || !updatedAt.After(cutoff)
}
