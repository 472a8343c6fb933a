package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/smallbiznis/carehub/internal/authorization"
	"github.com/smallbiznis/carehub/internal/clock"
	"github.com/smallbiznis/carehub/internal/config"
	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/identity"
	"github.com/smallbiznis/carehub/internal/livesync"
	"github.com/smallbiznis/carehub/internal/observability/metrics"
	"github.com/smallbiznis/carehub/internal/ratelimit"
	recorddomain "github.com/smallbiznis/carehub/internal/record/domain"
	"github.com/smallbiznis/carehub/internal/registry"
	"github.com/smallbiznis/carehub/internal/visit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Store   docstore.Store
	Policy  *authorization.Policy
	Clock   clock.Clock
	Rules   *config.RulesHolder
	Locker  ratelimit.Locker
	Keys    ratelimit.VisitKeys
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	store   docstore.Store
	policy  *authorization.Policy
	clock   clock.Clock
	rules   *config.RulesHolder
	locker  ratelimit.Locker
	keys    ratelimit.VisitKeys
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(p Params) domain.Service {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	locker := p.Locker
	if locker == nil {
		locker = ratelimit.NewLocalLocker(clk)
	}
	return &Service{
		store:   p.Store,
		policy:  p.Policy,
		clock:   clk,
		rules:   p.Rules,
		locker:  locker,
		keys:    p.Keys,
		log:     log.Named("visit.service"),
		metrics: p.Metrics,
	}
}

func (s *Service) CompleteVisit(ctx context.Context, actor identity.Profile, tables livesync.Tables, visitID string) (domain.Completion, error) {
	visitID = strings.TrimSpace(visitID)
	if visitID == "" {
		return domain.Completion{}, domain.ErrInvalidVisitID
	}
	if !s.policy.CanWrite(actor, registry.EVV) {
		s.metrics.RecordPolicyDenial(ctx, registry.EVV, "complete")
		return domain.Completion{}, authorization.ErrUnauthorized
	}

	rules := s.rules.Get()
	release, err := s.lock(ctx, visitID, rules.CompletionLockTTL())
	if err != nil {
		return domain.Completion{}, err
	}
	defer release()

	visit, err := s.store.Get(ctx, registry.EVV, visitID)
	if err != nil {
		return domain.Completion{}, err
	}
	if docstore.AsString(visit.Fields[recorddomain.FieldStatus]) == domain.StatusCompleted {
		return domain.Completion{}, domain.ErrVisitAlreadyCompleted
	}

	end := s.clock.Now()
	start, ok := docstore.AsTime(visit.Fields[domain.FieldTimeIn])
	if !ok {
		start = end.Add(-rules.MissingCheckInFallback())
	}
	minutes, units := billable(start, end, rules.UnitDuration())

	completion := domain.Completion{
		VisitID:         visitID,
		TimeIn:          start,
		TimeOut:         end,
		DurationMinutes: int64(math.Round(minutes)),
		UnitsBilled:     units,
		DeductionStatus: domain.DeductionPending,
	}

	err = s.store.Update(ctx, registry.EVV, visitID, docstore.Fields{
		domain.FieldTimeOut:         end,
		domain.FieldDurationMinutes: completion.DurationMinutes,
		domain.FieldUnitsBilled:     units,
		domain.FieldGPSStatus:       domain.GPSVerified,
		recorddomain.FieldStatus:    domain.StatusCompleted,
		domain.FieldDeductionStatus: domain.DeductionPending,
		recorddomain.FieldUpdatedAt: docstore.ServerTimestamp(),
		recorddomain.FieldUpdatedBy: actor.PrincipalID,
	})
	if err != nil {
		return domain.Completion{}, err
	}

	// The visit is completed from here on; a failed deduction stays pending
	// for the reconciliation sweep.
	deduction, err := s.deduct(ctx, actor.PrincipalID, visit, units, tables)
	if err != nil {
		s.log.Warn("unit deduction failed, left pending",
			zap.String("visit_id", visitID),
			zap.Error(err),
		)
		s.metrics.RecordVisitCompleted(ctx, domain.DeductionPending)
		return completion, err
	}

	completion.DeductionStatus = deduction.Status
	completion.ClientID = deduction.ClientID
	completion.StartingUnits = deduction.StartingUnits
	completion.RemainingUnits = deduction.RemainingUnits
	completion.Gap = deduction.Gap
	s.metrics.RecordVisitCompleted(ctx, deduction.Status)

	s.log.Info("visit completed",
		zap.String("visit_id", visitID),
		zap.String("actor", actor.PrincipalID),
		zap.Int64("duration_minutes", completion.DurationMinutes),
		zap.Int64("units_billed", units),
		zap.String("deduction_status", deduction.Status),
	)
	return completion, nil
}

func (s *Service) ReconcileVisit(ctx context.Context, visitID string) (string, error) {
	visitID = strings.TrimSpace(visitID)
	if visitID == "" {
		return "", domain.ErrInvalidVisitID
	}

	actor := identity.SystemProfile()
	if !s.policy.CanWrite(actor, registry.EVV) {
		return "", authorization.ErrUnauthorized
	}

	release, err := s.lock(ctx, visitID, s.rules.Get().CompletionLockTTL())
	if errors.Is(err, domain.ErrCompletionInProgress) {
		return domain.OutcomeLocked, nil
	}
	if err != nil {
		return "", err
	}
	defer release()

	visit, err := s.store.Get(ctx, registry.EVV, visitID)
	if err != nil {
		return "", err
	}
	if !NeedsDeduction(visit) {
		return domain.OutcomeSkipped, nil
	}

	units, _ := docstore.AsInt(visit.Fields[domain.FieldUnitsBilled])
	deduction, err := s.deduct(ctx, actor.PrincipalID, visit, units, nil)
	if err != nil {
		return "", err
	}
	if deduction.Status == domain.DeductionApplied {
		return domain.OutcomeApplied, nil
	}
	return domain.OutcomeUnmatched, nil
}

// NeedsDeduction reports whether a visit is completed but its client has not
// been charged yet.
func NeedsDeduction(visit docstore.Document) bool {
	if docstore.AsString(visit.Fields[recorddomain.FieldStatus]) != domain.StatusCompleted {
		return false
	}
	switch docstore.AsString(visit.Fields[domain.FieldDeductionStatus]) {
	case domain.DeductionPending, domain.DeductionUnmatched:
		return true
	default:
		return false
	}
}

// deduct charges units to the visit's client and records the outcome on the
// visit. A client already stamped with this visit is treated as charged.
func (s *Service) deduct(ctx context.Context, actorID string, visit docstore.Document, units int64, tables livesync.Tables) (domain.Deduction, error) {
	client, reason, err := s.resolveClient(ctx, visit, tables)
	if err != nil {
		return domain.Deduction{}, err
	}
	if reason != "" {
		gap := fmt.Errorf("%w: visit %s client %q %s", domain.ErrReconciliationGap, visit.ID, docstore.AsString(visit.Fields[domain.FieldClient]), reason)
		if docstore.AsString(visit.Fields[domain.FieldDeductionStatus]) == domain.DeductionUnmatched {
			return domain.Deduction{Status: domain.DeductionUnmatched, Gap: gap}, nil
		}
		s.metrics.RecordReconciliationGap(ctx, reason)
		s.log.Warn("visit not charged to any client",
			zap.String("visit_id", visit.ID),
			zap.String("reason", reason),
		)
		if err := s.markVisit(ctx, actorID, visit.ID, domain.DeductionUnmatched, ""); err != nil {
			return domain.Deduction{}, err
		}
		return domain.Deduction{Status: domain.DeductionUnmatched, Gap: gap}, nil
	}

	starting := startingUnits(client.Fields)
	remaining := starting
	if docstore.AsString(client.Fields[domain.FieldLastDeductionVisit]) != visit.ID {
		remaining = starting - units
		if remaining < 0 {
			remaining = 0
		}
		err := s.store.Update(ctx, registry.Clients, client.ID, docstore.Fields{
			recorddomain.FieldAuthUnitsRemaining: remaining,
			domain.FieldLastDeductionVisit:       visit.ID,
			recorddomain.FieldUpdatedAt:          docstore.ServerTimestamp(),
			recorddomain.FieldUpdatedBy:          actorID,
		})
		if err != nil {
			return domain.Deduction{}, err
		}
		s.metrics.RecordUnitsDeducted(ctx, starting-remaining)
	}

	if err := s.markVisit(ctx, actorID, visit.ID, domain.DeductionApplied, client.ID); err != nil {
		return domain.Deduction{}, err
	}
	return domain.Deduction{
		Status:         domain.DeductionApplied,
		ClientID:       client.ID,
		StartingUnits:  starting,
		RemainingUnits: remaining,
	}, nil
}

// resolveClient prefers the Client_ID reference and falls back to a unique
// name match. The returned document is always a fresh read.
func (s *Service) resolveClient(ctx context.Context, visit docstore.Document, tables livesync.Tables) (docstore.Document, string, error) {
	if clientID := strings.TrimSpace(docstore.AsString(visit.Fields[domain.FieldClientID])); clientID != "" {
		client, err := s.store.Get(ctx, registry.Clients, clientID)
		if errors.Is(err, docstore.ErrNotFound) {
			return docstore.Document{}, domain.GapUnmatched, nil
		}
		if err != nil {
			return docstore.Document{}, "", err
		}
		return client, "", nil
	}

	name := strings.TrimSpace(docstore.AsString(visit.Fields[domain.FieldClient]))
	if name == "" {
		return docstore.Document{}, domain.GapUnmatched, nil
	}

	clients, loaded := tables[registry.Clients]
	if !loaded {
		var err error
		clients, err = s.store.List(ctx, registry.Clients)
		if err != nil {
			return docstore.Document{}, "", err
		}
	}

	var matches []string
	for _, c := range clients {
		if strings.TrimSpace(docstore.AsString(c.Fields["Name"])) == name {
			matches = append(matches, c.ID)
		}
	}
	switch len(matches) {
	case 0:
		return docstore.Document{}, domain.GapUnmatched, nil
	case 1:
	default:
		return docstore.Document{}, domain.GapAmbiguous, nil
	}

	client, err := s.store.Get(ctx, registry.Clients, matches[0])
	if errors.Is(err, docstore.ErrNotFound) {
		return docstore.Document{}, domain.GapUnmatched, nil
	}
	if err != nil {
		return docstore.Document{}, "", err
	}
	return client, "", nil
}

func (s *Service) markVisit(ctx context.Context, actorID, visitID, status, clientID string) error {
	fields := docstore.Fields{
		domain.FieldDeductionStatus: status,
		recorddomain.FieldUpdatedAt: docstore.ServerTimestamp(),
		recorddomain.FieldUpdatedBy: actorID,
	}
	if clientID != "" {
		fields[domain.FieldDeductedClientID] = clientID
	}
	return s.store.Update(ctx, registry.EVV, visitID, fields)
}

func (s *Service) lock(ctx context.Context, visitID string, ttl time.Duration) (func(), error) {
	key := s.keys.Completion(visitID)
	token, ok, err := s.locker.TryLock(ctx, key, ttl)
	if err != nil {
		return nil, fmt.Errorf("%w: visit lock: %v", docstore.ErrStoreUnavailable, err)
	}
	if !ok {
		return nil, domain.ErrCompletionInProgress
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("visit lock release failed", zap.String("visit_id", visitID), zap.Error(err))
		}
	}, nil
}

// billable returns the raw visit length in minutes and the units it bills.
// Any started unit counts as a whole unit.
func billable(start, end time.Time, unit time.Duration) (float64, int64) {
	d := end.Sub(start)
	if d < 0 {
		d = 0
	}
	minutes := d.Minutes()
	if unit <= 0 {
		unit = 15 * time.Minute
	}
	units := int64(math.Ceil(float64(d) / float64(unit)))
	return minutes, units
}

// startingUnits reads Auth_Units_Remaining, falling back to Auth_Units_Total
// only when remaining was never set. Unparseable values count as zero.
func startingUnits(fields docstore.Fields) int64 {
	raw, ok := fields[recorddomain.FieldAuthUnitsRemaining]
	if !ok || raw == nil {
		raw = fields[recorddomain.FieldAuthUnitsTotal]
	}
	n, ok := docstore.AsInt(raw)
	if !ok {
		return 0
	}
	return n
}
