package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/carehub/internal/authorization"
	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/identity"
	"github.com/smallbiznis/carehub/internal/observability/metrics"
	"github.com/smallbiznis/carehub/internal/record/domain"
	"github.com/smallbiznis/carehub/internal/registry"
	visitdomain "github.com/smallbiznis/carehub/internal/visit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Store   docstore.Store
	Policy  *authorization.Policy
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	store   docstore.Store
	policy  *authorization.Policy
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(p Params) domain.Service {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:   p.Store,
		policy:  p.Policy,
		log:     log.Named("record.service"),
		metrics: p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, actor identity.Profile, req domain.CreateRequest) (string, error) {
	category, err := validCategory(req.Category)
	if err != nil {
		return "", err
	}
	if !s.policy.CanWrite(actor, category) {
		return "", s.deny(ctx, actor, category, "create")
	}

	fields, err := sanitize(category, req.Fields)
	if err != nil {
		return "", err
	}
	if category == registry.EVV {
		if err := checkNewVisit(fields); err != nil {
			return "", err
		}
	}
	if _, ok := fields[domain.FieldStatus]; !ok {
		fields[domain.FieldStatus] = domain.StatusActive
	}
	if category == registry.Clients {
		if err := normalizeUnitBank(fields); err != nil {
			return "", err
		}
	}
	fields[domain.FieldCreatedAt] = docstore.ServerTimestamp()
	fields[domain.FieldCreatedBy] = actor.PrincipalID

	id, err := s.store.Create(ctx, category, fields)
	if err != nil {
		return "", err
	}
	s.metrics.RecordWrite(ctx, category, "create")
	s.log.Info("record created",
		zap.String("category", category),
		zap.String("record_id", id),
		zap.String("actor", actor.PrincipalID),
	)
	return id, nil
}

func (s *Service) Update(ctx context.Context, actor identity.Profile, req domain.UpdateRequest) error {
	category, err := validCategory(req.Category)
	if err != nil {
		return err
	}
	id, err := validID(req.ID)
	if err != nil {
		return err
	}
	if !s.policy.CanWrite(actor, category) {
		return s.deny(ctx, actor, category, "update")
	}

	fields, err := sanitize(category, req.Fields)
	if err != nil {
		return err
	}
	if category == registry.EVV {
		if err := s.checkVisitUpdate(ctx, id, fields); err != nil {
			return err
		}
	}
	if category == registry.Clients {
		// Managed by billing and administrative replenishment only.
		delete(fields, domain.FieldAuthUnitsTotal)
		delete(fields, domain.FieldAuthUnitsRemaining)
	}
	stampUpdate(fields, actor)

	if err := s.store.Update(ctx, category, id, fields); err != nil {
		return err
	}
	s.metrics.RecordWrite(ctx, category, "update")
	return nil
}

// Archive is a soft delete. Archiving an archived record is a no-op so the
// first archivedAt/archivedBy stamp survives.
func (s *Service) Archive(ctx context.Context, actor identity.Profile, req domain.ArchiveRequest) error {
	category, err := validCategory(req.Category)
	if err != nil {
		return err
	}
	id, err := validID(req.ID)
	if err != nil {
		return err
	}
	if !s.policy.CanArchive(actor) {
		return s.deny(ctx, actor, category, "archive")
	}

	doc, err := s.store.Get(ctx, category, id)
	if err != nil {
		return err
	}
	if docstore.AsString(doc.Fields[domain.FieldStatus]) == domain.StatusArchived {
		return nil
	}

	if err := s.store.Update(ctx, category, id, docstore.Fields{
		domain.FieldStatus:     domain.StatusArchived,
		domain.FieldArchivedAt: docstore.ServerTimestamp(),
		domain.FieldArchivedBy: actor.PrincipalID,
	}); err != nil {
		return err
	}
	s.metrics.RecordWrite(ctx, category, "archive")
	s.log.Info("record archived",
		zap.String("category", category),
		zap.String("record_id", id),
		zap.String("actor", actor.PrincipalID),
	)
	return nil
}

func (s *Service) DischargeClient(ctx context.Context, actor identity.Profile, clientID string) error {
	id, err := validID(clientID)
	if err != nil {
		return err
	}
	if !s.policy.CanDischarge(actor) {
		return s.deny(ctx, actor, registry.Clients, "discharge")
	}

	fields := docstore.Fields{
		domain.FieldStatus:       domain.StatusDischarged,
		domain.FieldDischargedAt: docstore.ServerTimestamp(),
	}
	stampUpdate(fields, actor)
	if err := s.store.Update(ctx, registry.Clients, id, fields); err != nil {
		return err
	}
	s.metrics.RecordWrite(ctx, registry.Clients, "discharge")
	s.log.Info("client discharged", zap.String("client_id", id), zap.String("actor", actor.PrincipalID))
	return nil
}

func (s *Service) SendBroadcast(ctx context.Context, actor identity.Profile, message string) (string, error) {
	if !s.policy.CanWrite(actor, registry.Broadcast) {
		return "", s.deny(ctx, actor, registry.Broadcast, "create")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", fmt.Errorf("%w: message is required", domain.ErrValidationFailed)
	}

	id, err := s.store.Create(ctx, registry.Broadcast, docstore.Fields{
		"Message":             message,
		"Audience":            domain.BroadcastAudience,
		"Severity":            domain.BroadcastSeverity,
		domain.FieldStatus:    domain.StatusActive,
		domain.FieldCreatedAt: docstore.ServerTimestamp(),
		domain.FieldCreatedBy: actor.PrincipalID,
	})
	if err != nil {
		return "", err
	}
	s.metrics.RecordWrite(ctx, registry.Broadcast, "create")
	return id, nil
}

// List is a point read for callers without a live session table.
func (s *Service) List(ctx context.Context, actor identity.Profile, category string) ([]docstore.Document, error) {
	category, err := validCategory(category)
	if err != nil {
		return nil, err
	}
	if !s.policy.CanSee(actor, category) {
		return nil, s.deny(ctx, actor, category, "read")
	}
	return s.store.List(ctx, category)
}

func (s *Service) deny(ctx context.Context, actor identity.Profile, category, operation string) error {
	s.metrics.RecordPolicyDenial(ctx, category, operation)
	s.log.Info("write denied",
		zap.String("category", category),
		zap.String("operation", operation),
		zap.String("actor", actor.PrincipalID),
		zap.String("role", string(actor.Role)),
		zap.Bool("active", actor.IsActive),
	)
	return authorization.ErrUnauthorized
}

func validCategory(raw string) (string, error) {
	category := strings.TrimSpace(raw)
	if !registry.IsCategory(category) {
		return "", fmt.Errorf("%w: unknown category %q", domain.ErrValidationFailed, category)
	}
	return category, nil
}

func validID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("%w: id is required", domain.ErrValidationFailed)
	}
	return id, nil
}

// billingOwned fields are written only by visit completion and the
// reconciliation sweep.
var billingOwned = map[string][]string{
	registry.EVV: {
		visitdomain.FieldTimeOut,
		visitdomain.FieldDurationMinutes,
		visitdomain.FieldUnitsBilled,
		visitdomain.FieldGPSStatus,
		visitdomain.FieldDeductionStatus,
		visitdomain.FieldDeductedClientID,
	},
	registry.Clients: {visitdomain.FieldLastDeductionVisit},
}

// visitBillingInputs are fixed once a visit is completed.
var visitBillingInputs = []string{
	visitdomain.FieldTimeIn,
	visitdomain.FieldClient,
	visitdomain.FieldClientID,
}

// checkNewVisit only admits visits that start in progress.
func checkNewVisit(fields docstore.Fields) error {
	if raw, ok := fields[domain.FieldStatus]; ok && docstore.AsString(raw) != visitdomain.StatusInProgress {
		return fmt.Errorf("%w: a new visit must be %s", domain.ErrValidationFailed, visitdomain.StatusInProgress)
	}
	fields[domain.FieldStatus] = visitdomain.StatusInProgress
	return nil
}

// checkVisitUpdate keeps the visit state machine out of the generic write
// path. Status never changes here: a value equal to the stored one is
// dropped, anything else is rejected.
func (s *Service) checkVisitUpdate(ctx context.Context, id string, fields docstore.Fields) error {
	raw, hasStatus := fields[domain.FieldStatus]
	touchesInputs := false
	for _, key := range visitBillingInputs {
		if _, ok := fields[key]; ok {
			touchesInputs = true
			break
		}
	}
	if !hasStatus && !touchesInputs {
		return nil
	}

	visit, err := s.store.Get(ctx, registry.EVV, id)
	if err != nil {
		return err
	}
	current := docstore.AsString(visit.Fields[domain.FieldStatus])
	if hasStatus {
		if docstore.AsString(raw) != current {
			return fmt.Errorf("%w: visit status %q cannot be changed to %q", domain.ErrValidationFailed, current, docstore.AsString(raw))
		}
		delete(fields, domain.FieldStatus)
	}
	if touchesInputs && current == visitdomain.StatusCompleted {
		return fmt.Errorf("%w: %s fields are fixed once a visit is completed", domain.ErrValidationFailed, strings.Join(visitBillingInputs, ", "))
	}
	return nil
}

// sanitize copies caller fields, dropping provenance and billing-owned
// fields and rejecting values the store cannot hold.
func sanitize(category string, in docstore.Fields) (docstore.Fields, error) {
	out := make(docstore.Fields, len(in))
	for key, value := range in {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: empty field name", domain.ErrValidationFailed)
		}
		if !docstore.IsScalar(value) || docstore.IsServerTimestamp(value) {
			return nil, fmt.Errorf("%w: field %q must be a scalar", domain.ErrValidationFailed, key)
		}
		out[key] = value
	}
	for _, key := range domain.ProvenanceFields {
		delete(out, key)
	}
	for _, key := range billingOwned[category] {
		delete(out, key)
	}
	return out, nil
}

func stampUpdate(fields docstore.Fields, actor identity.Profile) {
	fields[domain.FieldUpdatedAt] = docstore.ServerTimestamp()
	fields[domain.FieldUpdatedBy] = actor.PrincipalID
}

func normalizeUnitBank(fields docstore.Fields) error {
	rawTotal, hasTotal := fields[domain.FieldAuthUnitsTotal]
	rawRemaining, hasRemaining := fields[domain.FieldAuthUnitsRemaining]
	if !hasTotal {
		if hasRemaining {
			return fmt.Errorf("%w: %s requires %s", domain.ErrValidationFailed, domain.FieldAuthUnitsRemaining, domain.FieldAuthUnitsTotal)
		}
		return nil
	}

	total, ok := docstore.AsInt(rawTotal)
	if !ok || total < 0 {
		return fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrValidationFailed, domain.FieldAuthUnitsTotal)
	}
	remaining := total
	if hasRemaining {
		remaining, ok = docstore.AsInt(rawRemaining)
		if !ok || remaining < 0 || remaining > total {
			return fmt.Errorf("%w: %s must be between 0 and %d", domain.ErrValidationFailed, domain.FieldAuthUnitsRemaining, total)
		}
	}
	fields[domain.FieldAuthUnitsTotal] = total
	fields[domain.FieldAuthUnitsRemaining] = remaining
	return nil
}
