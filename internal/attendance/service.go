// Package attendance records staff call-offs.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/carehub/internal/authorization"
	"github.com/smallbiznis/carehub/internal/clock"
	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/identity"
	"github.com/smallbiznis/carehub/internal/observability/metrics"
	recorddomain "github.com/smallbiznis/carehub/internal/record/domain"
	"github.com/smallbiznis/carehub/internal/registry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	TypeCallOff = "Call-Off"
	StaffAbsent = "Absent"
	dateLayout  = "2006-01-02"
)

var Module = fx.Module("attendance.service",
	fx.Provide(New),
)

type CallOffRequest struct {
	StaffID   string `json:"staff_id"`
	StaffName string `json:"staff_name"`
	Reason    string `json:"reason"`
	Note      string `json:"note"`
}

type CallOffResult struct {
	EventID string `json:"event_id"`
	Date    string `json:"date"`
	// StaffMarkedAbsent is true when the staff record was flipped to Absent.
	StaffMarkedAbsent bool `json:"staff_marked_absent"`
	// StaffUpdateErr carries a failed Absent flip. The call-off itself was
	// still recorded.
	StaffUpdateErr error `json:"-"`
}

type Params struct {
	fx.In

	Store   docstore.Store
	Policy  *authorization.Policy
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	store   docstore.Store
	policy  *authorization.Policy
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(p Params) *Service {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		store:   p.Store,
		policy:  p.Policy,
		clock:   clk,
		log:     log.Named("attendance.service"),
		metrics: p.Metrics,
	}
}

// CallOff appends an attendance event. When the caller may edit staff
// records and names a staff id, the staff member is also marked Absent in a
// separate write.
func (s *Service) CallOff(ctx context.Context, actor identity.Profile, req CallOffRequest) (CallOffResult, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return CallOffResult{}, fmt.Errorf("%w: reason is required", recorddomain.ErrValidationFailed)
	}
	if !s.policy.CanWrite(actor, registry.Attendance) {
		s.metrics.RecordPolicyDenial(ctx, registry.Attendance, "call_off")
		return CallOffResult{}, authorization.ErrUnauthorized
	}

	staffID := strings.TrimSpace(req.StaffID)
	staffName := strings.TrimSpace(req.StaffName)
	if staffName == "" && staffID != "" {
		doc, err := s.store.Get(ctx, registry.Staff, staffID)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return CallOffResult{}, err
		}
		staffName = strings.TrimSpace(docstore.AsString(doc.Fields["Name"]))
	}
	if staffName == "" {
		return CallOffResult{}, fmt.Errorf("%w: staff is required", recorddomain.ErrValidationFailed)
	}

	date := s.clock.Now().UTC().Format(dateLayout)
	id, err := s.store.Create(ctx, registry.Attendance, docstore.Fields{
		"Staff":                     staffName,
		"Type":                      TypeCallOff,
		"Reason":                    reason,
		"Note":                      strings.TrimSpace(req.Note),
		"Date":                      date,
		recorddomain.FieldCreatedAt: docstore.ServerTimestamp(),
		recorddomain.FieldCreatedBy: actor.PrincipalID,
	})
	if err != nil {
		return CallOffResult{}, err
	}
	s.metrics.RecordWrite(ctx, registry.Attendance, "call_off")
	result := CallOffResult{EventID: id, Date: date}

	if staffID == "" || !s.policy.CanWrite(actor, registry.Staff) {
		return result, nil
	}
	err = s.store.Update(ctx, registry.Staff, staffID, docstore.Fields{
		recorddomain.FieldStatus:    StaffAbsent,
		recorddomain.FieldUpdatedAt: docstore.ServerTimestamp(),
		recorddomain.FieldUpdatedBy: actor.PrincipalID,
	})
	if err != nil {
		s.log.Warn("staff absent flag not written",
			zap.String("staff_id", staffID),
			zap.String("attendance_id", id),
			zap.Error(err),
		)
		result.StaffUpdateErr = err
		return result, nil
	}
	s.metrics.RecordWrite(ctx, registry.Staff, "update")
	result.StaffMarkedAbsent = true
	return result, nil
}
