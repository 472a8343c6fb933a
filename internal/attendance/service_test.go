package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/carehub/internal/authorization"
	"github.com/smallbiznis/carehub/internal/clock"
	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/docstore/memstore"
	"github.com/smallbiznis/carehub/internal/identity"
	recorddomain "github.com/smallbiznis/carehub/internal/record/domain"
	"github.com/smallbiznis/carehub/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	director = identity.Profile{PrincipalID: "uid-dir", Role: identity.RoleDirector, IsActive: true}
	aide     = identity.Profile{PrincipalID: "uid-aide", Role: identity.RoleStaff, IsActive: true}
)

func setup(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 7, 14, 23, 30, 0, 0, time.UTC))
	store := memstore.New(clk, nil)
	enforcer, err := authorization.NewEnforcer(authorization.EnforcerParams{})
	require.NoError(t, err)
	svc := New(Params{
		Store:  store,
		Policy: authorization.NewPolicy(authorization.Params{Enforcer: enforcer}),
		Clock:  clk,
		Log:    zap.NewNop(),
	})
	return svc, store
}

func TestCallOffRequiresReason(t *testing.T) {
	svc, store := setup(t)
	_, err := svc.CallOff(context.Background(), director, CallOffRequest{StaffName: "Sam", Reason: "  "})
	assert.ErrorIs(t, err, recorddomain.ErrValidationFailed)

	docs, _ := store.List(context.Background(), registry.Attendance)
	assert.Empty(t, docs)
}

func TestCallOffByDirectorMarksStaffAbsent(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	staffID, err := store.Create(ctx, registry.Staff, docstore.Fields{"Name": "Sam", "Status": "Active"})
	require.NoError(t, err)

	res, err := svc.CallOff(ctx, director, CallOffRequest{StaffID: staffID, Reason: "Sick"})
	require.NoError(t, err)
	assert.True(t, res.StaffMarkedAbsent)
	assert.Equal(t, "2026-07-14", res.Date)

	event, err := store.Get(ctx, registry.Attendance, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, "Sam", event.Fields["Staff"])
	assert.Equal(t, "Call-Off", event.Fields["Type"])
	assert.Equal(t, "Sick", event.Fields["Reason"])
	assert.Equal(t, "", event.Fields["Note"])
	assert.Equal(t, director.PrincipalID, event.Fields["createdBy"])

	staff, _ := store.Get(ctx, registry.Staff, staffID)
	assert.Equal(t, "Absent", staff.Fields["Status"])
	assert.Equal(t, director.PrincipalID, staff.Fields["updatedBy"])
}

func TestCallOffByStaffLeavesRosterAlone(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	staffID, err := store.Create(ctx, registry.Staff, docstore.Fields{"Name": "Sam", "Status": "Active"})
	require.NoError(t, err)

	res, err := svc.CallOff(ctx, aide, CallOffRequest{StaffID: staffID, StaffName: "Sam", Reason: "Car trouble", Note: "back tomorrow"})
	require.NoError(t, err)
	assert.False(t, res.StaffMarkedAbsent)

	staff, _ := store.Get(ctx, registry.Staff, staffID)
	assert.Equal(t, "Active", staff.Fields["Status"])
}

func TestCallOffStaffFlipFailureIsReported(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()

	res, err := svc.CallOff(ctx, director, CallOffRequest{StaffID: "missing", StaffName: "Sam", Reason: "Sick"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)
	assert.False(t, res.StaffMarkedAbsent)
	assert.True(t, errors.Is(res.StaffUpdateErr, docstore.ErrNotFound))

	docs, _ := store.List(ctx, registry.Attendance)
	assert.Len(t, docs, 1)
}

func TestCallOffUnauthorized(t *testing.T) {
	svc, _ := setup(t)
	_, err := svc.CallOff(context.Background(), identity.Profile{PrincipalID: "x", Role: identity.RoleStaff}, CallOffRequest{StaffName: "Sam", Reason: "Sick"})
	assert.ErrorIs(t, err, authorization.ErrUnauthorized)
}
