package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/carehub/internal/authorization"
	"github.com/smallbiznis/carehub/internal/clock"
	"github.com/smallbiznis/carehub/internal/config"
	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/docstore/memstore"
	"github.com/smallbiznis/carehub/internal/identity"
	"github.com/smallbiznis/carehub/internal/livesync"
	"github.com/smallbiznis/carehub/internal/observability/metrics"
	"github.com/smallbiznis/carehub/internal/ratelimit"
	recorddomain "github.com/smallbiznis/carehub/internal/record/domain"
	recordservice "github.com/smallbiznis/carehub/internal/record/service"
	"github.com/smallbiznis/carehub/internal/registry"
	"github.com/smallbiznis/carehub/internal/visit/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	t0      = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	nurse   = identity.Profile{PrincipalID: "uid-nurse", Role: identity.RoleStaff, IsActive: true}
	pending = identity.Profile{PrincipalID: "uid-pending", Role: identity.RolePending, IsActive: false}
)

type fixture struct {
	svc   *Service
	store *memstore.Store
	clock *clock.FakeClock
}

func setup(t *testing.T) fixture {
	t.Helper()
	clk := clock.NewFakeClock(t0)
	store := memstore.New(clk, nil)
	enforcer, err := authorization.NewEnforcer(authorization.EnforcerParams{})
	require.NoError(t, err)
	svc := New(Params{
		Store:   store,
		Policy:  authorization.NewPolicy(authorization.Params{Enforcer: enforcer}),
		Clock:   clk,
		Rules:   config.StaticRules(config.DefaultRules()),
		Locker:  ratelimit.NewLocalLocker(clk),
		Keys:    ratelimit.NewVisitKeys(config.Config{TenantID: "agency"}),
		Log:     zap.NewNop(),
		Metrics: metrics.NewNoop(),
	}).(*Service)
	return fixture{svc: svc, store: store, clock: clk}
}

func (f fixture) create(t *testing.T, category string, fields docstore.Fields) string {
	t.Helper()
	id, err := f.store.Create(context.Background(), category, fields)
	require.NoError(t, err)
	return id
}

func (f fixture) get(t *testing.T, category, id string) docstore.Fields {
	t.Helper()
	doc, err := f.store.Get(context.Background(), category, id)
	require.NoError(t, err)
	return doc.Fields
}

func TestCompleteVisitBillsStartedUnits(t *testing.T) {
	f := setup(t)
	clientID := f.create(t, registry.Clients, docstore.Fields{"Name": "Ada", "Auth_Units_Total": int64(40), "Auth_Units_Remaining": int64(40)})
	visitID := f.create(t, registry.EVV, docstore.Fields{"Client": "Ada", "Client_ID": clientID, "Staff": "Sam", "Time_In": t0, "Status": "InProgress"})

	f.clock.Advance(47 * time.Minute)
	c, err := f.svc.CompleteVisit(context.Background(), nurse, nil, visitID)
	require.NoError(t, err)
	assert.NoError(t, c.Gap)

	assert.Equal(t, int64(47), c.DurationMinutes)
	assert.Equal(t, int64(4), c.UnitsBilled)
	assert.Equal(t, int64(36), c.RemainingUnits)

	visit := f.get(t, registry.EVV, visitID)
	assert.Equal(t, int64(47), visit["Duration_Minutes"])
	assert.Equal(t, int64(4), visit["Units_Billed"])
	assert.Equal(t, "Completed", visit["Status"])
	assert.Equal(t, "Verified", visit["GPS_Status"])
	assert.Equal(t, domain.DeductionApplied, visit["Deduction_Status"])
	assert.Equal(t, clientID, visit["Deducted_Client_ID"])
	assert.Equal(t, nurse.PrincipalID, visit["updatedBy"])
	timeOut, ok := docstore.AsTime(visit["Time_Out"])
	require.True(t, ok)
	assert.True(t, timeOut.Equal(t0.Add(47*time.Minute)))

	client := f.get(t, registry.Clients, clientID)
	assert.Equal(t, int64(36), client["Auth_Units_Remaining"])
	assert.Equal(t, visitID, client["Last_Deduction_Visit_ID"])
}

func TestCompleteVisitWithoutCheckInUsesFallbackHour(t *testing.T) {
	f := setup(t)
	f.create(t, registry.Clients, docstore.Fields{"Name": "Ada", "Auth_Units_Total": int64(10)})
	visitID := f.create(t, registry.EVV, docstore.Fields{"Client": "Ada", "Time_In": "not a time"})

	c, err := f.svc.CompleteVisit(context.Background(), nurse, nil, visitID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), c.DurationMinutes)
	assert.Equal(t, int64(4), c.UnitsBilled)
	assert.Equal(t, int64(10), c.StartingUnits, "falls back to total when remaining was never set")
	assert.Equal(t, int64(6), c.RemainingUnits)
}

func TestCompleteVisitClampsUnitBankAtZero(t *testing.T) {
	f := setup(t)
	clientID := f.create(t, registry.Clients, docstore.Fields{"Name": "Ada", "Auth_Units_Total": int64(40), "Auth_Units_Remaining": "2"})
	visitID := f.create(t, registry.EVV, docstore.Fields{"Client_ID": clientID, "Time_In": t0})

	f.clock.Advance(61 * time.Minute)
	c, err := f.svc.CompleteVisit(context.Background(), nurse, nil, visitID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.UnitsBilled)
	assert.Equal(t, int64(0), f.get(t, registry.Clients, clientID)["Auth_Units_Remaining"])
}

func TestCompleteVisitFutureCheckInBillsNothing(t *testing.T) {
	f := setup(t)
	visitID := f.create(t, registry.EVV, docstore.Fields{"Time_In": t0.Add(time.Hour)})
	c, err := f.svc.CompleteVisit(context.Background(), nurse, livesync.Tables{}, visitID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.DurationMinutes)
	assert.Equal(t, int64(0), c.UnitsBilled)
}

func TestCompleteVisitTwiceIsRejected(t *testing.T) {
	f := setup(t)
	clientID := f.create(t, registry.Clients, docstore.Fields{"Name": "Ada", "Auth_Units_Remaining": int64(20)})
	visitID := f.create(t, registry.EVV, docstore.Fields{"Client_ID": clientID, "Time_In": t0})
	f.clock.Advance(30 * time.Minute)

	_, err := f.svc.CompleteVisit(context.Background(), nurse, nil, visitID)
	require.NoError(t, err)
	_, err = f.svc.CompleteVisit(context.Background(), nurse, nil, visitID)
	assert.ErrorIs(t, err, domain.ErrVisitAlreadyCompleted)
	assert.Equal(t, int64(18), f.get(t, registry.Clients, clientID)["Auth_Units_Remaining"])
}

func TestConcurrentCompletionDeductsOnce(t *testing.T) {
	f := setup(t)
	clientID := f.create(t, registry.Clients, docstore.Fields{"Name": "Ada", "Auth_Units_Remaining": int64(20)})
	visitID := f.create(t, registry.EVV, docstore.Fields{"Client_ID": clientID, "Time_In": t0})
	f.clock.Advance(30 * time.Minute)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CompleteVisit(context.Background(), nurse, nil, visitID)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, domain.ErrVisitAlreadyCompleted) || errors.Is(err, domain.ErrCompletionInProgress), err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, int64(18), f.get(t, registry.Clients, clientID)["Auth_Units_Remaining"])
}

func TestCompleteVisitUnauthorized(t *testing.T) {
	f := setup(t)
	visitID := f.create(t, registry.EVV, docstore.Fields{"Time_In": t0})
	_, err := f.svc.CompleteVisit(context.Background(), pending, nil, visitID)
	assert.ErrorIs(t, err, authorization.ErrUnauthorized)
	_, present := f.get(t, registry.EVV, visitID)["Status"]
	assert.False(t, present)
}

func TestCompleteVisitResolvesUniqueNameFromTables(t *testing.T) {
	f := setup(t)
	clientID := f.create(t, registry.Clients, docstore.Fields{"Name": "Ada", "Auth_Units_Remaining": int64(8)})
	visitID := f.create(t, registry.EVV, docstore.Fields{"Client": "Ada", "Time_In": t0})
	f.clock.Advance(15 * time.Minute)

	clients, err := f.store.List(context.Background(), registry.Clients)
	require.NoError(t, err)
	c, err := f.svc.CompleteVisit(context.Background(), nurse, livesync.Tables{registry.Clients: clients}, visitID)
	require.NoError(t, err)
	assert.Equal(t, clientID, c.ClientID)
	assert.Equal(t, int64(7), c.RemainingUnits)
}

func TestCompleteVisitGapIsReportedNotReturned(t *testing.T) {
	f := setup(t)
	a := f.create(t, registry.Clients, docstore.Fields{"Name": "Jo", "Auth_Units_Remaining": int64(8)})
	b := f.create(t, registry.Clients, docstore.Fields{"Name": "Jo", "Auth_Units_Remaining": int64(8)})
	ambiguous := f.create(t, registry.EVV, docstore.Fields{"Client": "Jo", "Time_In": t0})
	unknown := f.create(t, registry.EVV, docstore.Fields{"Client": "Nobody", "Time_In": t0})
	f.clock.Advance(20 * time.Minute)

	c, err := f.svc.CompleteVisit(context.Background(), nurse, nil, ambiguous)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Gap, domain.ErrReconciliationGap)
	assert.Equal(t, domain.DeductionUnmatched, c.DeductionStatus)

	c, err = f.svc.CompleteVisit(context.Background(), nurse, nil, unknown)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Gap, domain.ErrReconciliationGap)

	assert.Equal(t, "Completed", f.get(t, registry.EVV, unknown)["Status"])
	assert.Equal(t, domain.DeductionUnmatched, f.get(t, registry.EVV, unknown)["Deduction_Status"])
	assert.Equal(t, int64(8), f.get(t, registry.Clients, a)["Auth_Units_Remaining"])
	assert.Equal(t, int64(8), f.get(t, registry.Clients, b)["Auth_Units_Remaining"])
}

func TestCompleteVisitClientWriteFailureLeavesPending(t *testing.T) {
	f := setup(t)
	clientID := f.create(t, registry.Clients, docstore.Fields{"Name": "Ada", "Auth_Units_Remaining": int64(8)})
	visitID := f.create(t, registry.EVV, docstore.Fields{"Client_ID": clientID, "Time_In": t0})
	f.clock.Advance(15 * time.Minute)

	f.store.InjectFault(registry.Clients, errors.New("timeout"))
	c, err := f.svc.CompleteVisit(context.Background(), nurse, nil, visitID)
	assert.ErrorIs(t, err, docstore.ErrStoreUnavailable)
	assert.Equal(t, domain.DeductionPending, c.DeductionStatus)
	assert.Equal(t, domain.DeductionPending, f.get(t, registry.EVV, visitID)["Deduction_Status"])

	f.store.ClearFault(registry.Clients)
	outcome, err := f.svc.ReconcileVisit(context.Background(), visitID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, outcome)
	assert.Equal(t, int64(7), f.get(t, registry.Clients, clientID)["Auth_Units_Remaining"])

	outcome, err = f.svc.ReconcileVisit(context.Background(), visitID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)
}

func TestReconcileDoesNotChargeTwiceAfterPartialWrite(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	clientID := f.create(t, registry.Clients, docstore.Fields{"Name": "Ada", "Auth_Units_Remaining": int64(6)})

	visitID := f.create(t, registry.EVV, docstore.Fields{"Client_ID": clientID, "Status": "Completed", "Units_Billed": int64(2), "Deduction_Status": "pending"})
	// The client was charged but the process died before the visit was marked.
	require.NoError(t, f.store.Update(ctx, registry.Clients, clientID, docstore.Fields{"Last_Deduction_Visit_ID": visitID}))

	outcome, err := f.svc.ReconcileVisit(ctx, visitID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, outcome)
	assert.Equal(t, int64(6), f.get(t, registry.Clients, clientID)["Auth_Units_Remaining"])
	assert.Equal(t, "system", f.get(t, registry.EVV, visitID)["updatedBy"])
}

func TestReconcileLockedVisit(t *testing.T) {
	f := setup(t)
	visitID := f.create(t, registry.EVV, docstore.Fields{"Status": "Completed", "Deduction_Status": "pending"})
	_, ok, err := f.svc.locker.TryLock(context.Background(), f.svc.keys.Completion(visitID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err := f.svc.ReconcileVisit(context.Background(), visitID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeLocked, outcome)
}

func TestBillable(t *testing.T) {
	cases := []struct {
		minutes time.Duration
		units   int64
	}{
		{0, 0},
		{time.Second, 1},
		{15 * time.Minute, 1},
		{15*time.Minute + time.Second, 2},
		{47 * time.Minute, 4},
		{60 * time.Minute, 4},
	}
	for _, tc := range cases {
		_, units := billable(t0, t0.Add(tc.minutes), 15*time.Minute)
		assert.Equal(t, tc.units, units, tc.minutes.String())
	}
}

func TestRecordWritesCannotForgeOrReopenVisits(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	records := recordservice.New(recordservice.Params{Store: f.store, Policy: f.svc.policy, Log: zap.NewNop()})
	clientID := f.create(t, registry.Clients, docstore.Fields{"Name": "Ada", "Auth_Units_Total": int64(40), "Auth_Units_Remaining": int64(40)})

	_, err := records.Create(ctx, nurse, recorddomain.CreateRequest{
		Category: registry.EVV,
		Fields:   docstore.Fields{"Client_ID": clientID, "Status": "Completed", "Deduction_Status": "pending", "Units_Billed": 999},
	})
	require.ErrorIs(t, err, recorddomain.ErrValidationFailed)

	forged, err := records.Create(ctx, nurse, recorddomain.CreateRequest{
		Category: registry.EVV,
		Fields:   docstore.Fields{"Client_ID": clientID, "Deduction_Status": "pending", "Units_Billed": 999, "Time_In": t0},
	})
	require.NoError(t, err)
	outcome, err := f.svc.ReconcileVisit(ctx, forged)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, outcome)
	assert.Equal(t, int64(40), f.get(t, registry.Clients, clientID)["Auth_Units_Remaining"])

	f.clock.Advance(30 * time.Minute)
	c, err := f.svc.CompleteVisit(ctx, nurse, nil, forged)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.UnitsBilled)
	assert.Equal(t, int64(38), c.RemainingUnits)

	err = records.Update(ctx, nurse, recorddomain.UpdateRequest{Category: registry.EVV, ID: forged, Fields: docstore.Fields{"Status": "InProgress"}})
	require.ErrorIs(t, err, recorddomain.ErrValidationFailed)

	f.clock.Advance(time.Hour)
	_, err = f.svc.CompleteVisit(ctx, nurse, nil, forged)
	assert.ErrorIs(t, err, domain.ErrVisitAlreadyCompleted)
	assert.Equal(t, int64(38), f.get(t, registry.Clients, clientID)["Auth_Units_Remaining"])
	assert.Equal(t, int64(2), f.get(t, registry.EVV, forged)["Units_Billed"])
}
