package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/carehub/internal/clock"
	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/docstore/memstore"
	"github.com/smallbiznis/carehub/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var signIn = time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

func newGate() (*Gate, *memstore.Store) {
	store := memstore.New(clock.NewFakeClock(signIn), nil)
	return NewGate(Params{Store: store, Log: zap.NewNop()}), store
}

func TestEnsureCreatesPendingProfile(t *testing.T) {
	gate, _ := newGate()
	p, err := gate.Ensure(context.Background(), Principal{ID: "uid-1", Email: "sam@agency.test"})
	require.NoError(t, err)

	assert.Equal(t, RolePending, p.Role)
	assert.False(t, p.IsActive)
	assert.True(t, p.AwaitingActivation())
	assert.Equal(t, "Staff Member", p.DisplayName)
	assert.True(t, p.CreatedAt.Equal(signIn))
}

func TestEnsureKeepsAdministratorChanges(t *testing.T) {
	gate, store := newGate()
	ctx := context.Background()
	_, err := gate.Ensure(ctx, Principal{ID: "uid-1"})
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, registry.Users, "uid-1", docstore.Fields{"role": "director", "isActive": true}))

	p, err := gate.Ensure(ctx, Principal{ID: "uid-1", Email: "late@agency.test"})
	require.NoError(t, err)
	assert.Equal(t, RoleDirector, p.Role)
	assert.True(t, p.IsActive)
}

func TestConcurrentFirstSignInConverges(t *testing.T) {
	gate, store := newGate()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Ensure(ctx, Principal{ID: "uid-1", Email: "sam@agency.test"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	docs, err := store.List(ctx, registry.Users)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestEnsureRejectsEmptyPrincipal(t *testing.T) {
	gate, _ := newGate()
	_, err := gate.Ensure(context.Background(), Principal{ID: "  "})
	assert.ErrorIs(t, err, ErrInvalidPrincipal)
}

func TestWatchRepublishesActivation(t *testing.T) {
	gate, store := newGate()
	ctx := context.Background()
	profiles := make(chan Profile, 8)

	sub, err := gate.Watch(ctx, Principal{ID: "uid-1"}, func(p Profile) { profiles <- p }, nil)
	require.NoError(t, err)
	defer sub.Close()

	first := <-profiles
	assert.True(t, first.AwaitingActivation())

	require.NoError(t, store.Update(ctx, registry.Users, "uid-1", docstore.Fields{"role": "staff", "isActive": true}))
	require.Eventually(t, func() bool {
		select {
		case p := <-profiles:
			return p.IsActive && p.Role == RoleStaff
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestProfileFromDocument(t *testing.T) {
	p := ProfileFromDocument(docstore.Document{ID: "uid-9", Fields: docstore.Fields{
		"role":     " Finance ",
		"isActive": "true",
	}})
	assert.Equal(t, RoleFinance, p.Role)
	assert.True(t, p.IsActive)

	assert.Equal(t, RolePending, ProfileFromDocument(docstore.Document{ID: "x", Fields: docstore.Fields{}}).Role)
}
