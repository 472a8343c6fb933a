package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/carehub/internal/clock"
	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func mustNode(t *testing.T, id int64) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(id)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func newStore(t *testing.T, conn *gorm.DB, tenant string) *Store {
	t.Helper()
	return New(conn, Options{
		TenantID: tenant,
		Clock:    clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)),
		IDs:      mustNode(t, 1),
		Log:      zap.NewNop(),
	})
}

func TestCreateGetUpdate(t *testing.T) {
	s := newStore(t, setupDB(t), "help-homecare-prod")
	ctx := context.Background()

	id, err := s.Create(ctx, "clients", docstore.Fields{
		"Name":             "Ada",
		"Auth_Units_Total": 40,
		"createdAt":        docstore.ServerTimestamp(),
	})
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, "clients", id, docstore.Fields{"Status": "Active"}))

	doc, err := s.Get(ctx, "clients", id)
	require.NoError(t, err)
	assert.Equal(t, "Ada", doc.Fields["Name"])
	assert.Equal(t, "Active", doc.Fields["Status"])

	total, ok := docstore.AsInt(doc.Fields["Auth_Units_Total"])
	require.True(t, ok)
	assert.Equal(t, int64(40), total)

	createdAt, ok := docstore.AsTime(doc.Fields["createdAt"])
	require.True(t, ok)
	assert.True(t, createdAt.Equal(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)))
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	s := newStore(t, setupDB(t), "t1")
	err := s.Update(context.Background(), "clients", "missing", docstore.Fields{"a": "b"})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestTenantIsolationAndOrder(t *testing.T) {
	conn := setupDB(t)
	a := newStore(t, conn, "agency-a")
	b := New(conn, Options{TenantID: "agency-b", IDs: mustNode(t, 2)})
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		_, err := a.Create(ctx, "staff", docstore.Fields{"Name": name})
		require.NoError(t, err)
	}
	_, err := b.Create(ctx, "staff", docstore.Fields{"Name": "other"})
	require.NoError(t, err)

	docs, err := a.List(ctx, "staff")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "first", docs[0].Fields["Name"])
	assert.Equal(t, "third", docs[2].Fields["Name"])

	docs, err = b.List(ctx, "staff")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestSetMissingMergesWithoutOverwrite(t *testing.T) {
	s := newStore(t, setupDB(t), "t1")
	ctx := context.Background()

	_, err := s.SetMissing(ctx, "users", "uid-1", docstore.Fields{"role": "pending", "isActive": false})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, "users", "uid-1", docstore.Fields{"role": "staff", "isActive": true}))

	doc, err := s.SetMissing(ctx, "users", "uid-1", docstore.Fields{"role": "pending", "isActive": false, "email": "sam@agency.test"})
	require.NoError(t, err)
	assert.Equal(t, "staff", doc.Fields["role"])
	assert.Equal(t, true, doc.Fields["isActive"])
	assert.Equal(t, "sam@agency.test", doc.Fields["email"])
}

func TestSubscribeSeesWrites(t *testing.T) {
	s := newStore(t, setupDB(t), "t1")
	snaps := make(chan docstore.Snapshot, 8)

	sub, err := s.Subscribe("broadcast", func(snap docstore.Snapshot) { snaps <- snap }, nil)
	require.NoError(t, err)
	defer sub.Close()

	<-snaps
	_, err = s.Create(context.Background(), "broadcast", docstore.Fields{"Message": "Storm"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case snap := <-snaps:
			return len(snap.Documents) == 1 && snap.Documents[0].Fields["Message"] == "Storm"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifierWakesOtherProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	conn := setupDB(t)
	writerNotifier := NewNotifier(client, "t1", "writer", zap.NewNop())
	readerNotifier := NewNotifier(client, "t1", "reader", zap.NewNop())

	writer := New(conn, Options{TenantID: "t1", IDs: mustNode(t, 1), Notifier: writerNotifier})
	reader := New(conn, Options{TenantID: "t1", IDs: mustNode(t, 2), Notifier: readerNotifier})

	ctx := context.Background()
	require.NoError(t, readerNotifier.Start(ctx))
	t.Cleanup(readerNotifier.Stop)

	snaps := make(chan docstore.Snapshot, 8)
	sub, err := reader.Subscribe("evv", func(snap docstore.Snapshot) { snaps <- snap }, nil)
	require.NoError(t, err)
	defer sub.Close()
	<-snaps

	_, err = writer.Create(ctx, "evv", docstore.Fields{"Staff": "Sam"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case snap := <-snaps:
			return len(snap.Documents) == 1
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifierIgnoresOwnMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	n := NewNotifier(client, "t1", "self", zap.NewNop())
	hub := docstore.NewHub()
	n.attach(hub)

	calls := make(chan struct{}, 4)
	sub, err := hub.Open(docstore.CollectionKey("evv"), func(context.Context) error {
		calls <- struct{}{}
		return nil
	}, nil)
	require.NoError(t, err)
	defer sub.Close()
	<-calls

	n.handle(`{"origin":"self","collection":"evv"}`)
	n.handle(`not json`)
	select {
	case <-calls:
		t.Fatalf("own message must not wake feeds")
	case <-time.After(50 * time.Millisecond):
	}

	n.handle(`{"origin":"peer","collection":"evv"}`)
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatalf("peer message should wake feeds")
	}
}

func TestNewNotifierNilClient(t *testing.T) {
	assert.Nil(t, NewNotifier(nil, "t1", "x", nil))
}
