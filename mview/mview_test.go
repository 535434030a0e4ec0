package mview_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/index"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/mview"
	"github.com/wkalt/cstore/storage"
	"github.com/wkalt/cstore/table"
)

var (
	usersID  = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	byCityID = uuid.MustParse("00000000-0000-0000-0000-0000000000a2")
)

type fixture struct {
	env    table.Env
	mgr    *mview.Manager
	users  *table.Store
	byCity *table.Store
}

func newFixture(ctx context.Context, t *testing.T) *fixture {
	t.Helper()
	env, _, _ := table.TestEnv(ctx, t, storage.NewMemStore())
	mgr := mview.NewManager(16)
	users, err := table.NewStore(ctx, usersID, "users", env, table.WithViews(mgr))
	require.NoError(t, err)
	byCity, err := table.NewStore(ctx, byCityID, "users_by_city", env)
	require.NoError(t, err)
	mgr.Add(&mview.View{
		Name:    "users_by_city",
		Key:     "city",
		Columns: []string{"name"},
		Base:    users,
		Target:  byCity,
	})
	return &fixture{env: env, mgr: mgr, users: users, byCity: byCity}
}

func (f *fixture) write(ctx context.Context, t *testing.T, u *mutation.PartitionUpdate) {
	t.Helper()
	unlock, ok := f.mgr.TryLock(u.Key)
	require.True(t, ok)
	defer unlock()
	g := f.env.WriteOrder.Start()
	defer g.Close()
	require.NoError(t, f.mgr.PushUpdates(ctx, u, g, commitlog.Position{}))
	require.NoError(t, f.users.Apply(ctx, u, index.Null, g, commitlog.Position{}))
}

func (f *fixture) city(ctx context.Context, t *testing.T, city string) map[string]string {
	t.Helper()
	p, _, err := f.byCity.Get(ctx, mutation.StringKey(city))
	require.NoError(t, err)
	out := map[string]string{}
	for _, row := range mview.Rows(p) {
		out[string(row.BaseKey)] = string(row.Columns["name"])
	}
	return out
}

func user(key string) *mutation.PartitionUpdate {
	return mutation.NewPartitionUpdate(usersID, mutation.StringKey(key))
}

func TestViewFollowsBaseRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(ctx, t)

	f.write(ctx, t, user("alice").Set("", "city", []byte("paris"), 1).Set("", "name", []byte("Alice"), 1))
	f.write(ctx, t, user("bob").Set("", "city", []byte("paris"), 1).Set("", "name", []byte("Bob"), 1))
	require.Equal(t, map[string]string{"alice": "Alice", "bob": "Bob"}, f.city(ctx, t, "paris"))

	f.write(ctx, t, user("alice").Set("", "city", []byte("rome"), 2))
	require.Equal(t, map[string]string{"bob": "Bob"}, f.city(ctx, t, "paris"))
	require.Equal(t, map[string]string{"alice": "Alice"}, f.city(ctx, t, "rome"))

	f.write(ctx, t, user("alice").Set("", "name", []byte("Al"), 3))
	require.Equal(t, map[string]string{"alice": "Al"}, f.city(ctx, t, "rome"))

	f.write(ctx, t, user("alice").Set("", "age", []byte("30"), 4))
	require.Equal(t, map[string]string{"alice": "Al"}, f.city(ctx, t, "rome"))

	f.write(ctx, t, user("alice").Delete("", "city", 5))
	require.Empty(t, f.city(ctx, t, "rome"))

	require.NoError(t, f.users.Truncate(ctx))
	require.Empty(t, f.city(ctx, t, "paris"), "truncating the base truncates its views")
}

func TestLocks(t *testing.T) {
	ctx := context.Background()
	mgr := mview.NewManager(4)
	key := mutation.StringKey("k")

	unlock, ok := mgr.TryLock(key)
	require.True(t, ok)
	_, ok = mgr.TryLock(key)
	require.False(t, ok)
	start := time.Now()
	_, ok = mgr.Lock(ctx, key, 20*time.Millisecond)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	held := unlock
	go func() {
		time.Sleep(10 * time.Millisecond)
		held()
	}()
	unlock, ok = mgr.Lock(ctx, key, time.Second)
	require.True(t, ok)

	_, ok = mgr.Lock(ctx, key, 0)
	require.False(t, ok, "no wait without a timeout")
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, ok = mgr.Lock(canceled, key, time.Second)
	require.False(t, ok, "canceled context abandons the wait")

	unlock()
	unlock, ok = mgr.TryLock(key)
	require.True(t, ok, "a failed wait does not leak the stripe")
	unlock()
}

func TestAffectsAndRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(ctx, t)
	m := mutation.FromUpdate("ks", user("alice").Set("", "name", []byte("A"), 1))
	require.True(t, f.mgr.Affects(m))
	other := mutation.FromUpdate("ks",
		mutation.NewPartitionUpdate(byCityID, mutation.StringKey("x")).Set("", "a", []byte("b"), 1))
	require.False(t, f.mgr.Affects(other))

	removed := f.mgr.Remove(byCityID)
	require.Len(t, removed, 1)
	require.False(t, f.mgr.Affects(m))
}
