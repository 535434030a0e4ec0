package opord_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/opord"
)

func isDone(b *opord.Barrier) bool {
	select {
	case <-b.Done():
		return true
	default:
		return false
	}
}

func TestBarrierWaitsForGroupsBehind(t *testing.T) {
	o := opord.NewOrder()
	g1 := o.Start()
	b := o.NewBarrier()
	require.True(t, b.IsAfter(g1), "unissued barrier is after every group")
	b.Issue()
	g2 := o.Start()

	require.True(t, b.IsAfter(g1))
	require.False(t, b.IsAfter(g2))
	require.False(t, isDone(b))

	g1.Close()
	require.NoError(t, b.Await(context.Background()))
	require.True(t, isDone(b))
	g2.Close()
}

func TestBarrierWithNoGroups(t *testing.T) {
	o := opord.NewOrder()
	require.NoError(t, o.AwaitNewBarrier(context.Background()))
}

func TestBarriersAreMonotone(t *testing.T) {
	o := opord.NewOrder()
	g1 := o.Start()
	b1 := o.NewBarrier()
	b1.Issue()
	g2 := o.Start()
	b2 := o.NewBarrier()
	b2.Issue()

	g2.Close()
	require.False(t, isDone(b2), "later barrier must wait for earlier groups")
	require.False(t, isDone(b1))

	g1.Close()
	require.True(t, isDone(b1))
	require.True(t, isDone(b2))
	require.True(t, b2.IsAfter(g1))
	require.True(t, b2.IsAfter(g2))
}

func TestAwaitRespectsContext(t *testing.T) {
	o := opord.NewOrder()
	g := o.Start()
	defer g.Close()
	b := o.NewBarrier()
	b.Issue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Await(ctx), context.DeadlineExceeded)
}

func TestMarkBlocking(t *testing.T) {
	o := opord.NewOrder()
	g1 := o.Start()
	b1 := o.NewBarrier()
	b1.Issue()
	g2 := o.Start()
	b2 := o.NewBarrier()
	b2.Issue()
	g3 := o.Start()

	require.False(t, g1.IsBlocking())
	b2.MarkBlocking()
	require.True(t, g1.IsBlocking(), "groups behind earlier epochs are released too")
	require.True(t, g2.IsBlocking())
	require.False(t, g3.IsBlocking())

	select {
	case <-g2.Blocking():
	default:
		t.Fatal("expected blocking channel to be closed")
	}
	g1.Close()
	g2.Close()
	g3.Close()
}

func TestContractViolationsPanic(t *testing.T) {
	o := opord.NewOrder()
	g := o.Start()
	g.Close()
	require.Panics(t, func() { g.Close() })

	b := o.NewBarrier()
	b.Issue()
	require.Panics(t, func() { b.Issue() })
	require.Panics(t, func() { o.NewBarrier().MarkBlocking() })
}

func TestConcurrentGroupsAndBarriers(t *testing.T) {
	o := opord.NewOrder()
	var open atomic.Int64
	var stop atomic.Bool
	wg := &sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				g := o.Start()
				open.Add(1)
				time.Sleep(time.Microsecond)
				open.Add(-1)
				g.Close()
			}
		}()
	}
	for i := 0; i < 50; i++ {
		// Groups that observed the barrier as after them have closed once
		// Await returns, so every group counted before Issue is gone.
		g := o.Start()
		b := o.NewBarrier()
		b.Issue()
		require.True(t, b.IsAfter(g))
		g.Close()
		require.NoError(t, b.Await(context.Background()))
		late := o.Start()
		require.False(t, b.IsAfter(late))
		late.Close()
	}
	stop.Store(true)
	wg.Wait()
	require.Equal(t, int64(0), open.Load())
	require.NoError(t, o.AwaitNewBarrier(context.Background()))
}
