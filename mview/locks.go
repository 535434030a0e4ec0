package mview

import (
	"context"
	"time"

	"github.com/wkalt/cstore/mutation"
	"golang.org/x/sync/semaphore"
)

// stripedLocks is a fixed set of binary semaphores selected by partition
// token. Two keys may share a stripe; that only costs contention.
type stripedLocks struct {
	stripes []*semaphore.Weighted
}

func newStripedLocks(n int) *stripedLocks {
	stripes := make([]*semaphore.Weighted, n)
	for i := range stripes {
		stripes[i] = semaphore.NewWeighted(1)
	}
	return &stripedLocks{stripes: stripes}
}

func (l *stripedLocks) stripe(key mutation.DecoratedKey) *semaphore.Weighted {
	return l.stripes[uint64(key.Token)%uint64(len(l.stripes))]
}

func (l *stripedLocks) tryLock(key mutation.DecoratedKey) (func(), bool) {
	sem := l.stripe(key)
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return func() { sem.Release(1) }, true
}

func (l *stripedLocks) lock(ctx context.Context, key mutation.DecoratedKey, timeout time.Duration) (func(), bool) {
	if unlock, ok := l.tryLock(key); ok {
		return unlock, true
	}
	if timeout <= 0 {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sem := l.stripe(key)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, false
	}
	return func() { sem.Release(1) }, true
}
