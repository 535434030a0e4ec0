package index

import (
	"context"

	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/opord"
)

// Updater receives row changes as a partition update is written into a
// memtable, and commits the equivalent index changes once the write is done.
// Insert and Update are called while the memtable holds its write lock and
// must not block.
type Updater interface {
	Insert(key mutation.DecoratedKey, row *mutation.Row)
	Update(key mutation.DecoratedKey, prev, next *mutation.Row)
	Commit(ctx context.Context) error
}

type nullUpdater struct{}

func (nullUpdater) Insert(mutation.DecoratedKey, *mutation.Row) {}
func (nullUpdater) Update(mutation.DecoratedKey, *mutation.Row, *mutation.Row) {}
func (nullUpdater) Commit(context.Context) error { return nil }

// Null is an updater that ignores all changes.
var Null Updater = nullUpdater{} // nolint:gochecknoglobals

// Change is one row transition in a base table. Prev is nil for an insert.
type Change struct {
	Key  mutation.DecoratedKey
	Prev *mutation.Row
	Next *mutation.Row
}

// collector buffers the changes of one write and hands them to every index on
// commit, under the writer's operation group and commit log position.
type collector struct {
	indexes []Index
	group   *opord.Group
	pos     commitlog.Position
	changes []Change
}

func (c *collector) Insert(key mutation.DecoratedKey, row *mutation.Row) {
	c.changes = append(c.changes, Change{Key: key, Next: row.Copy()})
}

func (c *collector) Update(key mutation.DecoratedKey, prev, next *mutation.Row) {
	c.changes = append(c.changes, Change{Key: key, Prev: prev, Next: next})
}

func (c *collector) Commit(ctx context.Context) error {
	if len(c.changes) == 0 {
		return nil
	}
	for _, idx := range c.indexes {
		if err := idx.Commit(ctx, c.changes, c.group, c.pos); err != nil {
			return err
		}
	}
	return nil
}
