package memtable

import (
	"sync/atomic"

	"github.com/wkalt/cstore/commitlog"
)

type bound struct {
	pos   commitlog.Position
	final bool
}

// PositionBound is the commit log boundary shared by the memtables frozen in
// one switch. Until it is finalized, writers routed to those memtables raise
// it to their own position; once final, it decides which side of the switch a
// write belongs to.
type PositionBound struct {
	v atomic.Pointer[bound]
}

// NewPositionBound returns an unfinalized bound at the zero position.
func NewPositionBound() *PositionBound {
	b := &PositionBound{}
	b.v.Store(&bound{})
	return b
}

// FinalBound returns a bound already finalized at pos.
func FinalBound(pos commitlog.Position) *PositionBound {
	b := &PositionBound{}
	b.v.Store(&bound{pos: pos, final: true})
	return b
}

// Get returns the current position and whether it is final.
func (b *PositionBound) Get() (commitlog.Position, bool) {
	v := b.v.Load()
	return v.pos, v.final
}

// Finalize fixes the bound at the later of its current value and pos,
// returning the final position. Finalizing twice returns the first result.
func (b *PositionBound) Finalize(pos commitlog.Position) commitlog.Position {
	for {
		cur := b.v.Load()
		if cur.final {
			return cur.pos
		}
		next := &bound{pos: commitlog.MaxPosition(cur.pos, pos), final: true}
		if b.v.CompareAndSwap(cur, next) {
			return next.pos
		}
	}
}

// admit reports whether a write at pos falls at or below the bound, raising
// an unfinalized bound to pos as needed.
func (b *PositionBound) admit(pos commitlog.Position) bool {
	for {
		cur := b.v.Load()
		if cur.final {
			return cur.pos.Compare(pos) >= 0
		}
		if cur.pos.Compare(pos) >= 0 {
			return true
		}
		if b.v.CompareAndSwap(cur, &bound{pos: pos}) {
			return true
		}
	}
}
