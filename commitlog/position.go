package commitlog

import (
	"cmp"
	"fmt"
)

// Position is a point in the commit log: a segment ID and the byte offset
// just past a record in that segment. Positions are totally ordered. The zero
// value sorts before every real position.
type Position struct {
	Segment uint64 `json:"segment"`
	Offset  uint64 `json:"offset"`
}

// Compare orders positions by segment, then offset.
func (p Position) Compare(other Position) int {
	if c := cmp.Compare(p.Segment, other.Segment); c != 0 {
		return c
	}
	return cmp.Compare(p.Offset, other.Offset)
}

// Less reports whether p is before other.
func (p Position) Less(other Position) bool {
	return p.Compare(other) < 0
}

// IsZero reports whether p is the zero position.
func (p Position) IsZero() bool {
	return p == Position{}
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Segment, p.Offset)
}

// MaxPosition returns the later of two positions.
func MaxPosition(a, b Position) Position {
	if a.Less(b) {
		return b
	}
	return a
}
