package mutation

import (
	"bytes"
	"cmp"
	"fmt"

	"github.com/spaolacci/murmur3"
)

/*
Partition keys are decorated with a murmur3 token. Partitions order by token
first and raw key second, which is the order memtables and segments store
them in.
*/

////////////////////////////////////////////////////////////////////////////////

// DecoratedKey is a partition key paired with its token.
type DecoratedKey struct {
	Token int64  `json:"token"`
	Key   []byte `json:"key"`
}

// NewDecoratedKey computes the token for a raw partition key.
func NewDecoratedKey(key []byte) DecoratedKey {
	h1, _ := murmur3.Sum128(key)
	return DecoratedKey{Token: int64(h1), Key: key}
}

// StringKey is a convenience wrapper for string partition keys.
func StringKey(key string) DecoratedKey {
	return NewDecoratedKey([]byte(key))
}

// Compare orders keys by token, then by key bytes.
func (k DecoratedKey) Compare(other DecoratedKey) int {
	if c := cmp.Compare(k.Token, other.Token); c != 0 {
		return c
	}
	return bytes.Compare(k.Key, other.Key)
}

// Equal reports whether two keys are identical.
func (k DecoratedKey) Equal(other DecoratedKey) bool {
	return k.Token == other.Token && bytes.Equal(k.Key, other.Key)
}

func (k DecoratedKey) String() string {
	return fmt.Sprintf("%s(%d)", k.Key, k.Token)
}
