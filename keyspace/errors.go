package keyspace

import (
	"errors"
	"fmt"
)

// ErrLockTimeout is returned when a write to a table with views could not
// acquire the view lock for its key before the write timeout.
var ErrLockTimeout = errors.New("timed out waiting for view lock")

// ErrKeyspaceNotFound is returned when a keyspace has not been opened.
var ErrKeyspaceNotFound = errors.New("keyspace not found")

// ErrTableExists is returned when creating a table whose name is taken.
var ErrTableExists = errors.New("table already exists")

// TableNotFoundError is returned when a table does not exist in a keyspace.
type TableNotFoundError struct {
	Keyspace string
	Table    string
}

func (e TableNotFoundError) Error() string {
	return fmt.Sprintf("table %s.%s not found", e.Keyspace, e.Table)
}

// Is returns true if the target is a TableNotFoundError.
func (e TableNotFoundError) Is(target error) bool {
	_, ok := target.(TableNotFoundError)
	return ok
}

// IndexNotFoundError is returned when a table has no index of a given name.
type IndexNotFoundError struct {
	Table string
	Index string
}

func (e IndexNotFoundError) Error() string {
	return fmt.Sprintf("index %s not found on %s", e.Index, e.Table)
}

// Is returns true if the target is an IndexNotFoundError.
func (e IndexNotFoundError) Is(target error) bool {
	_, ok := target.(IndexNotFoundError)
	return ok
}
