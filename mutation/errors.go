package mutation

import (
	"fmt"

	"github.com/google/uuid"
)

// DuplicateUpdateError is returned when a mutation already holds an update
// for the table being added. It indicates a programming error in the caller.
type DuplicateUpdateError struct {
	Table uuid.UUID
}

func (e DuplicateUpdateError) Error() string {
	return fmt.Sprintf("mutation already contains an update for table %s", e.Table)
}

func (e DuplicateUpdateError) Is(target error) bool {
	_, ok := target.(DuplicateUpdateError)
	return ok
}

// MismatchError is returned when updates or mutations addressed to different
// keys, keyspaces, or tables are combined.
type MismatchError struct {
	Field    string
	Expected string
	Actual   string
}

func (e MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %s, got %s", e.Field, e.Expected, e.Actual)
}

func (e MismatchError) Is(target error) bool {
	_, ok := target.(MismatchError)
	return ok
}
