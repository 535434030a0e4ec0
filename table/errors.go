package table

import "fmt"

// PersistError is returned through a flush's future when a memtable could
// not be written to the segment store. The memtable stays pending and is
// retried by the next flush of the store.
type PersistError struct {
	Table string
	Err   error
}

func (e PersistError) Error() string {
	return fmt.Sprintf("failed to persist memtable of %s: %v", e.Table, e.Err)
}

func (e PersistError) Unwrap() error {
	return e.Err
}

func (e PersistError) Is(target error) bool {
	_, ok := target.(PersistError)
	return ok
}
