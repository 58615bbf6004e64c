package persist

import (
	"errors"
	"fmt"
)

// ErrNotDestroyed reports a delete that a BeforeRemove hook aborted.
var ErrNotDestroyed = errors.New("document was not destroyed")

// StaleObjectError reports a conditional write rejected because the stored
// lock value no longer matched the value this handle was loaded with. The
// caller should re-read and retry.
type StaleObjectError struct {
	Model   string
	HashKey any
}

func (e *StaleObjectError) Error() string {
	return fmt.Sprintf("stale %s %v: item was modified since it was loaded", e.Model, e.HashKey)
}

// RecordNotUniqueError reports a create rejected because an item with the
// same key already exists.
type RecordNotUniqueError struct {
	Model   string
	HashKey any
}

func (e *RecordNotUniqueError) Error() string {
	return fmt.Sprintf("%s %v already exists", e.Model, e.HashKey)
}

// NotFoundError reports a single-item read that matched nothing.
type NotFoundError struct {
	Model    string
	HashKey  any
	RangeKey any
}

func (e *NotFoundError) Error() string {
	if e.RangeKey != nil {
		return fmt.Sprintf("%s (%v, %v) not found", e.Model, e.HashKey, e.RangeKey)
	}
	return fmt.Sprintf("%s %v not found", e.Model, e.HashKey)
}

// MissingItemsError reports a batch read that resolved fewer items than keys
// requested. Found holds what did resolve so callers can keep partial results.
type MissingItemsError struct {
	Model    string
	Expected int
	Found    int
	Missing  []any
}

func (e *MissingItemsError) Error() string {
	return fmt.Sprintf("%s: expected %d items, found %d (missing %v)", e.Model, e.Expected, e.Found, e.Missing)
}
