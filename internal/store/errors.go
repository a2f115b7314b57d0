package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrUnknownStore     = errors.New("unknown object store")
	ErrUnknownIndex     = errors.New("unknown index")
	ErrInvalidKey       = errors.New("record key is missing or not a string/number")
	ErrVersionDowngrade = errors.New("stored database version is newer than schema version")
)

// InitializationError reports that the structured store could not be opened
// or upgraded.
type InitializationError struct {
	Name string
	Err  error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Name, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// ConstraintError reports a primary key or unique index collision.
type ConstraintError struct {
	Store string
	Err   error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint violated in %s: %v", e.Store, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func wrapWriteError(storeName, op string, err error) error {
	if isConstraintViolation(err) {
		return &ConstraintError{Store: storeName, Err: err}
	}
	return fmt.Errorf("failed to %s record in %s: %w", op, storeName, err)
}
