package types

import (
	"errors"
	"fmt"
)

// Store lifecycle errors.
var (
	ErrStoreDetached   = errors.New("store is detached")
	ErrAlreadyAttached = errors.New("store is already attached")
)

// Storage record errors.
var (
	ErrNotFound    = errors.New("record not found")
	ErrInvalidID   = errors.New("invalid entity ID")
	ErrInvalidData = errors.New("invalid record data")

	// ErrNotPersisted reports a transaction that committed to the database
	// but whose JSONL write-back failed. The write is retried on the next
	// commit and on Detach.
	ErrNotPersisted = errors.New("committed but not written to JSONL")
)

// Session and merge errors. EntityNotFoundError, StaleStateError, and
// ConstraintViolationError match the first three with errors.Is.
var (
	ErrEntityNotFound      = errors.New("entity not found")
	ErrStaleState          = errors.New("stale entity state")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrSessionClosed       = errors.New("session is closed")
	ErrLazyInitialization  = errors.New("lazy collection accessed outside its session")
	ErrTransientEntity     = errors.New("reference to transient entity without cascade")
	ErrInvalidEntity       = errors.New("invalid entity")
	ErrNotManaged          = errors.New("entity is not managed by this session")
)

// Metamodel errors.
var (
	ErrUnknownKind         = errors.New("unknown entity kind")
	ErrUnknownRelationship = errors.New("unknown relationship")
	ErrInvalidMapping      = errors.New("invalid mapping")
)

// EntityNotFoundError reports that a merge or get target no longer exists
// in storage. It is not retried.
type EntityNotFoundError struct {
	Kind string
	ID   string
}

func (e *EntityNotFoundError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("entity %s not found", e.ID)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is matches ErrEntityNotFound.
func (e *EntityNotFoundError) Is(target error) bool {
	return target == ErrEntityNotFound
}

// StaleStateError reports an optimistic-concurrency violation: the version
// the caller held no longer matches storage. Actual is zero when the row
// was changed or removed during flush and the current version is unknown.
type StaleStateError struct {
	Kind     string
	ID       string
	Expected int64
	Actual   int64
}

func (e *StaleStateError) Error() string {
	if e.Actual == 0 {
		return fmt.Sprintf("%s %s: stale state at version %d", e.Kind, e.ID, e.Expected)
	}
	return fmt.Sprintf("%s %s: stale state, have version %d, storage has %d",
		e.Kind, e.ID, e.Expected, e.Actual)
}

// Is matches ErrStaleState.
func (e *StaleStateError) Is(target error) bool {
	return target == ErrStaleState
}

// ConstraintViolationError reports a storage constraint failure during
// flush. The enclosing transaction is rolled back.
type ConstraintViolationError struct {
	Op  string
	Err error
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("%s: constraint violation: %v", e.Op, e.Err)
}

// Is matches ErrConstraintViolation.
func (e *ConstraintViolationError) Is(target error) bool {
	return target == ErrConstraintViolation
}

func (e *ConstraintViolationError) Unwrap() error {
	return e.Err
}
