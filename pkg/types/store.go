package types

import (
	"context"
	"time"
)

// Record is the stored form of an entity's own state, without collections.
type Record struct {
	ID         string
	Kind       string
	Attributes map[string]any
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Link is a stored collection membership: the child FromID belongs to the
// owner ToID under the relationship named LinkType.
type Link struct {
	LinkID    string
	LinkType  string
	FromID    string
	ToID      string
	Position  int
	CreatedAt time.Time
}

// Store is a storage backend that hands out transactions.
type Store interface {
	// Attach connects the Store to the backend described by config.
	// Returns ErrAlreadyAttached if called while already attached.
	Attach(config Config) error

	// Detach releases backend resources. Idempotent.
	Detach() error

	// Begin starts a storage transaction. Returns ErrStoreDetached if the
	// store is not attached.
	Begin(ctx context.Context) (StoreTx, error)
}

// StoreTx is one storage transaction. A session owns exactly one.
type StoreTx interface {
	// Load returns the record with the given ID or ErrNotFound.
	Load(ctx context.Context, id string) (*Record, error)

	// Children returns the links of owner under relationship, ordered by
	// position.
	Children(ctx context.Context, ownerID, relationship string) ([]*Link, error)

	// Owners returns the links in which id is the child.
	Owners(ctx context.Context, id string) ([]*Link, error)

	// Fetch returns records of the given kind, or all records when kind
	// is empty.
	Fetch(ctx context.Context, kind string) ([]*Record, error)

	// Insert stores a new record.
	Insert(ctx context.Context, rec *Record) error

	// Update writes rec if storage still holds expectedVersion and
	// returns a *StaleStateError otherwise.
	Update(ctx context.Context, rec *Record, expectedVersion int64) error

	// Delete removes the record if storage still holds expectedVersion.
	Delete(ctx context.Context, id string, expectedVersion int64) error

	// Link stores a membership.
	Link(ctx context.Context, link *Link) error

	// Unlink removes the membership of child in owner under relationship.
	Unlink(ctx context.Context, relationship, ownerID, childID string) error

	// Commit makes the transaction durable. Commit and Rollback are
	// idempotent; the first one wins.
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
