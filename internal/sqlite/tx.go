// This file implements the storage transaction used by sessions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mesh-intelligence/larder/pkg/types"
)

var _ types.StoreTx = (*storeTx)(nil)

var (
	entityColumns = []string{"entity_id", "kind", "attributes", "version", "created_at", "updated_at"}
	linkColumns   = []string{"link_id", "link_type", "from_id", "to_id", "position", "created_at"}
)

// storeTx wraps a sqlx.Tx. It remembers which tables it wrote so that a
// commit rewrites only the affected JSONL files.
type storeTx struct {
	backend     *Backend
	tx          *sqlx.Tx
	closed      bool
	wroteEntity bool
	wroteLinks  bool
}

// Load retrieves a record by ID.
func (st *storeTx) Load(ctx context.Context, id string) (*types.Record, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("entities")
	sb.Where(sb.Equal("entity_id", id))
	query, args := sb.Build()

	var row entityRow
	if err := st.tx.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("getting entity %s: %w", id, err)
	}
	return hydrateRecord(row)
}

// Fetch returns records of a kind ordered by creation time.
func (st *storeTx) Fetch(ctx context.Context, kind string) ([]*types.Record, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("entities")
	if kind != "" {
		sb.Where(sb.Equal("kind", kind))
	}
	sb.OrderBy("created_at", "entity_id")
	query, args := sb.Build()

	var rows []entityRow
	if err := st.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("fetching entities: %w", err)
	}
	records := make([]*types.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := hydrateRecord(r)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Children returns the links of an owner under one relationship.
func (st *storeTx) Children(ctx context.Context, ownerID, relationship string) ([]*types.Link, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(linkColumns...)
	sb.From("links")
	sb.Where(sb.Equal("to_id", ownerID), sb.Equal("link_type", relationship))
	sb.OrderBy("position", "created_at", "link_id")
	return st.selectLinks(ctx, sb)
}

// Owners returns the links in which id is the child.
func (st *storeTx) Owners(ctx context.Context, id string) ([]*types.Link, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(linkColumns...)
	sb.From("links")
	sb.Where(sb.Equal("from_id", id))
	sb.OrderBy("link_type", "to_id")
	return st.selectLinks(ctx, sb)
}

func (st *storeTx) selectLinks(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]*types.Link, error) {
	query, args := sb.Build()
	var rows []linkRow
	if err := st.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("fetching links: %w", err)
	}
	links := make([]*types.Link, 0, len(rows))
	for _, r := range rows {
		l, err := hydrateLink(r)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, nil
}

// Insert stores a new record.
func (st *storeTx) Insert(ctx context.Context, rec *types.Record) error {
	if rec.ID == "" {
		return types.ErrInvalidID
	}
	if rec.Kind == "" {
		return types.ErrInvalidData
	}
	row, err := dehydrateRecord(rec)
	if err != nil {
		return err
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("entities")
	ib.Cols(entityColumns...)
	ib.Values(row.EntityID, row.Kind, row.Attributes, row.Version, row.CreatedAt, row.UpdatedAt)
	query, args := ib.Build()

	if _, err := st.tx.ExecContext(ctx, query, args...); err != nil {
		return translateError(fmt.Sprintf("inserting %s %s", rec.Kind, rec.ID), err)
	}
	st.wroteEntity = true
	return nil
}

// Update writes rec where the stored version equals expectedVersion.
func (st *storeTx) Update(ctx context.Context, rec *types.Record, expectedVersion int64) error {
	row, err := dehydrateRecord(rec)
	if err != nil {
		return err
	}

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("entities")
	ub.Set(
		ub.Assign("attributes", row.Attributes),
		ub.Assign("version", row.Version),
		ub.Assign("updated_at", row.UpdatedAt),
	)
	ub.Where(ub.Equal("entity_id", rec.ID), ub.Equal("version", expectedVersion))
	query, args := ub.Build()

	res, err := st.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return translateError(fmt.Sprintf("updating %s %s", rec.Kind, rec.ID), err)
	}
	if err := st.checkAffected(ctx, res, rec.Kind, rec.ID, expectedVersion); err != nil {
		return err
	}
	st.wroteEntity = true
	return nil
}

// Delete removes a record at expectedVersion together with every link that
// references it.
func (st *storeTx) Delete(ctx context.Context, id string, expectedVersion int64) error {
	if id == "" {
		return types.ErrInvalidID
	}

	lb := sqlbuilder.SQLite.NewDeleteBuilder()
	lb.DeleteFrom("links")
	lb.Where(lb.Or(lb.Equal("from_id", id), lb.Equal("to_id", id)))
	query, args := lb.Build()
	res, err := st.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return translateError(fmt.Sprintf("deleting links of %s", id), err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		st.wroteLinks = true
	}

	db := sqlbuilder.SQLite.NewDeleteBuilder()
	db.DeleteFrom("entities")
	db.Where(db.Equal("entity_id", id), db.Equal("version", expectedVersion))
	query, args = db.Build()
	res, err = st.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return translateError(fmt.Sprintf("deleting %s", id), err)
	}
	if err := st.checkAffected(ctx, res, "", id, expectedVersion); err != nil {
		return err
	}
	st.wroteEntity = true
	return nil
}

// checkAffected turns a zero-row versioned write into a *types.StaleStateError
// carrying the version storage actually holds (zero if the row is gone).
func (st *storeTx) checkAffected(ctx context.Context, res sql.Result, kind, id string, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	stale := &types.StaleStateError{Kind: kind, ID: id, Expected: expected}
	if rec, err := st.Load(ctx, id); err == nil {
		stale.Actual = rec.Version
		stale.Kind = rec.Kind
	}
	return stale
}

// Link stores a membership. A zero LinkID or CreatedAt is filled in.
func (st *storeTx) Link(ctx context.Context, link *types.Link) error {
	if link.LinkType == "" || link.FromID == "" || link.ToID == "" {
		return types.ErrInvalidData
	}
	if link.LinkID == "" {
		link.LinkID = newUUID()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("links")
	ib.Cols(linkColumns...)
	ib.Values(link.LinkID, link.LinkType, link.FromID, link.ToID, link.Position, formatTime(link.CreatedAt))
	query, args := ib.Build()

	if _, err := st.tx.ExecContext(ctx, query, args...); err != nil {
		return translateError(fmt.Sprintf("linking %s to %s.%s", link.FromID, link.ToID, link.LinkType), err)
	}
	st.wroteLinks = true
	return nil
}

// Unlink removes a membership. Removing an absent membership is a no-op.
func (st *storeTx) Unlink(ctx context.Context, relationship, ownerID, childID string) error {
	db := sqlbuilder.SQLite.NewDeleteBuilder()
	db.DeleteFrom("links")
	db.Where(
		db.Equal("link_type", relationship),
		db.Equal("to_id", ownerID),
		db.Equal("from_id", childID),
	)
	query, args := db.Build()
	res, err := st.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return translateError(fmt.Sprintf("unlinking %s from %s.%s", childID, ownerID, relationship), err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		st.wroteLinks = true
	}
	return nil
}

// Commit commits the transaction and writes back the touched JSONL files.
// If the commit succeeds but a write-back fails, the error matches
// types.ErrNotPersisted and the write stays queued for the next commit or
// Detach.
func (st *storeTx) Commit(ctx context.Context) error {
	if st.closed {
		return nil
	}
	if err := st.tx.Commit(); err != nil {
		st.closed = true
		return translateError("committing transaction", err)
	}
	st.closed = true
	if !st.wroteEntity && !st.wroteLinks {
		return nil
	}
	return st.backend.afterCommit(st.wroteEntity, st.wroteLinks)
}

// Rollback aborts the transaction.
func (st *storeTx) Rollback(ctx context.Context) error {
	if st.closed {
		return nil
	}
	st.closed = true
	if err := st.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

// translateError wraps SQLite constraint failures in a
// *types.ConstraintViolationError and everything else with op context.
func translateError(op string, err error) error {
	var se *msqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return &types.ConstraintViolationError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
