// Tests for storage transactions: records, links, optimistic versions, and
// constraint translation.
package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/pkg/types"
)

func beginTx(t *testing.T, b *Backend) types.StoreTx {
	t.Helper()
	tx, err := b.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback(context.Background()) })
	return tx
}

func TestStoreTx_InsertLoad(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()
	tx := beginTx(t, b)

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &types.Record{
		ID:         "root-1",
		Kind:       "root",
		Attributes: map[string]any{"name": "new", "size": 3},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, tx.Insert(ctx, rec))

	got, err := tx.Load(ctx, "root-1")
	require.NoError(t, err)
	assert.Equal(t, "root", got.Kind)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "new", got.Attributes["name"])
	assert.Equal(t, float64(3), got.Attributes["size"])
	assert.True(t, now.Equal(got.CreatedAt))

	_, err = tx.Load(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = tx.Load(ctx, "")
	assert.ErrorIs(t, err, types.ErrInvalidID)
}

func TestStoreTx_InsertInvalid(t *testing.T) {
	tests := []struct {
		name    string
		rec     *types.Record
		wantErr error
	}{
		{"empty id", &types.Record{Kind: "root"}, types.ErrInvalidID},
		{"empty kind", &types.Record{ID: "x"}, types.ErrInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := beginTx(t, setupBackend(t))
			assert.ErrorIs(t, tx.Insert(context.Background(), tt.rec), tt.wantErr)
		})
	}
}

func TestStoreTx_DuplicateInsertIsConstraintViolation(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()
	tx := beginTx(t, b)

	require.NoError(t, tx.Insert(ctx, &types.Record{ID: "a", Kind: "leaf", Version: 1}))
	err := tx.Insert(ctx, &types.Record{ID: "a", Kind: "leaf", Version: 1})

	var cv *types.ConstraintViolationError
	require.ErrorAs(t, err, &cv)
	assert.ErrorIs(t, err, types.ErrConstraintViolation)
}

func TestStoreTx_UpdateChecksVersion(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()
	insertEntity(t, b, &types.Record{ID: "r", Kind: "root", Attributes: map[string]any{"name": "new"}, Version: 1})

	tx := beginTx(t, b)
	stale := tx.Update(ctx, &types.Record{ID: "r", Kind: "root", Attributes: map[string]any{"name": "x"}, Version: 3}, 2)
	var sse *types.StaleStateError
	require.ErrorAs(t, stale, &sse)
	assert.Equal(t, int64(2), sse.Expected)
	assert.Equal(t, int64(1), sse.Actual)
	assert.ErrorIs(t, stale, types.ErrStaleState)

	require.NoError(t, tx.Update(ctx, &types.Record{ID: "r", Kind: "root", Attributes: map[string]any{"name": "updated"}, Version: 2}, 1))
	require.NoError(t, tx.Commit(ctx))

	tx = beginTx(t, b)
	got, err := tx.Load(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Attributes["name"])
	assert.Equal(t, int64(2), got.Version)
}

func TestStoreTx_DeleteChecksVersionAndRemovesLinks(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()
	insertEntity(t, b, &types.Record{ID: "r", Kind: "root", Version: 1})
	insertEntity(t, b, &types.Record{ID: "l", Kind: "leaf", Version: 1})

	tx := beginTx(t, b)
	require.NoError(t, tx.Link(ctx, &types.Link{LinkType: "leaves", FromID: "l", ToID: "r"}))

	assert.ErrorIs(t, tx.Delete(ctx, "l", 5), types.ErrStaleState)
	require.NoError(t, tx.Delete(ctx, "l", 1))

	_, err := tx.Load(ctx, "l")
	assert.ErrorIs(t, err, types.ErrNotFound)
	children, err := tx.Children(ctx, "r", "leaves")
	require.NoError(t, err)
	assert.Empty(t, children)

	err = tx.Delete(ctx, "l", 1)
	var sse *types.StaleStateError
	require.ErrorAs(t, err, &sse, "deleting a missing row reports stale state")
	assert.Zero(t, sse.Actual)
}

func TestStoreTx_ChildrenOrderedByPosition(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()
	for _, id := range []string{"r", "c1", "c2", "c3"} {
		insertEntity(t, b, &types.Record{ID: id, Kind: "node", Version: 1})
	}

	tx := beginTx(t, b)
	require.NoError(t, tx.Link(ctx, &types.Link{LinkType: "kids", FromID: "c2", ToID: "r", Position: 1}))
	require.NoError(t, tx.Link(ctx, &types.Link{LinkType: "kids", FromID: "c3", ToID: "r", Position: 2}))
	require.NoError(t, tx.Link(ctx, &types.Link{LinkType: "kids", FromID: "c1", ToID: "r", Position: 0}))
	require.NoError(t, tx.Link(ctx, &types.Link{LinkType: "other", FromID: "c1", ToID: "r", Position: 0}))

	children, err := tx.Children(ctx, "r", "kids")
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "c1", children[0].FromID)
	assert.Equal(t, "c2", children[1].FromID)
	assert.Equal(t, "c3", children[2].FromID)
	assert.NotEmpty(t, children[0].LinkID)

	owners, err := tx.Owners(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, owners, 2)

	require.NoError(t, tx.Unlink(ctx, "kids", "r", "c2"))
	require.NoError(t, tx.Unlink(ctx, "kids", "r", "c2"), "unlinking twice is a no-op")
	children, err = tx.Children(ctx, "r", "kids")
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestStoreTx_SingleOwnerPerRelationship(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "leaf"} {
		insertEntity(t, b, &types.Record{ID: id, Kind: "node", Version: 1})
	}

	tx := beginTx(t, b)
	require.NoError(t, tx.Link(ctx, &types.Link{LinkType: "leaves", FromID: "leaf", ToID: "r1"}))
	err := tx.Link(ctx, &types.Link{LinkType: "leaves", FromID: "leaf", ToID: "r2"})
	assert.ErrorIs(t, err, types.ErrConstraintViolation)
}

func TestStoreTx_LinkToMissingEntity(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()
	insertEntity(t, b, &types.Record{ID: "r", Kind: "node", Version: 1})

	tx := beginTx(t, b)
	err := tx.Link(ctx, &types.Link{LinkType: "leaves", FromID: "ghost", ToID: "r"})
	assert.ErrorIs(t, err, types.ErrConstraintViolation)

	assert.ErrorIs(t, tx.Link(ctx, &types.Link{LinkType: "leaves", ToID: "r"}), types.ErrInvalidData)
}

func TestStoreTx_FetchByKind(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()
	base := time.Now().UTC()
	insertEntity(t, b, &types.Record{ID: "a", Kind: "root", Version: 1, CreatedAt: base})
	insertEntity(t, b, &types.Record{ID: "b", Kind: "leaf", Version: 1, CreatedAt: base.Add(time.Second)})
	insertEntity(t, b, &types.Record{ID: "c", Kind: "root", Version: 1, CreatedAt: base.Add(2 * time.Second)})

	tx := beginTx(t, b)
	roots, err := tx.Fetch(ctx, "root")
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, "a", roots[0].ID)
	assert.Equal(t, "c", roots[1].ID)

	all, err := tx.Fetch(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStoreTx_CommitIsIdempotent(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()
	tx, err := b.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, tx.Insert(ctx, &types.Record{ID: "a", Kind: "leaf", Version: 1}))
	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, tx.Commit(ctx))
	assert.NoError(t, tx.Rollback(ctx), "Rollback after Commit is a no-op")
}
