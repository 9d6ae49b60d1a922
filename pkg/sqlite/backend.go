// Package sqlite exposes the SQLite store to programs outside this module.
package sqlite

import (
	"go.uber.org/zap"

	"github.com/mesh-intelligence/larder/internal/sqlite"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// NewStore creates an unattached SQLite store that logs to logger; a nil
// logger discards everything. Call Attach with a Config before use.
//
// Example:
//
//	store := sqlite.NewStore(nil)
//	err := store.Attach(types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: ".larder-db",
//	})
//	defer store.Detach()
func NewStore(logger *zap.Logger) types.Store {
	if logger == nil {
		return sqlite.NewBackend()
	}
	return sqlite.NewBackend(sqlite.WithLogger(logger))
}
