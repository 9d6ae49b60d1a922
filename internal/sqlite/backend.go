// Package sqlite implements the SQLite storage backend for Larder.
// SQLite is the query engine; the JSONL files in DataDir are the source of
// truth. Attach rebuilds the database from JSONL, and committed transactions
// are written back to JSONL according to the sync strategy.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// Compile-time interface check.
var _ types.Store = (*Backend)(nil)

// dbFileName is the SQLite file created in DataDir. It is rebuilt on every
// Attach.
const dbFileName = "larder.db"

// dsnPragmas are applied to every connection.
const dsnPragmas = "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// Backend implements types.Store using SQLite as the query engine and JSONL
// files as the source of truth.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	config   types.Config
	db       *sqlx.DB
	logger   *zap.Logger

	// Sync strategy state.
	syncStrategy  string
	pendingWrites []pendingWrite // queue of writes pending JSONL persist
	batchMu       sync.Mutex     // protects pendingWrites and serialises JSONL writes
}

// pendingWrite represents a deferred JSONL write operation.
type pendingWrite struct {
	file    string       // JSONL file name
	persist func() error // function to execute the JSONL write
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// NewBackend creates a new SQLite backend instance.
// The backend is not attached; call Attach with a Config to initialize.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach initializes the backend with the given configuration.
// Creates DataDir if it does not exist, initializes the SQLite schema, and
// loads the JSONL files.
// Returns ErrAlreadyAttached if already attached.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}

	if err := config.Validate(); err != nil {
		return err
	}

	dataDir := config.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	config.DataDir = dataDir

	// The database is a cache of the JSONL files; start from scratch.
	dbPath := filepath.Join(dataDir, dbFileName)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(dbPath + suffix)
	}

	db, err := sqlx.Open("sqlite", dbPath+dsnPragmas)
	if err != nil {
		return err
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return err
	}

	if err := initJSONLFiles(dataDir); err != nil {
		db.Close()
		return err
	}

	loaded, err := loadAllJSONL(db, dataDir)
	if err != nil {
		db.Close()
		return fmt.Errorf("load JSONL: %w", err)
	}

	b.db = db
	b.config = config
	b.syncStrategy = config.EffectiveSyncStrategy()
	b.pendingWrites = nil
	b.attached = true

	b.logger.Info("store attached",
		zap.String("data_dir", dataDir),
		zap.String("sync_strategy", b.syncStrategy),
		zap.Int("records", loaded))
	return nil
}

func createSchema(db *sqlx.DB) error {
	for _, ddl := range schemaDDL {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	for _, ddl := range indexDDL {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}

// Detach releases all resources held by the backend.
// Flushes pending JSONL writes, then closes the SQLite connection. After
// Detach, Begin returns ErrStoreDetached. Detach is idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}

	if err := b.flushPendingWrites(); err != nil {
		return fmt.Errorf("flush pending writes: %w", err)
	}

	if b.db != nil {
		if err := b.db.Close(); err != nil {
			return err
		}
		b.db = nil
	}

	b.attached = false
	b.logger.Info("store detached", zap.String("data_dir", b.config.DataDir))
	return nil
}

// Begin starts a storage transaction.
func (b *Backend) Begin(ctx context.Context) (types.StoreTx, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return nil, types.ErrStoreDetached
	}

	tx, err := b.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &storeTx{backend: b, tx: tx}, nil
}

// DataDir returns the data directory of the attached store.
func (b *Backend) DataDir() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config.DataDir
}

// afterCommit writes the JSONL files touched by a committed transaction, or
// queues the writes for Detach under the on_close strategy. Under the
// immediate strategy, writes that failed after an earlier commit are retried
// first.
func (b *Backend) afterCommit(entities, links bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return types.ErrStoreDetached
	}

	var writes []pendingWrite
	if entities {
		writes = append(writes, pendingWrite{file: entitiesFile, persist: func() error {
			return persistEntitiesJSONL(b.db, b.config.DataDir)
		}})
	}
	if links {
		writes = append(writes, pendingWrite{file: linksFile, persist: func() error {
			return persistLinksJSONL(b.db, b.config.DataDir)
		}})
	}

	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	b.queueWrites(writes)
	if b.syncStrategy == types.SyncOnClose {
		return nil
	}
	return b.persistQueued()
}

// queueWrites adds writes to the pending queue, skipping files that are
// already queued since each write rewrites the whole file.
// The caller must hold b.batchMu.
func (b *Backend) queueWrites(writes []pendingWrite) {
	for _, w := range writes {
		queued := false
		for _, pw := range b.pendingWrites {
			if pw.file == w.file {
				queued = true
				break
			}
		}
		if !queued {
			b.pendingWrites = append(b.pendingWrites, w)
		}
	}
}

// flushPendingWrites executes all pending writes.
// The caller must hold b.mu write lock.
func (b *Backend) flushPendingWrites() error {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	n := len(b.pendingWrites)
	if n == 0 {
		return nil
	}
	if err := b.persistQueued(); err != nil {
		return err
	}
	b.logger.Debug("pending JSONL writes flushed", zap.Int("files", n))
	return nil
}

// persistQueued runs the queued writes. Failed writes stay queued, and the
// returned error matches types.ErrNotPersisted: the database then holds
// committed changes that the JSONL files lack.
// The caller must hold b.batchMu.
func (b *Backend) persistQueued() error {
	var (
		failed []pendingWrite
		errs   []error
	)
	for _, w := range b.pendingWrites {
		if err := w.persist(); err != nil {
			b.logger.Error("JSONL write-back failed, committed changes exist only in the database",
				zap.String("file", w.file),
				zap.String("data_dir", b.config.DataDir),
				zap.Error(err))
			failed = append(failed, w)
			errs = append(errs, fmt.Errorf("persist %s: %w", w.file, err))
		}
	}
	b.pendingWrites = failed
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", types.ErrNotPersisted, errors.Join(errs...))
	}
	return nil
}

// newUUID generates a UUID v7 string.
func newUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}
