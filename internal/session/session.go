package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/larder/internal/metrics"
	"github.com/mesh-intelligence/larder/pkg/types"
)

type entryState int

const (
	stateManaged entryState = iota // stored and tracked
	stateNew                       // scheduled for insert
	stateDeleted                   // scheduled for delete, or discarded before insert
)

// member is one stored collection membership.
type member struct {
	id       string
	position int
}

// entry is the managed state of one entity.
type entry struct {
	entity  *types.Entity
	mapping types.Mapping
	state   entryState

	// version is the version storage holds; zero until inserted.
	version int64

	// snapshot is the JSON encoding of the attributes as storage holds them.
	snapshot []byte

	// members is the stored membership of each relationship whose
	// collection has been loaded in this session.
	members map[string][]member
}

// Session is a persistence context bound to one storage transaction. It is
// not safe for concurrent use.
type Session struct {
	tx      types.StoreTx
	mm      *types.Metamodel
	logger  *zap.Logger
	metrics *metrics.Metrics

	entries   map[string]*entry // identity map of live entries
	order     []*entry          // registration order; flush visits entries in this order
	deletions []*entry          // stored entries scheduled for delete
	deleted   map[string]*entry // deletions by ID
	gone      map[*types.Entity]bool
	copies    map[*types.Entity]*entry // managed copies of merged transient entities

	finished bool // transaction committed or rolled back
	closed   bool
}

func newSession(tx types.StoreTx, mm *types.Metamodel, logger *zap.Logger, m *metrics.Metrics) *Session {
	return &Session{
		tx:      tx,
		mm:      mm,
		logger:  logger,
		metrics: m,
		entries: make(map[string]*entry),
		deleted: make(map[string]*entry),
		gone:    make(map[*types.Entity]bool),
		copies:  make(map[*types.Entity]*entry),
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (s *Session) checkOpen() error {
	if s.closed || s.finished {
		return types.ErrSessionClosed
	}
	return nil
}

// abort rolls the transaction back after a failed operation and returns err.
func (s *Session) abort(ctx context.Context, err error) error {
	if s.finished {
		return err
	}
	s.finished = true
	if rbErr := s.tx.Rollback(ctx); rbErr != nil {
		s.logger.Warn("rollback after failure", zap.Error(rbErr))
	}
	s.logger.Debug("session aborted", zap.Error(err))
	return err
}

// Get returns the managed entity with the given ID, loading it if needed.
// Collections are loaded on first access unless their relationship is
// eager. Returns an error matching types.ErrEntityNotFound if storage has
// no such entity or it is scheduled for delete.
func (s *Session) Get(ctx context.Context, id string) (*types.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, types.ErrInvalidID
	}
	en, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return en.entity, nil
}

// List returns the managed entities of a kind, or of every kind when kind
// is empty, in creation order. Entities scheduled for insert are not
// included until flushed.
func (s *Session) List(ctx context.Context, kind string) ([]*types.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if kind != "" {
		if _, err := s.mm.Lookup(kind); err != nil {
			return nil, err
		}
	}
	records, err := s.tx.Fetch(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Entity, 0, len(records))
	for _, rec := range records {
		if _, gone := s.deleted[rec.ID]; gone {
			continue
		}
		en, ok := s.entries[rec.ID]
		if !ok {
			if en, err = s.manage(ctx, rec); err != nil {
				return nil, err
			}
		}
		out = append(out, en.entity)
	}
	return out, nil
}

// find returns the live entry for id, loading it from storage if the
// session does not track it yet.
func (s *Session) find(ctx context.Context, id string) (*entry, error) {
	if en, ok := s.entries[id]; ok && en.state != stateDeleted {
		return en, nil
	}
	if old, ok := s.deleted[id]; ok {
		return nil, &types.EntityNotFoundError{Kind: old.entity.Kind, ID: id}
	}
	rec, err := s.tx.Load(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return nil, &types.EntityNotFoundError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	return s.manage(ctx, rec)
}

// manage registers a stored record as a managed entity and installs its
// collections.
func (s *Session) manage(ctx context.Context, rec *types.Record) (*entry, error) {
	mapping, err := s.mm.Lookup(rec.Kind)
	if err != nil {
		return nil, err
	}
	e := &types.Entity{
		Kind:       rec.Kind,
		ID:         rec.ID,
		Version:    rec.Version,
		Attributes: rec.Attributes,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	snapshot, err := snapshotAttributes(e.Attributes)
	if err != nil {
		return nil, err
	}
	en := &entry{
		entity:   e,
		mapping:  mapping,
		state:    stateManaged,
		version:  rec.Version,
		snapshot: snapshot,
		members:  make(map[string][]member),
	}
	s.register(en)

	for _, rel := range mapping.Relationships {
		load := func() ([]*types.Entity, error) {
			return s.loadChildren(ctx, en, rel)
		}
		if rel.EffectiveFetch() == types.FetchEager {
			children, err := load()
			if err != nil {
				return nil, err
			}
			e.SetCollection(rel.Name, types.NewCollection(children...))
			continue
		}
		e.SetCollection(rel.Name, types.DeferredCollection(load))
	}
	return en, nil
}

// newEntry returns an entry scheduled for insert.
func newEntry(kind, id string, mapping types.Mapping) *entry {
	return &entry{
		entity:  &types.Entity{Kind: kind, ID: id, Attributes: make(map[string]any)},
		mapping: mapping,
		state:   stateNew,
		members: make(map[string][]member),
	}
}

func (s *Session) register(en *entry) *entry {
	s.entries[en.entity.ID] = en
	s.order = append(s.order, en)
	return en
}

// loadChildren resolves one collection of owner and records its stored
// membership.
func (s *Session) loadChildren(ctx context.Context, owner *entry, rel types.Relationship) ([]*types.Entity, error) {
	if s.closed || s.finished {
		return nil, types.ErrLazyInitialization
	}
	links, err := s.tx.Children(ctx, owner.entity.ID, rel.Name)
	if err != nil {
		return nil, err
	}
	children := make([]*types.Entity, 0, len(links))
	members := make([]member, 0, len(links))
	for _, l := range links {
		members = append(members, member{id: l.FromID, position: l.Position})
		if en, ok := s.entries[l.FromID]; ok {
			if en.state != stateDeleted {
				children = append(children, en.entity)
			}
			continue
		}
		if _, gone := s.deleted[l.FromID]; gone {
			continue
		}
		child, err := s.find(ctx, l.FromID)
		if err != nil {
			return nil, fmt.Errorf("loading %s.%s: %w", owner.entity.Kind, rel.Name, err)
		}
		children = append(children, child.entity)
	}
	owner.members[rel.Name] = members
	s.logger.Debug("collection loaded",
		zap.String("kind", owner.entity.Kind),
		zap.String("id", owner.entity.ID),
		zap.String("relationship", rel.Name),
		zap.Int("size", len(children)))
	return children, nil
}

// Contains reports whether e is the instance this session manages for its
// identity.
func (s *Session) Contains(e *types.Entity) bool {
	if e == nil || e.ID == "" {
		return false
	}
	en, ok := s.entries[e.ID]
	return ok && en.entity == e && en.state != stateDeleted
}

// Save makes a transient entity managed and schedules it for insert,
// assigning an ID if it has none. Save cascades over loaded collections
// whose relationship has CascadeOnSave. Saving a managed entity only
// cascades.
func (s *Session) Save(ctx context.Context, e *types.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.save(ctx, e, make(map[*types.Entity]bool)); err != nil {
		return s.abort(ctx, err)
	}
	return nil
}

func (s *Session) save(ctx context.Context, e *types.Entity, visited map[*types.Entity]bool) error {
	if e == nil || e.Kind == "" {
		return fmt.Errorf("%w: entity has no kind", types.ErrInvalidEntity)
	}
	if visited[e] {
		return nil
	}
	visited[e] = true

	if en, ok := s.entries[e.ID]; ok && e.ID != "" && en.state != stateDeleted {
		if en.entity != e {
			return fmt.Errorf("%w: another instance of %s %s is managed", types.ErrInvalidEntity, e.Kind, e.ID)
		}
		return s.cascadeSave(ctx, en, visited)
	}

	mapping, err := s.mm.Lookup(e.Kind)
	if err != nil {
		return err
	}
	if err := checkCollections(e, mapping); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	en := s.register(&entry{
		entity:  e,
		mapping: mapping,
		state:   stateNew,
		members: make(map[string][]member),
	})
	s.logger.Debug("entity scheduled for insert", zap.String("kind", e.Kind), zap.String("id", e.ID))
	return s.cascadeSave(ctx, en, visited)
}

// cascadeSave saves new children reachable through loaded collections.
func (s *Session) cascadeSave(ctx context.Context, en *entry, visited map[*types.Entity]bool) error {
	for _, rel := range en.mapping.Relationships {
		c, ok := en.entity.LookupCollection(rel.Name)
		if !ok || !c.Loaded() {
			continue
		}
		children, err := c.Items()
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Kind != rel.Target {
				return fmt.Errorf("%w: %s.%s holds a %s, want %s",
					types.ErrInvalidEntity, en.entity.Kind, rel.Name, child.Kind, rel.Target)
			}
			if !rel.CascadeOnSave {
				if child.ID == "" {
					return fmt.Errorf("%w: %s.%s", types.ErrTransientEntity, en.entity.Kind, rel.Name)
				}
				continue
			}
			if err := s.save(ctx, child, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete schedules e for delete. Children under orphan-removal
// relationships are deleted with it, and e is removed from the loaded
// collections of managed owners. A detached e is looked up by ID.
func (s *Session) Delete(ctx context.Context, e *types.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: cannot delete a transient entity", types.ErrInvalidEntity)
	}
	en, err := s.find(ctx, e.ID)
	if err != nil {
		return s.abort(ctx, err)
	}
	if err := s.scheduleDelete(ctx, en, nil); err != nil {
		return s.abort(ctx, err)
	}
	return s.pruneDeleted()
}

// scheduleDelete marks en for delete and cascades through its orphan-removal
// relationships, skipping children whose IDs are in spare. An entry that was
// never stored is simply discarded.
func (s *Session) scheduleDelete(ctx context.Context, en *entry, spare map[string]*types.Entity) error {
	if en.state == stateDeleted {
		return nil
	}
	wasNew := en.state == stateNew
	en.state = stateDeleted
	s.gone[en.entity] = true
	if !wasNew {
		s.deleted[en.entity.ID] = en
		s.deletions = append(s.deletions, en)
	}
	s.logger.Debug("entity scheduled for delete",
		zap.String("kind", en.entity.Kind),
		zap.String("id", en.entity.ID))

	for _, rel := range en.mapping.Relationships {
		if !rel.OrphanRemoval {
			continue
		}
		c, ok := en.entity.LookupCollection(rel.Name)
		if !ok {
			continue
		}
		children, err := c.Items()
		if err != nil {
			return fmt.Errorf("cascading delete of %s %s: %w", en.entity.Kind, en.entity.ID, err)
		}
		for _, child := range children {
			if _, kept := spare[child.ID]; kept {
				continue
			}
			cen, ok := s.entries[child.ID]
			if !ok || cen.entity != child {
				continue
			}
			if err := s.scheduleDelete(ctx, cen, spare); err != nil {
				return err
			}
		}
	}

	if s.entries[en.entity.ID] == en {
		delete(s.entries, en.entity.ID)
	}
	return nil
}

// pruneDeleted drops deleted instances from the loaded collections of live
// entries.
func (s *Session) pruneDeleted() error {
	if len(s.gone) == 0 {
		return nil
	}
	for _, en := range s.order {
		if en.state == stateDeleted {
			continue
		}
		for _, name := range en.entity.CollectionNames() {
			c, _ := en.entity.LookupCollection(name)
			if !c.Loaded() {
				continue
			}
			items, err := c.Items()
			if err != nil {
				return err
			}
			kept := items[:0]
			for _, child := range items {
				if !s.gone[child] {
					kept = append(kept, child)
				}
			}
			if len(kept) != len(items) {
				c.Replace(kept)
			}
		}
	}
	return nil
}

// Commit flushes pending changes and commits the transaction. An error
// matching types.ErrNotPersisted means the changes are committed but the
// store has not yet written them to its files.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	s.finished = true
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing session: %w", err)
	}
	return nil
}

// Rollback discards the transaction. Managed entities keep their in-memory
// state. Rolling back a finished session is a no-op.
func (s *Session) Rollback(ctx context.Context) error {
	if s.finished || s.closed {
		return nil
	}
	s.finished = true
	return s.tx.Rollback(ctx)
}

// Close ends the session, rolling back an uncommitted transaction. Every
// managed entity becomes detached: collections loaded before Close keep
// their membership, and unloaded ones fail with ErrLazyInitialization.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if !s.finished {
		s.finished = true
		err = s.tx.Rollback(context.Background())
	}
	for _, en := range s.order {
		en.entity.Detach()
	}
	for _, en := range s.deletions {
		en.entity.Detach()
	}
	s.closed = true
	s.metrics.SessionClosed()
	return err
}

// checkCollections rejects collections that are not relationships of the
// kind.
func checkCollections(e *types.Entity, mapping types.Mapping) error {
	for _, name := range e.CollectionNames() {
		if _, ok := mapping.Relationship(name); !ok {
			return fmt.Errorf("%w: %s.%s", types.ErrUnknownRelationship, e.Kind, name)
		}
	}
	return nil
}

func snapshotAttributes(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("%w: attributes: %v", types.ErrInvalidEntity, err)
	}
	return b, nil
}

func copyAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
