package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// mergeContext records the managed instance produced for every detached
// node reconciled by one Merge call, so shared and cyclic references
// converge on a single managed entity.
type mergeContext struct {
	byID      map[string]*types.Entity
	transient map[*types.Entity]*types.Entity

	// orphans are children dropped from orphan-removal collections. They
	// are deleted once the whole graph is reconciled, unless the graph
	// placed them elsewhere.
	orphans []orphan
}

type orphan struct {
	child        *entry
	owner        *entry
	relationship string
}

func (mc *mergeContext) lookup(d *types.Entity) (*types.Entity, bool) {
	if d.ID == "" {
		m, ok := mc.transient[d]
		return m, ok
	}
	m, ok := mc.byID[d.ID]
	return m, ok
}

func (mc *mergeContext) remember(d, managed *types.Entity) {
	if d.ID == "" {
		mc.transient[d] = managed
	}
	mc.byID[managed.ID] = managed
}

// Merge copies the state of a detached entity graph onto the session's
// managed graph and returns the managed root. Nothing is written until
// Flush.
//
// The managed counterpart of each detached entity is taken from the session
// or loaded from storage. A detached entity with no ID becomes a new managed
// copy, the same one each time it is merged into this session. A non-zero
// detached Version must equal the stored version, or Merge fails with a
// *types.StaleStateError. A root that storage no longer holds fails with a
// *types.EntityNotFoundError.
//
// For every loaded detached collection, the managed collection is set to
// the same members by identity. Members missing from the detached
// collection are unlinked, and scheduled for delete when the relationship
// has OrphanRemoval. Members missing from the managed collection are
// loaded, or scheduled for insert when the relationship has CascadeOnSave.
// Members in both are reconciled recursively. Unloaded detached collections
// are left alone.
//
// Any error rolls the session's transaction back.
func (s *Session) Merge(ctx context.Context, detached *types.Entity) (*types.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if detached == nil {
		return nil, fmt.Errorf("%w: nil entity", types.ErrInvalidEntity)
	}

	mc := &mergeContext{
		byID:      make(map[string]*types.Entity),
		transient: make(map[*types.Entity]*types.Entity),
	}
	managed, err := s.merge(ctx, mc, detached, false)
	if err == nil {
		err = s.removeOrphans(ctx, mc)
	}
	if err != nil {
		s.metrics.Merge(mergeResult(err))
		return nil, s.abort(ctx, err)
	}
	s.metrics.Merge("ok")
	return managed, nil
}

func mergeResult(err error) string {
	switch {
	case errors.Is(err, types.ErrEntityNotFound):
		return "not_found"
	case errors.Is(err, types.ErrStaleState):
		return "stale"
	default:
		return "error"
	}
}

// merge reconciles one detached entity. insertMissing allows an identity
// storage does not hold to be scheduled for insert.
func (s *Session) merge(ctx context.Context, mc *mergeContext, d *types.Entity, insertMissing bool) (*types.Entity, error) {
	if m, ok := mc.lookup(d); ok {
		return m, nil
	}
	mapping, err := s.mm.Lookup(d.Kind)
	if err != nil {
		return nil, err
	}
	if err := checkCollections(d, mapping); err != nil {
		return nil, err
	}

	en, err := s.mergeTarget(ctx, d, mapping, insertMissing)
	if err != nil {
		return nil, err
	}
	managed := en.entity
	mc.remember(d, managed)

	if managed != d {
		managed.Attributes = copyAttributes(d.Attributes)
	}
	for _, rel := range mapping.Relationships {
		if err := s.mergeCollection(ctx, mc, en, d, rel); err != nil {
			return nil, err
		}
	}
	return managed, nil
}

// mergeTarget returns the managed entry a detached entity merges into.
func (s *Session) mergeTarget(ctx context.Context, d *types.Entity, mapping types.Mapping, insertMissing bool) (*entry, error) {
	if d.ID == "" {
		if en, ok := s.copies[d]; ok && en.state != stateDeleted {
			return en, nil
		}
		en := s.register(newEntry(d.Kind, newID(), mapping))
		s.copies[d] = en
		s.logger.Debug("transient entity merged as new", zap.String("kind", d.Kind), zap.String("id", en.entity.ID))
		return en, nil
	}

	if _, gone := s.deleted[d.ID]; gone {
		if _, live := s.entries[d.ID]; !live {
			s.logger.Debug("recycled identity scheduled for insert", zap.String("kind", d.Kind), zap.String("id", d.ID))
			return s.register(newEntry(d.Kind, d.ID, mapping)), nil
		}
	}

	en, ok := s.entries[d.ID]
	if !ok {
		rec, err := s.tx.Load(ctx, d.ID)
		switch {
		case errors.Is(err, types.ErrNotFound):
			if !insertMissing {
				return nil, &types.EntityNotFoundError{Kind: d.Kind, ID: d.ID}
			}
			s.logger.Debug("detached entity scheduled for insert", zap.String("kind", d.Kind), zap.String("id", d.ID))
			return s.register(newEntry(d.Kind, d.ID, mapping)), nil
		case err != nil:
			return nil, err
		}
		if en, err = s.manage(ctx, rec); err != nil {
			return nil, err
		}
	}

	if en.entity.Kind != d.Kind {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", types.ErrInvalidEntity, d.ID, en.entity.Kind, d.Kind)
	}
	if en.state == stateManaged && d.Version != 0 && d.Version != en.version {
		return nil, &types.StaleStateError{Kind: d.Kind, ID: d.ID, Expected: d.Version, Actual: en.version}
	}
	return en, nil
}

// mergeCollection reconciles one relationship of en with the detached
// entity's collection.
func (s *Session) mergeCollection(ctx context.Context, mc *mergeContext, en *entry, d *types.Entity, rel types.Relationship) error {
	dc, ok := d.LookupCollection(rel.Name)
	if !ok || !dc.Loaded() {
		return nil
	}
	detachedItems, err := dc.Items()
	if err != nil {
		return err
	}
	mcol := en.entity.Collection(rel.Name)
	managedItems, err := mcol.Items()
	if err != nil {
		return fmt.Errorf("loading %s.%s: %w", en.entity.Kind, rel.Name, err)
	}

	merged := make([]*types.Entity, 0, len(detachedItems))
	kept := make(map[string]bool, len(detachedItems))
	for _, child := range detachedItems {
		if child.Kind != rel.Target {
			return fmt.Errorf("%w: %s.%s holds a %s, want %s",
				types.ErrInvalidEntity, d.Kind, rel.Name, child.Kind, rel.Target)
		}
		if child.ID == "" && !rel.CascadeOnSave {
			return fmt.Errorf("%w: %s.%s", types.ErrTransientEntity, d.Kind, rel.Name)
		}
		m, err := s.merge(ctx, mc, child, rel.CascadeOnSave)
		if err != nil {
			return err
		}
		if kept[m.ID] {
			continue
		}
		kept[m.ID] = true
		merged = append(merged, m)
	}

	for _, old := range managedItems {
		if kept[old.ID] {
			continue
		}
		if !rel.OrphanRemoval {
			s.logger.Debug("child unlinked",
				zap.String("kind", en.entity.Kind),
				zap.String("id", en.entity.ID),
				zap.String("relationship", rel.Name),
				zap.String("child", old.ID))
			continue
		}
		oen, ok := s.entries[old.ID]
		if !ok || oen.entity != old {
			continue
		}
		mc.orphans = append(mc.orphans, orphan{child: oen, owner: en, relationship: rel.Name})
	}

	mcol.Replace(merged)
	return nil
}

// removeOrphans schedules deletes for the orphans of a reconciled graph. A
// child the graph holds in another collection has moved and is kept, as are
// the descendants of a deleted orphan that the graph holds elsewhere.
func (s *Session) removeOrphans(ctx context.Context, mc *mergeContext) error {
	for _, o := range mc.orphans {
		fields := []zap.Field{
			zap.String("kind", o.owner.entity.Kind),
			zap.String("id", o.owner.entity.ID),
			zap.String("relationship", o.relationship),
			zap.String("child", o.child.entity.ID),
		}
		if _, moved := mc.byID[o.child.entity.ID]; moved {
			s.logger.Debug("child moved", fields...)
			continue
		}
		if o.child.state == stateDeleted {
			continue
		}
		if err := s.scheduleDelete(ctx, o.child, mc.byID); err != nil {
			return err
		}
		s.metrics.OrphanRemoved()
		s.logger.Debug("orphan scheduled for delete", fields...)
	}
	return nil
}
