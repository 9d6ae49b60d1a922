package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// actionType is a kind of storage action. Flush executes actions grouped by
// type in declaration order: unlinks free children before their rows are
// deleted, and deletes run before inserts so a recycled identity never
// collides with its old row.
type actionType int

const (
	actionUnlink actionType = iota
	actionDelete
	actionInsert
	actionUpdate
	actionLink
	numActionTypes
)

var actionNames = [numActionTypes]string{"unlink", "delete", "insert", "update", "link"}

func (a actionType) String() string {
	return actionNames[a]
}

// action is one queued storage write.
type action struct {
	typ      actionType
	entry    *entry        // delete, insert, update
	record   *types.Record // insert, update
	snapshot []byte        // attributes written by insert or update
	link     types.Link    // link, unlink
}

// flushPlan is the ordered set of actions computed from managed state.
type flushPlan struct {
	actions [numActionTypes][]action

	// members holds the stored membership of each changed collection once
	// the plan has executed.
	members map[*entry]map[string][]member
}

func (p *flushPlan) add(a action) {
	p.actions[a.typ] = append(p.actions[a.typ], a)
}

func (p *flushPlan) setMembers(en *entry, rel string, m []member) {
	if p.members[en] == nil {
		p.members[en] = make(map[string][]member)
	}
	p.members[en][rel] = m
}

// Pending counts the storage actions a flush would execute now.
type Pending struct {
	Unlinks int `json:"unlinks"`
	Deletes int `json:"deletes"`
	Inserts int `json:"inserts"`
	Updates int `json:"updates"`
	Links   int `json:"links"`
}

// Total returns the number of actions.
func (p Pending) Total() int {
	return p.Unlinks + p.Deletes + p.Inserts + p.Updates + p.Links
}

// Pending reports what Flush would write. Like Flush, it first cascades
// saves into new children and schedules deletes for orphans removed in
// place from managed collections.
func (s *Session) Pending(ctx context.Context) (Pending, error) {
	if err := s.checkOpen(); err != nil {
		return Pending{}, err
	}
	if err := s.prepare(ctx); err != nil {
		return Pending{}, s.abort(ctx, err)
	}
	p, err := s.plan(time.Now().UTC())
	if err != nil {
		return Pending{}, s.abort(ctx, err)
	}
	return Pending{
		Unlinks: len(p.actions[actionUnlink]),
		Deletes: len(p.actions[actionDelete]),
		Inserts: len(p.actions[actionInsert]),
		Updates: len(p.actions[actionUpdate]),
		Links:   len(p.actions[actionLink]),
	}, nil
}

// Flush writes pending changes to the transaction. A failed flush rolls the
// transaction back and leaves the session finished.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	if err := s.flush(ctx); err != nil {
		s.metrics.Flush("error", time.Since(start))
		return s.abort(ctx, err)
	}
	s.metrics.Flush("ok", time.Since(start))
	return nil
}

func (s *Session) flush(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}
	p, err := s.plan(time.Now().UTC())
	if err != nil {
		return err
	}
	if err := s.execute(ctx, p); err != nil {
		return err
	}
	s.apply(p)

	fields := make([]zap.Field, 0, numActionTypes)
	for t := actionType(0); t < numActionTypes; t++ {
		n := len(p.actions[t])
		s.metrics.Scheduled(t.String(), n)
		fields = append(fields, zap.Int(t.String(), n))
	}
	s.logger.Debug("session flushed", fields...)
	return nil
}

// prepare cascades saves and collects orphans removed in place from managed
// collections.
func (s *Session) prepare(ctx context.Context) error {
	visited := make(map[*types.Entity]bool)
	for _, en := range s.order {
		if en.state == stateDeleted {
			continue
		}
		if err := s.cascadeSave(ctx, en, visited); err != nil {
			return err
		}
	}
	if err := s.collectOrphans(ctx); err != nil {
		return err
	}
	return s.pruneDeleted()
}

// collectOrphans schedules deletes for stored children that left a loaded
// orphan-removal collection and are not held by any other loaded
// collection.
func (s *Session) collectOrphans(ctx context.Context) error {
	referenced := make(map[*types.Entity]bool)
	var candidates []*entry
	for _, en := range s.order {
		if en.state == stateDeleted {
			continue
		}
		for _, rel := range en.mapping.Relationships {
			c, ok := en.entity.LookupCollection(rel.Name)
			if !ok || !c.Loaded() {
				continue
			}
			items, err := c.Items()
			if err != nil {
				return err
			}
			current := make(map[string]bool, len(items))
			for _, child := range items {
				referenced[child] = true
				current[child.ID] = true
			}
			if !rel.OrphanRemoval {
				continue
			}
			for _, m := range en.members[rel.Name] {
				if current[m.id] {
					continue
				}
				if cen, ok := s.entries[m.id]; ok && cen.state == stateManaged {
					candidates = append(candidates, cen)
				}
			}
		}
	}
	for _, cen := range candidates {
		if referenced[cen.entity] || cen.state == stateDeleted {
			continue
		}
		if err := s.scheduleDelete(ctx, cen, nil); err != nil {
			return err
		}
		s.metrics.OrphanRemoved()
	}
	return nil
}

// plan diffs managed state against the snapshots.
func (s *Session) plan(now time.Time) (*flushPlan, error) {
	p := &flushPlan{members: make(map[*entry]map[string][]member)}

	for _, en := range s.deletions {
		p.add(action{typ: actionDelete, entry: en})
	}

	for _, en := range s.order {
		if en.state == stateDeleted {
			continue
		}
		e := en.entity

		collectionsChanged := false
		for _, rel := range en.mapping.Relationships {
			c, ok := e.LookupCollection(rel.Name)
			if !ok || !c.Loaded() {
				continue
			}
			items, err := c.Items()
			if err != nil {
				return nil, err
			}
			current := make([]string, 0, len(items))
			for _, child := range items {
				if child.ID == "" {
					return nil, fmt.Errorf("%w: %s %s holds an unsaved %s in %s",
						types.ErrTransientEntity, e.Kind, e.ID, child.Kind, rel.Name)
				}
				current = append(current, child.ID)
			}

			unlinks, links, next := s.diffMembers(en.members[rel.Name], current)
			if len(unlinks) == 0 && len(links) == 0 {
				continue
			}
			collectionsChanged = true
			for _, id := range unlinks {
				p.add(action{typ: actionUnlink, link: types.Link{LinkType: rel.Name, FromID: id, ToID: e.ID}})
			}
			for _, m := range links {
				p.add(action{typ: actionLink, link: types.Link{LinkType: rel.Name, FromID: m.id, ToID: e.ID, Position: m.position}})
			}
			p.setMembers(en, rel.Name, next)
		}

		snapshot, err := snapshotAttributes(e.Attributes)
		if err != nil {
			return nil, err
		}

		switch {
		case en.state == stateNew:
			created := e.CreatedAt
			if created.IsZero() {
				created = now
			}
			p.add(action{
				typ:      actionInsert,
				entry:    en,
				snapshot: snapshot,
				record: &types.Record{
					ID:         e.ID,
					Kind:       e.Kind,
					Attributes: e.Attributes,
					Version:    1,
					CreatedAt:  created,
					UpdatedAt:  now,
				},
			})
		case collectionsChanged || !bytes.Equal(snapshot, en.snapshot):
			p.add(action{
				typ:      actionUpdate,
				entry:    en,
				snapshot: snapshot,
				record: &types.Record{
					ID:         e.ID,
					Kind:       e.Kind,
					Attributes: e.Attributes,
					Version:    en.version + 1,
					CreatedAt:  e.CreatedAt,
					UpdatedAt:  now,
				},
			})
		}
	}
	return p, nil
}

// diffMembers compares the stored membership of a collection with its
// current IDs. Retained members keep their links when they are still in
// stored order and every new member comes after them; otherwise the whole
// collection is relinked with fresh positions. Identities scheduled for
// delete in this session always get a new link.
func (s *Session) diffMembers(stored []member, current []string) (unlinks []string, links []member, next []member) {
	recycled := func(id string) bool {
		_, ok := s.deleted[id]
		return ok
	}

	storedIdx := make(map[string]int, len(stored))
	for i, m := range stored {
		if !recycled(m.id) {
			storedIdx[m.id] = i
		}
	}
	inCurrent := make(map[string]bool, len(current))
	for _, id := range current {
		inCurrent[id] = true
	}
	for _, m := range stored {
		if _, kept := storedIdx[m.id]; !kept || !inCurrent[m.id] {
			unlinks = append(unlinks, m.id)
		}
	}

	inOrder := true
	last := -1
	seenNew := false
	for _, id := range current {
		idx, ok := storedIdx[id]
		if !ok {
			seenNew = true
			continue
		}
		if seenNew || idx < last {
			inOrder = false
			break
		}
		last = idx
	}

	if inOrder {
		base := 0
		for _, id := range current {
			if idx, ok := storedIdx[id]; ok {
				m := stored[idx]
				next = append(next, m)
				if m.position >= base {
					base = m.position + 1
				}
			}
		}
		for _, id := range current {
			if _, ok := storedIdx[id]; ok {
				continue
			}
			m := member{id: id, position: base}
			base++
			links = append(links, m)
			next = append(next, m)
		}
		return unlinks, links, next
	}

	unlinks = unlinks[:0]
	for _, m := range stored {
		unlinks = append(unlinks, m.id)
	}
	links = make([]member, 0, len(current))
	for i, id := range current {
		links = append(links, member{id: id, position: i})
	}
	return unlinks, links, links
}

// execute runs the plan against the transaction.
func (s *Session) execute(ctx context.Context, p *flushPlan) error {
	for t := actionType(0); t < numActionTypes; t++ {
		for _, a := range p.actions[t] {
			var err error
			switch t {
			case actionUnlink:
				err = s.tx.Unlink(ctx, a.link.LinkType, a.link.ToID, a.link.FromID)
			case actionDelete:
				err = s.tx.Delete(ctx, a.entry.entity.ID, a.entry.version)
			case actionInsert:
				err = s.tx.Insert(ctx, a.record)
			case actionUpdate:
				err = s.tx.Update(ctx, a.record, a.entry.version)
			case actionLink:
				link := a.link
				err = s.tx.Link(ctx, &link)
			}
			if err != nil {
				var stale *types.StaleStateError
				if errors.As(err, &stale) && stale.Kind == "" && a.entry != nil {
					stale.Kind = a.entry.entity.Kind
				}
				return fmt.Errorf("flush %s: %w", t, err)
			}
		}
	}
	return nil
}

// apply moves managed state forward once the plan has executed.
func (s *Session) apply(p *flushPlan) {
	for _, t := range []actionType{actionInsert, actionUpdate} {
		for _, a := range p.actions[t] {
			en := a.entry
			en.state = stateManaged
			en.version = a.record.Version
			en.snapshot = a.snapshot
			en.entity.Version = a.record.Version
			en.entity.CreatedAt = a.record.CreatedAt
			en.entity.UpdatedAt = a.record.UpdatedAt
		}
	}
	for en, rels := range p.members {
		for rel, m := range rels {
			en.members[rel] = m
		}
	}

	s.deletions = nil
	s.deleted = make(map[string]*entry)
	s.gone = make(map[*types.Entity]bool)
	live := s.order[:0]
	for _, en := range s.order {
		if en.state != stateDeleted {
			live = append(live, en)
		}
	}
	s.order = live
}
