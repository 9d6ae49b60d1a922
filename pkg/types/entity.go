package types

import (
	"sort"
	"time"
)

// Entity is a node in an entity graph: identity, scalar attributes, and
// named owned child collections. The same struct serves transient, managed,
// and detached instances; which one it is depends on whether a session
// tracks it.
type Entity struct {
	Kind       string         // Entity kind; must be registered in the Metamodel.
	ID         string         // Surrogate key. Empty while transient.
	Version    int64          // Optimistic lock version. Zero skips the merge-time check.
	Attributes map[string]any // Scalar values keyed by attribute name.
	CreatedAt  time.Time
	UpdatedAt  time.Time

	collections map[string]*Collection
}

// NewEntity returns a transient entity of the given kind.
func NewEntity(kind string) *Entity {
	return &Entity{Kind: kind, Attributes: make(map[string]any)}
}

// Set assigns a scalar attribute.
func (e *Entity) Set(name string, value any) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[name] = value
}

// Get returns a scalar attribute.
func (e *Entity) Get(name string) (any, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}

// GetString returns a string attribute, or "" if absent or not a string.
func (e *Entity) GetString(name string) string {
	s, _ := e.Attributes[name].(string)
	return s
}

// Collection returns the named collection, creating a loaded empty one if
// the entity has none.
func (e *Entity) Collection(name string) *Collection {
	if c, ok := e.collections[name]; ok {
		return c
	}
	c := NewCollection()
	e.SetCollection(name, c)
	return c
}

// LookupCollection returns the named collection without creating it.
func (e *Entity) LookupCollection(name string) (*Collection, bool) {
	c, ok := e.collections[name]
	return c, ok
}

// SetCollection installs c under name, replacing any previous collection.
func (e *Entity) SetCollection(name string, c *Collection) {
	if e.collections == nil {
		e.collections = make(map[string]*Collection)
	}
	e.collections[name] = c
}

// CollectionNames returns the names of all collections in sorted order.
func (e *Entity) CollectionNames() []string {
	names := make([]string, 0, len(e.collections))
	for n := range e.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Detach drops the loaders of all collections. Collections resolved before
// the call keep their membership; unresolved ones become inaccessible.
func (e *Entity) Detach() {
	for _, c := range e.collections {
		c.handle.Detach()
	}
}

// Collection is an ordered list of child entities behind a lazy handle.
type Collection struct {
	handle *Lazy[[]*Entity]
}

// NewCollection returns a loaded collection holding children.
func NewCollection(children ...*Entity) *Collection {
	items := make([]*Entity, len(children))
	copy(items, children)
	return &Collection{handle: Resolved(items)}
}

// DeferredCollection returns an unloaded collection resolved by load.
func DeferredCollection(load func() ([]*Entity, error)) *Collection {
	return &Collection{handle: Deferred(load)}
}

// Loaded reports whether the membership is known.
func (c *Collection) Loaded() bool {
	return c.handle.Loaded()
}

// Items returns a copy of the children, resolving the collection if needed.
func (c *Collection) Items() ([]*Entity, error) {
	items, err := c.handle.Get()
	if err != nil {
		return nil, err
	}
	out := make([]*Entity, len(items))
	copy(out, items)
	return out, nil
}

// IDs returns the identities of the children in order. Transient children
// contribute an empty string.
func (c *Collection) IDs() ([]string, error) {
	items, err := c.handle.Get()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(items))
	for i, child := range items {
		ids[i] = child.ID
	}
	return ids, nil
}

// Len returns the number of children.
func (c *Collection) Len() (int, error) {
	items, err := c.handle.Get()
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Add appends children.
func (c *Collection) Add(children ...*Entity) error {
	items, err := c.handle.Get()
	if err != nil {
		return err
	}
	c.handle.Set(append(items, children...))
	return nil
}

// Remove drops the child with the given ID and reports whether it was present.
func (c *Collection) Remove(id string) (bool, error) {
	items, err := c.handle.Get()
	if err != nil {
		return false, err
	}
	for i, child := range items {
		if child.ID == id {
			out := make([]*Entity, 0, len(items)-1)
			out = append(out, items[:i]...)
			out = append(out, items[i+1:]...)
			c.handle.Set(out)
			return true, nil
		}
	}
	return false, nil
}

// Clear removes every child.
func (c *Collection) Clear() error {
	if _, err := c.handle.Get(); err != nil {
		return err
	}
	c.handle.Set(nil)
	return nil
}

// Replace sets the membership to children and marks the collection loaded.
func (c *Collection) Replace(children []*Entity) {
	items := make([]*Entity, len(children))
	copy(items, children)
	c.handle.Set(items)
}
