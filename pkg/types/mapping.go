package types

import (
	"fmt"
	"sort"
)

// FetchStrategy controls when a relationship's collection is loaded.
type FetchStrategy string

// Fetch strategies. Lazy is the default.
const (
	FetchLazy  FetchStrategy = "lazy"
	FetchEager FetchStrategy = "eager"
)

// Relationship configures one owned child collection of an entity kind.
type Relationship struct {
	// Name is the collection name on the owner, also stored as the link type.
	Name string `json:"name" yaml:"name" mapstructure:"name"`

	// Target is the child entity kind.
	Target string `json:"target" yaml:"target" mapstructure:"target"`

	// CascadeOnSave propagates save and merge to new children.
	CascadeOnSave bool `json:"cascade_on_save" yaml:"cascade_on_save" mapstructure:"cascade_on_save"`

	// OrphanRemoval deletes children removed from the collection instead of
	// only unlinking them. Deleting the owner deletes the children too.
	OrphanRemoval bool `json:"orphan_removal" yaml:"orphan_removal" mapstructure:"orphan_removal"`

	// Fetch is FetchLazy or FetchEager; empty means lazy.
	Fetch FetchStrategy `json:"fetch,omitempty" yaml:"fetch,omitempty" mapstructure:"fetch"`
}

// EffectiveFetch returns the fetch strategy, defaulting to FetchLazy.
func (r Relationship) EffectiveFetch() FetchStrategy {
	if r.Fetch == "" {
		return FetchLazy
	}
	return r.Fetch
}

// Mapping describes an entity kind and its owned relationships.
type Mapping struct {
	Kind          string         `json:"kind" yaml:"kind" mapstructure:"kind"`
	Relationships []Relationship `json:"relationships,omitempty" yaml:"relationships,omitempty" mapstructure:"relationships"`
}

// Relationship returns the named relationship of the kind.
func (m Mapping) Relationship(name string) (Relationship, bool) {
	for _, r := range m.Relationships {
		if r.Name == name {
			return r, true
		}
	}
	return Relationship{}, false
}

// Validate checks kind and relationship names and fetch strategies.
func (m Mapping) Validate() error {
	if m.Kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidMapping)
	}
	seen := make(map[string]bool, len(m.Relationships))
	for _, r := range m.Relationships {
		if r.Name == "" || r.Target == "" {
			return fmt.Errorf("%w: %s has a relationship without name or target", ErrInvalidMapping, m.Kind)
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: %s.%s declared twice", ErrInvalidMapping, m.Kind, r.Name)
		}
		seen[r.Name] = true
		switch r.EffectiveFetch() {
		case FetchLazy, FetchEager:
		default:
			return fmt.Errorf("%w: %s.%s has fetch strategy %q", ErrInvalidMapping, m.Kind, r.Name, r.Fetch)
		}
	}
	return nil
}

// Metamodel holds the mappings of all known entity kinds. It is built once
// at startup and read-only afterwards.
type Metamodel struct {
	mappings map[string]Mapping
}

// NewMetamodel registers the given mappings.
func NewMetamodel(mappings ...Mapping) (*Metamodel, error) {
	mm := &Metamodel{mappings: make(map[string]Mapping, len(mappings))}
	for _, m := range mappings {
		if err := mm.Register(m); err != nil {
			return nil, err
		}
	}
	return mm, nil
}

// Register adds a mapping. Relationship targets are checked by
// CheckTargets once every kind is registered.
func (mm *Metamodel) Register(m Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if _, ok := mm.mappings[m.Kind]; ok {
		return fmt.Errorf("%w: kind %s registered twice", ErrInvalidMapping, m.Kind)
	}
	mm.mappings[m.Kind] = m
	return nil
}

// CheckTargets returns an error if a relationship targets an unknown kind.
func (mm *Metamodel) CheckTargets() error {
	for _, kind := range mm.Kinds() {
		for _, r := range mm.mappings[kind].Relationships {
			if _, ok := mm.mappings[r.Target]; !ok {
				return fmt.Errorf("%w: %s.%s targets %s", ErrUnknownKind, kind, r.Name, r.Target)
			}
		}
	}
	return nil
}

// Lookup returns the mapping of kind or ErrUnknownKind.
func (mm *Metamodel) Lookup(kind string) (Mapping, error) {
	m, ok := mm.mappings[kind]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return m, nil
}

// Kinds returns the registered kinds in sorted order.
func (mm *Metamodel) Kinds() []string {
	kinds := make([]string, 0, len(mm.mappings))
	for k := range mm.mappings {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
