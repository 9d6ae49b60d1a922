package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// entityJSON is the wire form of a detached entity graph. Only loaded
// collections are encoded; a collection key that is absent decodes as "not
// loaded" and is skipped by merge.
type entityJSON struct {
	Kind        string               `json:"kind"`
	ID          string               `json:"id,omitempty"`
	Version     int64                `json:"version,omitempty"`
	Attributes  map[string]any       `json:"attributes,omitempty"`
	Collections map[string][]*Entity `json:"collections,omitempty"`
	CreatedAt   *time.Time           `json:"created_at,omitempty"`
	UpdatedAt   *time.Time           `json:"updated_at,omitempty"`
}

// MarshalJSON encodes the entity and its loaded collections.
func (e *Entity) MarshalJSON() ([]byte, error) {
	out := entityJSON{
		Kind:       e.Kind,
		ID:         e.ID,
		Version:    e.Version,
		Attributes: e.Attributes,
	}
	if !e.CreatedAt.IsZero() {
		out.CreatedAt = &e.CreatedAt
	}
	if !e.UpdatedAt.IsZero() {
		out.UpdatedAt = &e.UpdatedAt
	}
	for _, name := range e.CollectionNames() {
		c := e.collections[name]
		if !c.Loaded() {
			continue
		}
		items, err := c.Items()
		if err != nil {
			return nil, err
		}
		if out.Collections == nil {
			out.Collections = make(map[string][]*Entity)
		}
		out.Collections[name] = items
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a detached entity graph.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var in entityJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEntity)
	}
	*e = Entity{
		Kind:       in.Kind,
		ID:         in.ID,
		Version:    in.Version,
		Attributes: in.Attributes,
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	if in.CreatedAt != nil {
		e.CreatedAt = *in.CreatedAt
	}
	if in.UpdatedAt != nil {
		e.UpdatedAt = *in.UpdatedAt
	}
	for name, children := range in.Collections {
		e.SetCollection(name, NewCollection(children...))
	}
	return nil
}
