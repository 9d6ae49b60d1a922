package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// Row and JSONL record structures. The db tags serve sqlx scanning; the
// json tags define the line format of entities.jsonl and links.jsonl.

// entityRow is a row of the entities table.
type entityRow struct {
	EntityID   string `db:"entity_id"`
	Kind       string `db:"kind"`
	Attributes string `db:"attributes"`
	Version    int64  `db:"version"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

// entityJSON represents an entity in entities.jsonl. Attributes are kept as
// a JSON object so the files stay readable and diffable.
type entityJSON struct {
	EntityID   string          `json:"entity_id"`
	Kind       string          `json:"kind"`
	Attributes json.RawMessage `json:"attributes"`
	Version    int64           `json:"version"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

// linkRow is a row of the links table and a line of links.jsonl.
type linkRow struct {
	LinkID    string `db:"link_id" json:"link_id"`
	LinkType  string `db:"link_type" json:"link_type"`
	FromID    string `db:"from_id" json:"from_id"`
	ToID      string `db:"to_id" json:"to_id"`
	Position  int    `db:"position" json:"position"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// hydrateRecord converts an entities row into a *types.Record.
func hydrateRecord(row entityRow) (*types.Record, error) {
	rec := &types.Record{
		ID:      row.EntityID,
		Kind:    row.Kind,
		Version: row.Version,
	}
	if err := json.Unmarshal([]byte(row.Attributes), &rec.Attributes); err != nil {
		return nil, fmt.Errorf("parsing attributes of %s: %w", row.EntityID, err)
	}
	if rec.Attributes == nil {
		rec.Attributes = make(map[string]any)
	}
	var err error
	rec.CreatedAt, err = time.Parse(timeFormat, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at of %s: %w", row.EntityID, err)
	}
	rec.UpdatedAt, err = time.Parse(timeFormat, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at of %s: %w", row.EntityID, err)
	}
	return rec, nil
}

// dehydrateRecord converts a *types.Record into an entities row.
func dehydrateRecord(rec *types.Record) (entityRow, error) {
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return entityRow{}, fmt.Errorf("marshaling attributes of %s: %w", rec.ID, err)
	}
	return entityRow{
		EntityID:   rec.ID,
		Kind:       rec.Kind,
		Attributes: string(b),
		Version:    rec.Version,
		CreatedAt:  formatTime(rec.CreatedAt),
		UpdatedAt:  formatTime(rec.UpdatedAt),
	}, nil
}

// hydrateLink converts a links row into a *types.Link.
func hydrateLink(row linkRow) (*types.Link, error) {
	createdAt, err := time.Parse(timeFormat, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at of link %s: %w", row.LinkID, err)
	}
	return &types.Link{
		LinkID:    row.LinkID,
		LinkType:  row.LinkType,
		FromID:    row.FromID,
		ToID:      row.ToID,
		Position:  row.Position,
		CreatedAt: createdAt,
	}, nil
}
