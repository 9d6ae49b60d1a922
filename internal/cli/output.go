package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/mesh-intelligence/larder/pkg/types"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeEntity prints an entity graph as indented text, one entity per line
// followed by its attributes and loaded collections.
func writeEntity(w io.Writer, e *types.Entity) error {
	return writeEntityAt(w, e, 0, make(map[*types.Entity]bool))
}

func writeEntityAt(w io.Writer, e *types.Entity, depth int, seen map[*types.Entity]bool) error {
	indent := strings.Repeat("  ", depth)
	if seen[e] {
		_, err := fmt.Fprintf(w, "%s%s %s (see above)\n", indent, e.Kind, e.ID)
		return err
	}
	seen[e] = true
	if _, err := fmt.Fprintf(w, "%s%s %s v%d\n", indent, e.Kind, e.ID, e.Version); err != nil {
		return err
	}

	names := make([]string, 0, len(e.Attributes))
	for name := range e.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%s  %s: %v\n", indent, name, e.Attributes[name]); err != nil {
			return err
		}
	}

	for _, name := range e.CollectionNames() {
		c := e.Collection(name)
		if !c.Loaded() {
			continue
		}
		items, err := c.Items()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s  [%s] %d\n", indent, name, len(items)); err != nil {
			return err
		}
		for _, child := range items {
			if err := writeEntityAt(w, child, depth+2, seen); err != nil {
				return err
			}
		}
	}
	return nil
}
