// This file provides JSONL read/write helpers with atomic persistence.
package sqlite

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
)

// JSONL file names in DataDir.
const (
	entitiesFile = "entities.jsonl"
	linksFile    = "links.jsonl"
)

// readJSONL reads a JSONL file and returns each non-empty, parseable line as
// a json.RawMessage. Malformed lines are skipped.
func readJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		records = append(records, json.RawMessage(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return records, nil
}

// writeJSONL atomically writes records to a JSONL file using the temp-file,
// fsync, rename pattern.
func writeJSONL(path string, records []json.RawMessage) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	fail := func(format string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf(format, err)
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			return fail("writing record: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fail("writing newline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fail("flushing buffer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// initJSONLFiles creates empty JSONL files that do not exist yet.
func initJSONLFiles(dataDir string) error {
	for _, name := range []string{entitiesFile, linksFile} {
		path := filepath.Join(dataDir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", name, err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return fmt.Errorf("creating %s: %w", name, err)
		}
	}
	return nil
}

// persistEntitiesJSONL rewrites entities.jsonl from the entities table.
func persistEntitiesJSONL(db *sqlx.DB, dataDir string) error {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("entity_id", "kind", "attributes", "version", "created_at", "updated_at")
	sb.From("entities")
	sb.OrderBy("created_at", "entity_id")
	query, args := sb.Build()

	var rows []entityRow
	if err := db.Select(&rows, query, args...); err != nil {
		return fmt.Errorf("reading entities: %w", err)
	}

	records := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		b, err := json.Marshal(entityJSON{
			EntityID:   r.EntityID,
			Kind:       r.Kind,
			Attributes: json.RawMessage(r.Attributes),
			Version:    r.Version,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("marshaling entity %s: %w", r.EntityID, err)
		}
		records = append(records, b)
	}
	return writeJSONL(filepath.Join(dataDir, entitiesFile), records)
}

// persistLinksJSONL rewrites links.jsonl from the links table.
func persistLinksJSONL(db *sqlx.DB, dataDir string) error {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("link_id", "link_type", "from_id", "to_id", "position", "created_at")
	sb.From("links")
	sb.OrderBy("to_id", "link_type", "position")
	query, args := sb.Build()

	var rows []linkRow
	if err := db.Select(&rows, query, args...); err != nil {
		return fmt.Errorf("reading links: %w", err)
	}

	records := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling link %s: %w", r.LinkID, err)
		}
		records = append(records, b)
	}
	return writeJSONL(filepath.Join(dataDir, linksFile), records)
}
