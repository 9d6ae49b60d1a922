package sqlite

// Schema DDL for all tables. links.from_id is the child, links.to_id the
// owner, links.link_type the relationship name.
const (
	createEntities = `CREATE TABLE entities (
    entity_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    attributes TEXT NOT NULL,
    version INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);`

	createLinks = `CREATE TABLE links (
    link_id TEXT PRIMARY KEY,
    link_type TEXT NOT NULL,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    FOREIGN KEY (from_id) REFERENCES entities(entity_id),
    FOREIGN KEY (to_id) REFERENCES entities(entity_id)
);`
)

// Index DDL. idx_links_single_owner gives a child at most one owner per
// relationship.
const (
	idxEntitiesKind     = `CREATE INDEX idx_entities_kind ON entities(kind);`
	idxLinksUnique      = `CREATE UNIQUE INDEX idx_links_unique ON links(link_type, from_id, to_id);`
	idxLinksSingleOwner = `CREATE UNIQUE INDEX idx_links_single_owner ON links(link_type, from_id);`
	idxLinksTypeTo      = `CREATE INDEX idx_links_type_to ON links(link_type, to_id);`
)

// schemaDDL lists all CREATE TABLE statements in dependency order.
var schemaDDL = []string{
	createEntities,
	createLinks,
}

// indexDDL lists all CREATE INDEX statements.
var indexDDL = []string{
	idxEntitiesKind,
	idxLinksUnique,
	idxLinksSingleOwner,
	idxLinksTypeTo,
}
