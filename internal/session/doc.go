// Package session implements Larder's persistence contexts.
//
// A Session wraps one storage transaction. It keeps an identity map of the
// entities it manages, snapshots of their attributes and collection
// membership as storage last saw them, and the set of entities scheduled for
// insert or delete. Nothing is written until Flush, which diffs managed
// state against the snapshots and executes the resulting actions in the
// order unlink, delete, insert, update, link.
//
// Merge reconciles a detached entity graph into the session. Children that
// disappeared from a detached collection are unlinked, and deleted when the
// relationship has orphan removal.
package session
