// Package types defines the entity model, relationship metadata, lazy
// handles, storage interfaces, and standard error types for Larder.
//
// An Entity is transient until saved, managed while a session tracks it,
// and detached once that session closes. Detached graphs are merged back
// into a session; see internal/session.
package types
