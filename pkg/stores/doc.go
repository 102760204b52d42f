// Package stores provides persistence layer implementations for OpenRig.
// It includes a SQLite-backed identity store with WAL mode, staged
// mutations flushed by a single-transaction Commit, and an append-only
// action audit log.
package stores
