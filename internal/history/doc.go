// Package history records query runs in a SQLite database.
//
// Every evaluation gets a Run row keyed by a UUID. A run starts as running
// and ends exactly once as completed, failed, or cancelled. Each run owns an
// output directory under the storage queries directory holding its BQRS file
// and a snapshot of the query text; removing or pruning a run deletes that
// directory too.
//
// The schema is managed by embedded, ordered SQL migrations recorded in the
// schema_migrations table.
package history
