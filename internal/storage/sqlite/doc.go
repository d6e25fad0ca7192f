// Package sqlite persists analysis runs in SQLite: one row per run, a
// summary row per processed event and a row per aborted event.
//
// The schema is owned by the embedded golang-migrate migrations; Open
// applies them before returning.
package sqlite
