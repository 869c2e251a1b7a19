// Package storage persists run summaries.
//
// Drivers:
//   - "file": one JSON document per run under a directory
//   - "sqlite": runs and outcomes tables in a SQLite database (modernc.org/sqlite)
package storage
