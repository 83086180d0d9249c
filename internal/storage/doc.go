// Package storage provides the durable key-value store taskpulse keeps its
// local state in: the notification snapshot and the bearer token.
//
// Drivers:
//   - "memory": process-local map (tests, throwaway runs)
//   - "file": one JSON document rewritten atomically (temp file + rename)
//   - "sqlite": a kv table in a SQLite database (modernc.org/sqlite, no cgo)
package storage
