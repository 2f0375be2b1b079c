// Package storage persists user profiles (which carry the daily schedule),
// the append-only delivery log and the downloaded-asset index.
//
// Two drivers are available:
//   - "sqlite": a single database file (modernc.org/sqlite, no cgo)
//   - "file": JSON Lines journal plus a periodic snapshot
package storage
