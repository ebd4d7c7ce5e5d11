// Package storage persists per-chat watchlists: the Twitch channels a chat
// follows and the notification URLs it fans out to.
//
// Three drivers share one contract:
//   - "file": a JSON document compatible with the legacy watchlists.json
//   - "sqlite": a single SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": a PostgreSQL database via pgx
//
// Every mutation is persisted before it returns. Reads return copies.
package storage
