// Package storage persists bots, recipients, the delivery ledger and the
// inbound event journal.
//
// Drivers:
//   - "memory": process-local maps (tests, throwaway runs)
//   - "file": memory plus a JSON snapshot on disk
//   - "sqlite": modernc.org/sqlite, pure Go
//   - "postgres": lib/pq
//
// Every recipient mutation is a single keyed statement so concurrent inbound
// traffic and dispatch outcomes never lose updates.
package storage
