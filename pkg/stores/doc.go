// Package stores keeps nixh execution history and the persisted event log.
//
// Two storage tiers implement Store: SQLiteStore, a WAL-mode database with
// embedded migrations, and MemoryStore, a bounded in-process log used when
// the database cannot be opened. NewStorageChain orders them.
package stores
