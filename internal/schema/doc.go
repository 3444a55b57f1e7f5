// Package schema defines the record envelope and table registry shared by
// the local store, change queue, and sync engine.
//
// Every domain row (store, employee, customer, product, stock entry,
// service order, invoice, cash entry, goal) is carried as a Record: the
// domain fields live in a flat JSON object, and the envelope adds the
// sync-tracking columns the engine needs:
//
//   - SyncVersion: server-owned monotonic version, the optimistic
//     concurrency token presented on every push
//   - LastModified: local-clock timestamp, bumped on every local write
//   - NeedsSync: true while the local copy diverges from the last known
//     server state
//
// The registry (Tables, Lookup) declares which tables exist and which
// conflict policy each one uses. Ledger-style tables (cash, stock)
// reconcile numeric fields by delta instead of whole-record overwrite,
// so concurrent quantity changes from two devices are both preserved.
//
// Records can also be serialized to individual JSON files
// ({table}--{id}.json) for the offline import path; see ReadRecordFile
// and the importer package.
package schema
