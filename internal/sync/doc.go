// Package sync implements the synchronization engine that reconciles the
// local record store with the server.
//
// A cycle runs per table and has two phases: push drains the change
// queue in FIFO order, presenting each record's version token; pull
// fetches records changed since the table's watermark and applies them
// locally. Tables sync independently and concurrently, but each table's
// cycles are serialized, so the queue order within a table is never
// violated.
//
// Conflicts (stale version token on push, or a pulled record that is
// dirty locally) resolve by the table's merge policy: last-write-wins
// for descriptive tables, numeric delta reconciliation for ledger
// tables. Remote deletions win over local edits. Every resolution is
// reported through the Notifier so the user can see what happened.
//
// Failures follow the remote error taxonomy: transient errors back off
// exponentially and retry, auth errors pause the engine, validation
// errors dead-letter the entry immediately, and storage errors abort
// the cycle.
package sync
