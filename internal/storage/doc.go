// Package storage persists the scheduler's durable state: the task
// manifest, backoff ledgers, and quarantine records.
//
// WorkerHandles and ResourcePermits are deliberately not persisted; they
// are runtime-only and reconstructed from scratch after a restart.
package storage
