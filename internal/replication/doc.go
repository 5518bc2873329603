// Package replication is the region-local coordinator of the replication
// engine.
//
// A Coordinator owns the per-key vector clocks, the local versioned store
// and the conflict table for one region process. Local writes go through
// Replicate: the key is locked, its clock stamped and the version stored,
// then the lock is released and the version is fanned out to the target
// regions through every configured Sink under the selected consistency
// level. Versions arriving from peers go through HandleRemote, which
// verifies the checksum, records lag, compares clocks and either drops,
// adopts or opens a conflict and runs the configured resolver.
//
// Events (conflict, conflictResolved, lagUpdated, highLag and the
// operational checksumRejected and propagationFailed) are delivered in
// order to Observers and Subscribe channels from a single goroutine.
package replication
