// Package storage holds the region-local versioned state of every replicated
// key. Each value is a VersionedData snapshot: payload bytes, the vector clock
// that produced it, the wall-clock write time, the origin region and a SHA-256
// checksum of the payload used to verify integrity on receipt.
package storage
