// Package lag tracks per-region replication delay.
//
// Samples may be pushed by the receive path (event age on arrival) or pulled
// by a background loop that asks a Sampler for each peer region on a fixed
// interval. For every region the monitor keeps the latest sample, an
// exponentially weighted moving average (alpha 0.1) and the running maximum,
// and signals when the latest sample crosses the high-lag threshold.
//
// Recording is O(1) under a short lock and never blocks the write path. A
// failed sample for one region is logged and skipped; it does not stop the
// loop for the others.
package lag
