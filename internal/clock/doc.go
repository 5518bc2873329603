// Package clock provides the vector clock engine used to track causality of
// replicated writes across regions. Every replicated key owns one clock that
// maps a region identifier to a monotonically increasing counter. A region only
// ever increments its own entry; merges take the per-region maximum.
package clock
