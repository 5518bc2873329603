// Package repair detects conflicting versions of a key using vector clocks
// and resolves them with a configurable strategy: last-write-wins, CRDT
// merge, a caller-supplied merge function, or no automatic resolution at all
// (vector-clock-only), in which case the conflict stays pending until it is
// merged by hand.
package repair
