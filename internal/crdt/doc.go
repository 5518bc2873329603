// Package crdt implements the state-based conflict-free replicated data types
// used as conflict resolution primitives: GCounter, PNCounter, GSet, ORSet and
// LWWRegister.
//
// All types are values. Mutators return a new value and never modify the
// receiver, and every Merge is commutative, associative and idempotent, so two
// replicas that have seen the same set of updates converge regardless of the
// order in which they were merged.
package crdt
