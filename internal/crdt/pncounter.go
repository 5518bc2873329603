package crdt

// PNCounter supports increments and decrements as a pair of grow-only counters.
type PNCounter struct {
	P GCounter `json:"p"`
	N GCounter `json:"n"`
}

// NewPNCounter returns a zero counter.
func NewPNCounter() PNCounter {
	return PNCounter{P: NewGCounter(), N: NewGCounter()}
}

// Kind implements Value.
func (PNCounter) Kind() Kind { return KindPNCounter }

// Increment returns a counter raised by n on behalf of region.
func (c PNCounter) Increment(region string, n uint64) PNCounter {
	return PNCounter{P: c.P.Increment(region, n), N: c.N.clone()}
}

// Decrement returns a counter lowered by n on behalf of region.
func (c PNCounter) Decrement(region string, n uint64) PNCounter {
	return PNCounter{P: c.P.clone(), N: c.N.Increment(region, n)}
}

// Value is positive minus negative.
func (c PNCounter) Value() int64 {
	return int64(c.P.Value()) - int64(c.N.Value())
}

// Merge merges both halves independently.
func (c PNCounter) Merge(other PNCounter) PNCounter {
	return PNCounter{P: c.P.Merge(other.P), N: c.N.Merge(other.N)}
}

// Equal reports state equality.
func (c PNCounter) Equal(other PNCounter) bool {
	return c.P.Equal(other.P) && c.N.Equal(other.N)
}
