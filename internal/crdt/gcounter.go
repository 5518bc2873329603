package crdt

import "sort"

// GCounter is a grow-only counter with one entry per region.
type GCounter struct {
	Counts map[string]uint64 `json:"counts"`
}

// NewGCounter returns an empty grow-only counter.
func NewGCounter() GCounter {
	return GCounter{Counts: map[string]uint64{}}
}

// Kind implements Value.
func (GCounter) Kind() Kind { return KindGCounter }

// Increment returns a counter with region's entry raised by n.
func (c GCounter) Increment(region string, n uint64) GCounter {
	out := c.clone()
	out.Counts[region] += n
	return out
}

// Value is the sum across regions.
func (c GCounter) Value() uint64 {
	var total uint64
	for _, n := range c.Counts {
		total += n
	}
	return total
}

// Merge takes the per-region maximum of both counters.
func (c GCounter) Merge(other GCounter) GCounter {
	out := c.clone()
	for region, n := range other.Counts {
		if n > out.Counts[region] {
			out.Counts[region] = n
		}
	}
	return out
}

// Equal reports whether both counters hold the same per-region state.
// A missing region equals an explicit zero.
func (c GCounter) Equal(other GCounter) bool {
	for region, n := range c.Counts {
		if other.Counts[region] != n {
			return false
		}
	}
	for region, n := range other.Counts {
		if c.Counts[region] != n {
			return false
		}
	}
	return true
}

// Regions returns the regions with a non-zero entry, sorted.
func (c GCounter) Regions() []string {
	out := make([]string, 0, len(c.Counts))
	for region, n := range c.Counts {
		if n > 0 {
			out = append(out, region)
		}
	}
	sort.Strings(out)
	return out
}

func (c GCounter) clone() GCounter {
	out := GCounter{Counts: make(map[string]uint64, len(c.Counts)+1)}
	for region, n := range c.Counts {
		out.Counts[region] = n
	}
	return out
}
