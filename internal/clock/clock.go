package clock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// VectorClock maps a region identifier to its logical counter.
// Thread-safe operations should be handled by the caller.
type VectorClock map[string]int64

// New creates a new empty vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Increment increments the counter for the given region.
// If the region doesn't exist, it's initialized to 1.
func (vc VectorClock) Increment(region string) {
	vc[region]++
}

// Get returns the counter value for the given region, or 0 if not present.
func (vc VectorClock) Get(region string) int64 {
	return vc[region]
}

// Set sets the counter for the given region.
func (vc VectorClock) Set(region string, value int64) {
	vc[region] = value
}

// Merge merges another vector clock into this one, taking the maximum
// counter value for each region.
func (vc VectorClock) Merge(other VectorClock) {
	for region, counter := range other {
		if vc[region] < counter {
			vc[region] = counter
		}
	}
}

// Copy creates a deep copy of the vector clock.
func (vc VectorClock) Copy() VectorClock {
	cp := make(VectorClock, len(vc))
	for k, v := range vc {
		cp[k] = v
	}
	return cp
}

// Relation is the causal relationship between two vector clocks.
type Relation int

const (
	// Before indicates this clock happened before the other.
	Before Relation = iota
	// After indicates this clock happened after the other.
	After
	// Concurrent indicates neither clock dominates.
	Concurrent
	// Equal indicates the clocks are equal.
	Equal
)

// String returns the lower-case name of the relation.
func (r Relation) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	case Equal:
		return "equal"
	default:
		return "unknown"
	}
}

// Inverse returns the relation seen from the other clock.
func (r Relation) Inverse() Relation {
	switch r {
	case Before:
		return After
	case After:
		return Before
	default:
		return r
	}
}

// Compare compares two vector clocks and returns their relationship.
// Regions missing from either side count as zero. Runs in O(regions).
//   - Equal: all counters are equal
//   - Before: all counters of vc <= other
//   - After: all counters of vc >= other
//   - Concurrent: neither dominates
func (vc VectorClock) Compare(other VectorClock) Relation {
	var less, greater bool
	for region, a := range vc {
		b := other[region]
		if a < b {
			less = true
		} else if a > b {
			greater = true
		}
	}
	for region, b := range other {
		if _, seen := vc[region]; seen {
			continue
		}
		if b > 0 {
			less = true
		} else if b < 0 {
			greater = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Compare is the free-function form of VectorClock.Compare. Nil clocks are
// treated as empty.
func Compare(a, b VectorClock) Relation {
	return a.Compare(b)
}

// Equal checks if two vector clocks are equal, treating absent regions as zero.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Compare(other) == Equal
}

// Dominates returns true if this clock happened strictly after the other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == After
}

// Covers returns true if this clock is after or equal to the other.
func (vc VectorClock) Covers(other VectorClock) bool {
	r := vc.Compare(other)
	return r == After || r == Equal
}

// IsConcurrent returns true if this clock is concurrent with the other.
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// Regions returns the regions present in the clock in sorted order.
func (vc VectorClock) Regions() []string {
	regions := make([]string, 0, len(vc))
	for k := range vc {
		regions = append(regions, k)
	}
	sort.Strings(regions)
	return regions
}

// String returns a string representation of the vector clock.
func (vc VectorClock) String() string {
	if len(vc) == 0 {
		return "{}"
	}

	// Sort for deterministic output
	var parts []string
	for _, k := range vc.Regions() {
		parts = append(parts, fmt.Sprintf("%s:%d", k, vc[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Parse decodes a clock from its JSON object form, e.g. {"us":1,"eu":2}.
func Parse(s string) (VectorClock, error) {
	vc := New()
	if strings.TrimSpace(s) == "" {
		return vc, nil
	}
	if err := json.Unmarshal([]byte(s), &vc); err != nil {
		return nil, fmt.Errorf("invalid vector clock %q: %w", s, err)
	}
	for region, counter := range vc {
		if region == "" {
			return nil, fmt.Errorf("vector clock contains empty region")
		}
		if counter < 0 {
			return nil, fmt.Errorf("vector clock contains negative counter for region %s", region)
		}
	}
	return vc, nil
}
