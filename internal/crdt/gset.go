package crdt

import "sort"

// GSet is a grow-only set of strings. Elements are never removed.
type GSet struct {
	Elements map[string]struct{} `json:"elements"`
}

// NewGSet returns an empty set.
func NewGSet() GSet {
	return GSet{Elements: map[string]struct{}{}}
}

// Kind implements Value.
func (GSet) Kind() Kind { return KindGSet }

// Add returns a set that also contains e.
func (s GSet) Add(e string) GSet {
	out := s.clone()
	out.Elements[e] = struct{}{}
	return out
}

// Contains reports membership of e.
func (s GSet) Contains(e string) bool {
	_, ok := s.Elements[e]
	return ok
}

// Members returns the elements in sorted order.
func (s GSet) Members() []string {
	out := make([]string, 0, len(s.Elements))
	for e := range s.Elements {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Merge is set union.
func (s GSet) Merge(other GSet) GSet {
	out := s.clone()
	for e := range other.Elements {
		out.Elements[e] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold the same elements.
func (s GSet) Equal(other GSet) bool {
	if len(s.Elements) != len(other.Elements) {
		return false
	}
	for e := range s.Elements {
		if _, ok := other.Elements[e]; !ok {
			return false
		}
	}
	return true
}

func (s GSet) clone() GSet {
	out := GSet{Elements: make(map[string]struct{}, len(s.Elements)+1)}
	for e := range s.Elements {
		out.Elements[e] = struct{}{}
	}
	return out
}
