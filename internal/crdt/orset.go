package crdt

import (
	"sort"

	"github.com/google/uuid"
)

// ORSet is an observed-removed set. Every add carries a unique tag and a
// remove tombstones only the tags it has observed, so an add that is
// concurrent with a remove survives the merge.
type ORSet struct {
	Adds    map[string]map[string]struct{} `json:"adds"`
	Removes map[string]map[string]struct{} `json:"removes"`
}

// NewORSet returns an empty set.
func NewORSet() ORSet {
	return ORSet{
		Adds:    map[string]map[string]struct{}{},
		Removes: map[string]map[string]struct{}{},
	}
}

// Kind implements Value.
func (ORSet) Kind() Kind { return KindORSet }

// Add returns a set where e carries the add-tag tag.
func (s ORSet) Add(e, tag string) ORSet {
	out := s.clone()
	tags, ok := out.Adds[e]
	if !ok {
		tags = map[string]struct{}{}
		out.Adds[e] = tags
	}
	tags[tag] = struct{}{}
	return out
}

// AddNew adds e under a freshly generated unique tag and returns the tag.
func (s ORSet) AddNew(e string) (ORSet, string) {
	tag := uuid.NewString()
	return s.Add(e, tag), tag
}

// Remove tombstones every add-tag of e observed by this replica.
func (s ORSet) Remove(e string) ORSet {
	out := s.clone()
	observed := out.Adds[e]
	if len(observed) == 0 {
		return out
	}
	tombs, ok := out.Removes[e]
	if !ok {
		tombs = map[string]struct{}{}
		out.Removes[e] = tombs
	}
	for tag := range observed {
		tombs[tag] = struct{}{}
	}
	return out
}

// Contains reports whether e has at least one add-tag without a tombstone.
func (s ORSet) Contains(e string) bool {
	tombs := s.Removes[e]
	for tag := range s.Adds[e] {
		if _, removed := tombs[tag]; !removed {
			return true
		}
	}
	return false
}

// Members returns the live elements in sorted order.
func (s ORSet) Members() []string {
	out := make([]string, 0, len(s.Adds))
	for e := range s.Adds {
		if s.Contains(e) {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// Merge unions add-tags and remove-tags per element.
func (s ORSet) Merge(other ORSet) ORSet {
	out := s.clone()
	unionTags(out.Adds, other.Adds)
	unionTags(out.Removes, other.Removes)
	return out
}

// Equal compares the full tag state, not just membership.
func (s ORSet) Equal(other ORSet) bool {
	return tagsEqual(s.Adds, other.Adds) && tagsEqual(s.Removes, other.Removes)
}

func (s ORSet) clone() ORSet {
	out := NewORSet()
	unionTags(out.Adds, s.Adds)
	unionTags(out.Removes, s.Removes)
	return out
}

func unionTags(dst, src map[string]map[string]struct{}) {
	for e, tags := range src {
		if len(tags) == 0 {
			continue
		}
		d, ok := dst[e]
		if !ok {
			d = make(map[string]struct{}, len(tags))
			dst[e] = d
		}
		for tag := range tags {
			d[tag] = struct{}{}
		}
	}
}

func tagsEqual(a, b map[string]map[string]struct{}) bool {
	return tagsSubset(a, b) && tagsSubset(b, a)
}

func tagsSubset(a, b map[string]map[string]struct{}) bool {
	for e, tags := range a {
		for tag := range tags {
			if _, ok := b[e][tag]; !ok {
				return false
			}
		}
	}
	return true
}
