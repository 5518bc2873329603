package repair

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"georepl/internal/storage"
)

// Conflict records two concurrent versions of the same key.
type Conflict struct {
	ID         string
	Key        string
	Local      storage.VersionedData
	Remote     storage.VersionedData
	DetectedAt time.Time

	Resolved   bool
	Resolution []byte
	Strategy   Strategy
	Ambiguous  bool
	ResolvedAt time.Time
}

func (c Conflict) copy() Conflict {
	out := c
	out.Local = c.Local.Copy()
	out.Remote = c.Remote.Copy()
	if c.Resolution != nil {
		out.Resolution = append([]byte(nil), c.Resolution...)
	}
	return out
}

// ConflictTable is the record of every conflict seen by a region process.
type ConflictTable struct {
	mu        sync.RWMutex
	conflicts map[string]*Conflict
	order     []string
	pending   int
}

// NewConflictTable creates an empty table.
func NewConflictTable() *ConflictTable {
	return &ConflictTable{conflicts: make(map[string]*Conflict)}
}

// Open records a new unresolved conflict and returns it.
func (t *ConflictTable) Open(key string, local, remote storage.VersionedData, at time.Time) Conflict {
	c := &Conflict{
		ID:         uuid.NewString(),
		Key:        key,
		Local:      local.Copy(),
		Remote:     remote.Copy(),
		DetectedAt: at,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.conflicts[c.ID] = c
	t.order = append(t.order, c.ID)
	t.pending++
	return c.copy()
}

// MarkResolved records the resolution of conflict id.
func (t *ConflictTable) MarkResolved(id string, strategy Strategy, res Resolution, at time.Time) (Conflict, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conflicts[id]
	if !ok {
		return Conflict{}, fmt.Errorf("unknown conflict %s", id)
	}
	if !c.Resolved {
		t.pending--
	}
	c.Resolved = true
	c.Resolution = append([]byte(nil), res.Data...)
	c.Strategy = strategy
	c.Ambiguous = res.Ambiguous
	c.ResolvedAt = at
	return c.copy(), nil
}

// Get returns conflict id.
func (t *ConflictTable) Get(id string) (Conflict, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.conflicts[id]
	if !ok {
		return Conflict{}, false
	}
	return c.copy(), true
}

// List returns every conflict in detection order.
func (t *ConflictTable) List() []Conflict {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Conflict, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.conflicts[id].copy())
	}
	return out
}

// PendingFor returns the unresolved conflicts on key, oldest first.
func (t *ConflictTable) PendingFor(key string) []Conflict {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Conflict
	for _, id := range t.order {
		if c := t.conflicts[id]; c.Key == key && !c.Resolved {
			out = append(out, c.copy())
		}
	}
	return out
}

// PendingWith returns the unresolved conflict on key that already holds
// remote, if any.
func (t *ConflictTable) PendingWith(key string, remote storage.VersionedData) (Conflict, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, id := range t.order {
		c := t.conflicts[id]
		if c.Key != key || c.Resolved {
			continue
		}
		if c.Remote.Checksum == remote.Checksum && c.Remote.VectorClock.Equal(remote.VectorClock) {
			return c.copy(), true
		}
	}
	return Conflict{}, false
}

// Pending returns the number of unresolved conflicts.
func (t *ConflictTable) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pending
}
