package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"georepl/internal/codec"
	"georepl/internal/consistency"
	"georepl/internal/repair"
)

// bus delivers envelopes synchronously to in-process coordinators.
type bus struct {
	mu    sync.Mutex
	nodes map[string]*Coordinator
	fail  map[string]error
	gate  map[string]chan struct{}
	sent  []codec.Envelope
	hold  bool
}

func newBus() *bus {
	return &bus{
		nodes: make(map[string]*Coordinator),
		fail:  make(map[string]error),
		gate:  make(map[string]chan struct{}),
	}
}

func (b *bus) Name() string { return "bus" }

func (b *bus) Send(ctx context.Context, region string, env codec.Envelope) error {
	b.mu.Lock()
	b.sent = append(b.sent, env)
	err := b.fail[region]
	gate := b.gate[region]
	node := b.nodes[region]
	hold := b.hold
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	if node == nil || hold {
		return nil
	}
	return node.HandleRemote(ctx, env)
}

func (b *bus) attach(c *Coordinator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[c.Region()] = c
}

func (b *bus) setFail(region string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[region] = err
}

func (b *bus) setGate(region string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate[region] = ch
}

func (b *bus) setHold(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = hold
}

func (b *bus) envelopes() []codec.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]codec.Envelope(nil), b.sent...)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(ms int64) *fixedClock {
	return &fixedClock{now: time.UnixMilli(ms)}
}

func (f *fixedClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixedClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func testConfig(region string, peers ...string) Config {
	return Config{
		Region:           region,
		Peers:            peers,
		DefaultLevel:     consistency.Eventual,
		ConflictStrategy: repair.StrategyLastWriteWins,
		PerRegionTimeout: time.Second,
		LagThreshold:     time.Hour,
	}
}

func startCoordinator(t *testing.T, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	c := New(cfg, opts...)
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

// collect drains events from ch until n have arrived or the timeout hits.
func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	return out
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func filter(events []Event, keep ...EventKind) []Event {
	var out []Event
	for _, e := range events {
		for _, k := range keep {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
