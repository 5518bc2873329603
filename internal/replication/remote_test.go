package replication

import (
	"bytes"
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"georepl/internal/clock"
	"georepl/internal/codec"
	"georepl/internal/crdt"
	replerr "georepl/internal/errors"
	"georepl/internal/lag"
	"georepl/internal/repair"
	"georepl/internal/storage"
)

// pair is two regions whose outbound envelopes are captured, not delivered.
type pair struct {
	us, eu       *Coordinator
	usBus, euBus *bus
	usNow, euNow *fixedClock
}

func newPair(t *testing.T, strategy repair.Strategy, usAt, euAt int64, opts ...Option) *pair {
	t.Helper()
	p := &pair{
		usBus: newBus(),
		euBus: newBus(),
		usNow: newFixedClock(usAt),
		euNow: newFixedClock(euAt),
	}
	p.usBus.setHold(true)
	p.euBus.setHold(true)

	usCfg := testConfig("us", "eu")
	usCfg.ConflictStrategy = strategy
	euCfg := testConfig("eu", "us")
	euCfg.ConflictStrategy = strategy

	p.us = startCoordinator(t, usCfg, append([]Option{WithSinks(p.usBus), WithClock(p.usNow.Now)}, opts...)...)
	p.eu = startCoordinator(t, euCfg, append([]Option{WithSinks(p.euBus), WithClock(p.euNow.Now)}, opts...)...)
	return p
}

// write replicates data from c and returns the captured envelope.
func write(t *testing.T, c *Coordinator, b *bus, key string, data []byte) codec.Envelope {
	t.Helper()
	before := len(b.envelopes())
	res, err := c.Replicate(context.Background(), key, data, Options{})
	require.NoError(t, err)
	require.NoError(t, res.WaitBackground(context.Background()))
	sent := b.envelopes()
	require.Len(t, sent, before+1)
	return sent[before]
}

// exchange writes concurrently in both regions and crosses the envelopes.
func (p *pair) exchange(t *testing.T, key string, usData, euData []byte) (usEnv, euEnv codec.Envelope) {
	t.Helper()
	usEnv = write(t, p.us, p.usBus, key, usData)
	euEnv = write(t, p.eu, p.euBus, key, euData)

	require.NoError(t, p.eu.HandleRemote(context.Background(), usEnv))
	require.NoError(t, p.us.HandleRemote(context.Background(), euEnv))
	return usEnv, euEnv
}

func TestHandleRemote_ConcurrentWritesConvergeUnderLWW(t *testing.T) {
	p := newPair(t, repair.StrategyLastWriteWins, 1000, 2000)

	usEnv, euEnv := p.exchange(t, "K", []byte("from-us"), []byte("from-eu"))
	assert.Equal(t, clock.VectorClock{"us": 1}, usEnv.Version.VectorClock)
	assert.Equal(t, clock.VectorClock{"eu": 1}, euEnv.Version.VectorClock)
	assert.Equal(t, clock.Concurrent, p.us.CompareVectorClocks(usEnv.Version.VectorClock, euEnv.Version.VectorClock))

	usGot, _ := p.us.Get("K")
	euGot, _ := p.eu.Get("K")
	assert.Equal(t, []byte("from-eu"), usGot.Data)
	assert.Equal(t, usGot.Data, euGot.Data)
	assert.Equal(t, usGot.Checksum, euGot.Checksum)
	assert.Equal(t, clock.VectorClock{"us": 1, "eu": 1}, usGot.VectorClock)
	assert.Equal(t, usGot.VectorClock, euGot.VectorClock)
	assert.Equal(t, int64(2000), usGot.Timestamp)

	for _, c := range []*Coordinator{p.us, p.eu} {
		conflicts := c.GetConflicts()
		require.Len(t, conflicts, 1, c.Region())
		assert.True(t, conflicts[0].Resolved)
		assert.False(t, conflicts[0].Ambiguous)
		assert.Equal(t, repair.StrategyLastWriteWins, conflicts[0].Strategy)
		assert.Zero(t, c.GetPendingConflictCount())
	}
}

func TestHandleRemote_LWWTieFlaggedAmbiguous(t *testing.T) {
	p := newPair(t, repair.StrategyLastWriteWins, 1000, 1000)

	p.exchange(t, "K", []byte("a"), []byte("b"))

	usGot, _ := p.us.Get("K")
	euGot, _ := p.eu.Get("K")
	assert.Equal(t, []byte("a"), usGot.Data, "larger region name wins a timestamp tie")
	assert.Equal(t, usGot.Data, euGot.Data)
	assert.True(t, p.eu.GetConflicts()[0].Ambiguous)
}

func TestHandleRemote_CRDTMergeConverges(t *testing.T) {
	p := newPair(t, repair.StrategyCRDT, 1000, 1000)

	usData, err := crdt.Encode(crdt.NewGCounter().Increment("us", 3))
	require.NoError(t, err)
	euData, err := crdt.Encode(crdt.NewGCounter().Increment("eu", 5))
	require.NoError(t, err)

	p.exchange(t, "counter", usData, euData)

	for _, c := range []*Coordinator{p.us, p.eu} {
		got, ok := c.Get("counter")
		require.True(t, ok)
		v, err := crdt.Decode(got.Data)
		require.NoError(t, err)
		require.IsType(t, crdt.GCounter{}, v)
		assert.Equal(t, uint64(8), v.(crdt.GCounter).Value(), c.Region())
		assert.Equal(t, clock.VectorClock{"us": 1, "eu": 1}, got.VectorClock)
	}
}

func TestHandleRemote_CRDTMergeFailureLeavesConflictPending(t *testing.T) {
	p := newPair(t, repair.StrategyCRDT, 1000, 1000)

	p.exchange(t, "K", []byte("not a crdt"), []byte("neither"))

	assert.Equal(t, 1, p.us.GetPendingConflictCount())
	got, _ := p.us.Get("K")
	assert.Equal(t, []byte("not a crdt"), got.Data)
}

func TestHandleRemote_CustomMerge(t *testing.T) {
	merge := func(local, remote storage.VersionedData) ([]byte, error) {
		parts := [][]byte{local.Data, remote.Data}
		sort.Slice(parts, func(i, j int) bool { return bytes.Compare(parts[i], parts[j]) < 0 })
		return bytes.Join(parts, []byte("+")), nil
	}
	p := &pair{usBus: newBus(), euBus: newBus()}
	p.usBus.setHold(true)
	p.euBus.setHold(true)
	usCfg := testConfig("us", "eu")
	usCfg.ConflictStrategy, usCfg.Merge = repair.StrategyCustom, merge
	euCfg := testConfig("eu", "us")
	euCfg.ConflictStrategy, euCfg.Merge = repair.StrategyCustom, merge
	p.us = startCoordinator(t, usCfg, WithSinks(p.usBus))
	p.eu = startCoordinator(t, euCfg, WithSinks(p.euBus))

	p.exchange(t, "K", []byte("x"), []byte("y"))

	usGot, _ := p.us.Get("K")
	euGot, _ := p.eu.Get("K")
	assert.Equal(t, []byte("x+y"), usGot.Data)
	assert.Equal(t, usGot.Data, euGot.Data)
	assert.Equal(t, repair.StrategyCustom, p.us.GetConflicts()[0].Strategy)
}

func TestHandleRemote_AdoptDropDuplicate(t *testing.T) {
	p := newPair(t, repair.StrategyLastWriteWins, 1000, 1000)
	ctx := context.Background()

	first := write(t, p.us, p.usBus, "K", []byte("v1"))
	second := write(t, p.us, p.usBus, "K", []byte("v2"))

	require.NoError(t, p.eu.HandleRemote(ctx, second))
	require.NoError(t, p.eu.HandleRemote(ctx, first))
	require.NoError(t, p.eu.HandleRemote(ctx, second))

	got, ok := p.eu.Get("K")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got.Data)
	assert.Equal(t, clock.VectorClock{"us": 2}, got.VectorClock)
	assert.Empty(t, p.eu.GetConflicts())

	// the adopted clock feeds the next local stamp
	next := write(t, p.eu, p.euBus, "K", []byte("v3"))
	assert.Equal(t, clock.VectorClock{"us": 2, "eu": 1}, next.Version.VectorClock)
}

func TestHandleRemote_RejectsCorruptedPayload(t *testing.T) {
	p := newPair(t, repair.StrategyLastWriteWins, 1000, 1000)
	events, cancel := p.eu.Subscribe(8)
	defer cancel()

	env := write(t, p.us, p.usBus, "K", []byte("original"))
	env.Version.Data = []byte("tampered")

	err := p.eu.HandleRemote(context.Background(), env)
	require.Error(t, err)
	assert.True(t, replerr.IsKind(err, replerr.KindChecksum))

	_, ok := p.eu.Get("K")
	assert.False(t, ok)
	assert.Empty(t, p.eu.Clock("K"))

	ev := collect(t, events, 1)
	assert.Equal(t, EventChecksumRejected, ev[0].Kind)
	assert.Equal(t, "us", ev[0].Region)
	assert.Equal(t, "K", ev[0].Key)
}

func TestHandleRemote_EventsInOrder(t *testing.T) {
	var observed []EventKind
	done := make(chan struct{})
	obs := ObserverFunc(func(e Event) {
		if e.Kind == EventConflict || e.Kind == EventConflictResolved {
			observed = append(observed, e.Kind)
			if e.Kind == EventConflictResolved {
				close(done)
			}
		}
	})

	p := &pair{usBus: newBus(), euBus: newBus()}
	p.usBus.setHold(true)
	p.euBus.setHold(true)
	p.us = startCoordinator(t, testConfig("us", "eu"), WithSinks(p.usBus))
	p.eu = startCoordinator(t, testConfig("eu", "us"), WithSinks(p.euBus), WithObserver(obs))
	events, cancel := p.eu.Subscribe(16)
	defer cancel()

	p.exchange(t, "K", []byte("a"), []byte("b"))

	got := filter(collect(t, events, 3), EventConflict, EventConflictResolved)
	require.Len(t, got, 2)
	assert.Equal(t, []EventKind{EventConflict, EventConflictResolved}, kinds(got))
	assert.Equal(t, got[0].Conflict.ID, got[1].Conflict.ID)
	assert.False(t, got[0].Conflict.Resolved)
	assert.True(t, got[1].Conflict.Resolved)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer never saw the resolution")
	}
	assert.Equal(t, []EventKind{EventConflict, EventConflictResolved}, observed)
}

func TestHandleRemote_RecordsLagFromOrigin(t *testing.T) {
	usNow := newFixedClock(10_000)
	euNow := newFixedClock(13_000)
	usBus := newBus()
	usBus.setHold(true)

	euCfg := testConfig("eu", "us")
	euCfg.LagThreshold = 2 * time.Second
	us := startCoordinator(t, testConfig("us", "eu"), WithSinks(usBus), WithClock(usNow.Now))
	eu := startCoordinator(t, euCfg, WithClock(euNow.Now))
	events, cancel := eu.Subscribe(16)
	defer cancel()

	env := write(t, us, usBus, "K", []byte("v"))
	require.NoError(t, eu.HandleRemote(context.Background(), env))

	l, ok := eu.GetReplicationLag("us")
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, l.CurrentLag)
	assert.True(t, l.High)

	got := collect(t, events, 2)
	assert.Equal(t, []EventKind{EventLagUpdated, EventHighLag}, kinds(got))
	assert.Equal(t, "us", got[1].Region)
	require.NotNil(t, got[1].Lag)
	assert.Equal(t, 3*time.Second, got[1].Lag.CurrentLag)

	// a second high sample does not signal again
	euNow.Advance(time.Second)
	require.NoError(t, eu.HandleRemote(context.Background(), write(t, us, usBus, "K", []byte("v2"))))
	more := collect(t, events, 1)
	assert.Equal(t, EventLagUpdated, more[0].Kind)
	assert.Len(t, eu.ReplicationLags(), 1)
}

func TestConflict_ManualResolutionPropagates(t *testing.T) {
	p := newPair(t, repair.StrategyVectorClock, 1000, 2000)
	ctx := context.Background()
	usEvents, cancel := p.us.Subscribe(16)
	defer cancel()

	p.exchange(t, "K", []byte("from-us"), []byte("from-eu"))

	// nothing resolves automatically
	assert.Equal(t, 1, p.us.GetPendingConflictCount())
	assert.Equal(t, 1, p.eu.GetPendingConflictCount())
	usGot, _ := p.us.Get("K")
	assert.Equal(t, []byte("from-us"), usGot.Data)

	pending := p.us.PendingConflictsFor("K")
	require.Len(t, pending, 1)
	id := pending[0].ID

	// from now on us delivers to eu
	p.usBus.attach(p.eu)
	p.usBus.setHold(false)

	resolved, err := p.us.ResolveConflict(ctx, id, []byte("merged"))
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, repair.StrategyManual, resolved.Strategy)
	assert.Zero(t, p.us.GetPendingConflictCount())

	usGot, _ = p.us.Get("K")
	assert.Equal(t, []byte("merged"), usGot.Data)
	assert.Equal(t, clock.VectorClock{"us": 2, "eu": 1}, usGot.VectorClock)

	require.Eventually(t, func() bool {
		got, _ := p.eu.Get("K")
		return bytes.Equal(got.Data, []byte("merged"))
	}, 2*time.Second, 5*time.Millisecond)

	// eu adopted the merge; retrying its own conflict settles it
	euPending := p.eu.PendingConflictsFor("K")
	require.Len(t, euPending, 1)
	settled, err := p.eu.RetryConflict(ctx, euPending[0].ID)
	require.NoError(t, err)
	assert.True(t, settled.Resolved)
	assert.Equal(t, []byte("merged"), settled.Resolution)
	assert.Zero(t, p.eu.GetPendingConflictCount())

	_, err = p.us.ResolveConflict(ctx, id, []byte("again"))
	assert.True(t, replerr.IsKind(err, replerr.KindValidation))
	_, err = p.us.ResolveConflict(ctx, "missing", []byte("x"))
	assert.True(t, replerr.IsKind(err, replerr.KindValidation))

	got := filter(collect(t, usEvents, 3), EventConflict, EventConflictResolved)
	assert.Equal(t, []EventKind{EventConflict, EventConflictResolved}, kinds(got))
}

func TestConflict_RetryWithStillConcurrentVersions(t *testing.T) {
	p := newPair(t, repair.StrategyVectorClock, 1000, 1000)
	p.exchange(t, "K", []byte("a"), []byte("b"))

	id := p.us.PendingConflictsFor("K")[0].ID
	c, err := p.us.RetryConflict(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, c.Resolved)
	assert.Equal(t, 1, p.us.GetPendingConflictCount())

	_, err = p.us.RetryConflict(context.Background(), "missing")
	assert.True(t, replerr.IsKind(err, replerr.KindValidation))
}

func TestHandleRemote_RedeliveredConflictOpensOnce(t *testing.T) {
	p := newPair(t, repair.StrategyVectorClock, 1000, 1000)
	ctx := context.Background()

	write(t, p.us, p.usBus, "K", []byte("a"))
	euEnv := write(t, p.eu, p.euBus, "K", []byte("b"))

	// the gRPC, cache and stream sinks each deliver the same envelope
	for i := 0; i < 3; i++ {
		require.NoError(t, p.us.HandleRemote(ctx, euEnv))
	}
	assert.Len(t, p.us.GetConflicts(), 1)
	assert.Equal(t, 1, p.us.GetPendingConflictCount())

	pending := p.us.PendingConflictsFor("K")
	require.Len(t, pending, 1)
	_, err := p.us.ResolveConflict(ctx, pending[0].ID, []byte("a+b"))
	require.NoError(t, err)
	assert.Zero(t, p.us.GetPendingConflictCount())

	// a late copy is covered by the resolution
	require.NoError(t, p.us.HandleRemote(ctx, euEnv))
	assert.Len(t, p.us.GetConflicts(), 1)
	assert.Zero(t, p.us.GetPendingConflictCount())
	got, _ := p.us.Get("K")
	assert.Equal(t, []byte("a+b"), got.Data)
}

func TestHandleRemote_IgnoredVersionsRecordNoLag(t *testing.T) {
	usNow := newFixedClock(10_000)
	euNow := newFixedClock(11_000)
	usBus := newBus()
	usBus.setHold(true)
	us := startCoordinator(t, testConfig("us", "eu"), WithSinks(usBus), WithClock(usNow.Now))
	eu := startCoordinator(t, testConfig("eu", "us"), WithClock(euNow.Now))
	ctx := context.Background()

	first := write(t, us, usBus, "K", []byte("v1"))
	second := write(t, us, usBus, "K", []byte("v2"))
	require.NoError(t, eu.HandleRemote(ctx, second))

	euNow.Advance(time.Minute)
	require.NoError(t, eu.HandleRemote(ctx, second))
	require.NoError(t, eu.HandleRemote(ctx, first))

	l, ok := eu.GetReplicationLag("us")
	require.True(t, ok)
	assert.Equal(t, 1, l.Samples)
	assert.Equal(t, time.Second, l.CurrentLag)
}

func TestHandleRemote_SamplerIsTheOnlyLagSource(t *testing.T) {
	usNow := newFixedClock(10_000)
	euNow := newFixedClock(13_000)
	usBus := newBus()
	usBus.setHold(true)

	sampler := lag.SamplerFunc(func(context.Context, string) (time.Duration, error) {
		return 40 * time.Millisecond, nil
	})
	euCfg := testConfig("eu", "us")
	euCfg.LagSampleInterval = time.Hour
	us := startCoordinator(t, testConfig("us", "eu"), WithSinks(usBus), WithClock(usNow.Now))
	eu := startCoordinator(t, euCfg, WithClock(euNow.Now), WithSampler(sampler))

	require.NoError(t, eu.HandleRemote(context.Background(), write(t, us, usBus, "K", []byte("v"))))

	got, ok := eu.Get("K")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Data)
	_, sampled := eu.GetReplicationLag("us")
	assert.False(t, sampled, "version age must not mix with sampled round trips")
}
