package api

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"georepl/internal/clock"
	"georepl/internal/codec"
	"georepl/internal/consistency"
	"georepl/internal/peer"
	"georepl/internal/repair"
	"georepl/internal/replication"
	"georepl/internal/storage"
)

// directSink hands envelopes straight to the target coordinator.
type directSink struct {
	mu   sync.Mutex
	to   map[string]*replication.Coordinator
	fail error
}

func (d *directSink) Name() string { return "direct" }

func (d *directSink) Send(ctx context.Context, region string, env codec.Envelope) error {
	d.mu.Lock()
	target, fail := d.to[region], d.fail
	d.mu.Unlock()
	if fail != nil {
		return fail
	}
	if target == nil {
		return nil
	}
	return target.HandleRemote(ctx, env)
}

func (d *directSink) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

type region struct {
	us, eu *replication.Coordinator
	sink   *directSink
	client *Client
}

// startRegion serves the client API of region us, which replicates to eu.
func startRegion(t *testing.T, strategy repair.Strategy) *region {
	t.Helper()
	nop := log.NewNopLogger()
	start := func(name, other string, opts ...replication.Option) *replication.Coordinator {
		c := replication.New(replication.Config{
			Region:           name,
			Peers:            []string{other},
			DefaultLevel:     consistency.Eventual,
			ConflictStrategy: strategy,
			PerRegionTimeout: time.Second,
		}, opts...)
		require.NoError(t, c.Initialize(context.Background()))
		t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
		return c
	}

	r := &region{sink: &directSink{to: map[string]*replication.Coordinator{}}}
	r.eu = start("eu", "us")
	r.us = start("us", "eu", replication.WithSinks(r.sink))
	r.sink.to["eu"] = r.eu

	lis := bufconn.Listen(1 << 20)
	node := peer.NewNode("us", "bufnet", peer.NewServer(r.us, "us", codec.Default, nop), nop)
	RegisterClientServer(node.Registrar(), NewServer(r.us, nop))
	go func() { _ = node.Serve(lis) }()
	t.Cleanup(node.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	r.client = NewClient(conn)
	return r
}

func TestClient_StrongReplicateAndGet(t *testing.T) {
	r := startRegion(t, repair.StrategyLastWriteWins)
	ctx := context.Background()

	res, err := r.client.Replicate(ctx, &ReplicateRequest{Key: "user:1", Data: []byte("alice"), Level: "strong"})
	require.NoError(t, err)
	assert.Equal(t, "strong", res.Level)
	assert.Equal(t, clock.VectorClock{"us": 1}, res.Version.VectorClock)
	assert.Equal(t, []byte("alice"), res.Version.Data)
	require.Len(t, res.Awaited, 1)
	assert.Equal(t, "eu", res.Awaited[0].Region)
	assert.Empty(t, res.Awaited[0].Error)

	got, err := r.client.Get(ctx, &GetRequest{Key: "user:1"})
	require.NoError(t, err)
	require.True(t, got.Found)
	assert.Equal(t, res.Version.Checksum, got.Version.Checksum)
	assert.Equal(t, res.Version.Timestamp, got.Version.Timestamp)

	remote, ok := r.eu.Get("user:1")
	require.True(t, ok)
	assert.Equal(t, []byte("alice"), remote.Data)

	missing, err := r.client.Get(ctx, &GetRequest{Key: "user:2"})
	require.NoError(t, err)
	assert.False(t, missing.Found)
	assert.Nil(t, missing.Version)
}

func TestClient_ReplicateOptions(t *testing.T) {
	r := startRegion(t, repair.StrategyLastWriteWins)
	ctx := context.Background()

	dep := clock.VectorClock{"eu": 4}
	res, err := r.client.Replicate(ctx, &ReplicateRequest{
		Key:          "doc",
		Data:         []byte("v"),
		Level:        "bounded_staleness",
		Dependencies: []clock.VectorClock{dep},
	})
	require.NoError(t, err)
	assert.Equal(t, string(consistency.BoundedStaleness), res.Level)

	res, err = r.client.Replicate(ctx, &ReplicateRequest{Key: "doc", Data: []byte("v2"), Level: "causal", Dependencies: []clock.VectorClock{dep}})
	require.NoError(t, err)
	assert.True(t, res.Version.VectorClock.Covers(dep))

	_, err = r.client.Replicate(ctx, &ReplicateRequest{Key: "s", Data: []byte("v"), Level: "read-your-writes", Session: "sess-1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(r.us.SessionRegions("sess-1")) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"eu", "us"}, r.us.SessionRegions("sess-1"))
}

func TestClient_ErrorsMapToStatusCodes(t *testing.T) {
	r := startRegion(t, repair.StrategyLastWriteWins)
	ctx := context.Background()

	_, err := r.client.Replicate(ctx, &ReplicateRequest{Key: "k", Data: []byte("v"), Level: "sometimes"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = r.client.Replicate(ctx, &ReplicateRequest{Data: []byte("v")})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = r.client.Get(ctx, &GetRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	r.sink.setFail(errors.New("link down"))
	_, err = r.client.Replicate(ctx, &ReplicateRequest{Key: "k", Data: []byte("v"), Level: "strong"})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	// the local write is kept
	got, err := r.client.Get(ctx, &GetRequest{Key: "k"})
	require.NoError(t, err)
	assert.True(t, got.Found)
}

func TestClient_ListAndResolveConflicts(t *testing.T) {
	r := startRegion(t, repair.StrategyVectorClock)
	ctx := context.Background()

	_, err := r.client.Replicate(ctx, &ReplicateRequest{Key: "K", Data: []byte("a"), Targets: []string{"us"}})
	require.NoError(t, err)
	now := time.Now()
	remote := storage.NewVersionedData([]byte("b"), clock.VectorClock{"eu": 1}, "eu", now)
	require.NoError(t, r.us.HandleRemote(ctx, codec.NewEnvelope("K", "", "", remote, now)))

	list, err := r.client.Conflicts(ctx, &ConflictsRequest{Key: "K", PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, list.Conflicts, 1)
	assert.Equal(t, 1, list.Pending)
	c := list.Conflicts[0]
	assert.Equal(t, []byte("a"), c.Local.Data)
	assert.Equal(t, []byte("b"), c.Remote.Data)
	assert.False(t, c.Resolved)

	// still concurrent, so a retry leaves it pending
	retried, err := r.client.Resolve(ctx, &ResolveRequest{ID: c.ID, Retry: true})
	require.NoError(t, err)
	assert.False(t, retried.Conflict.Resolved)

	resolved, err := r.client.Resolve(ctx, &ResolveRequest{ID: c.ID, Data: []byte("a+b")})
	require.NoError(t, err)
	assert.True(t, resolved.Conflict.Resolved)
	assert.Equal(t, string(repair.StrategyManual), resolved.Conflict.Strategy)
	assert.Equal(t, []byte("a+b"), resolved.Conflict.Resolution)
	assert.NotZero(t, resolved.Conflict.ResolvedAt)

	got, err := r.client.Get(ctx, &GetRequest{Key: "K"})
	require.NoError(t, err)
	assert.Equal(t, clock.VectorClock{"us": 2, "eu": 1}, got.Version.VectorClock)

	all, err := r.client.Conflicts(ctx, &ConflictsRequest{})
	require.NoError(t, err)
	require.Len(t, all.Conflicts, 1)
	assert.True(t, all.Conflicts[0].Resolved)
	assert.Zero(t, all.Pending)

	_, err = r.client.Resolve(ctx, &ResolveRequest{ID: c.ID, Data: []byte("again")})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = r.client.Resolve(ctx, &ResolveRequest{ID: "missing", Retry: true})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestClient_Lag(t *testing.T) {
	r := startRegion(t, repair.StrategyLastWriteWins)
	ctx := context.Background()

	empty, err := r.client.Lag(ctx, &LagRequest{})
	require.NoError(t, err)
	assert.Empty(t, empty.Regions)

	r.us.RecordLag("eu", 250*time.Millisecond)

	one, err := r.client.Lag(ctx, &LagRequest{Region: "eu"})
	require.NoError(t, err)
	require.Len(t, one.Regions, 1)
	assert.Equal(t, "eu", one.Regions[0].Region)
	assert.Equal(t, int64(250), one.Regions[0].CurrentMs)
	assert.Equal(t, 1, one.Regions[0].Samples)

	all, err := r.client.Lag(ctx, &LagRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Regions, 1)
}

func TestStructRoundTripKeepsLargeIntegers(t *testing.T) {
	in := &ReplicateResponse{Version: storage.VersionedData{
		Data:        []byte{0, 1, 2},
		VectorClock: clock.VectorClock{"us": 1 << 40},
		Timestamp:   1_700_000_000_000,
	}}
	s, err := toStruct(in)
	require.NoError(t, err)
	assert.IsType(t, &structpb.Struct{}, s)

	var out ReplicateResponse
	require.NoError(t, fromStruct(s, &out))
	assert.Equal(t, in.Version, out.Version)
}
