package peer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"georepl/internal/codec"
	replerr "georepl/internal/errors"
)

// ClientManager keeps one connection per peer region.
type ClientManager struct {
	mu      sync.RWMutex
	peers   map[string]string
	conns   map[string]*grpc.ClientConn
	clients map[string]ReplicationClient
	opts    []grpc.DialOption
}

// NewClientManager creates a manager for peers (region to address). opts
// replace the default insecure transport credentials when given.
func NewClientManager(peers map[string]string, opts ...grpc.DialOption) *ClientManager {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	cp := make(map[string]string, len(peers))
	for r, a := range peers {
		cp[r] = a
	}
	return &ClientManager{
		peers:   cp,
		conns:   make(map[string]*grpc.ClientConn),
		clients: make(map[string]ReplicationClient),
		opts:    opts,
	}
}

// Regions returns the known peer regions, sorted.
func (cm *ClientManager) Regions() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]string, 0, len(cm.peers))
	for r := range cm.peers {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Client returns the client for region, connecting lazily.
func (cm *ClientManager) Client(region string) (ReplicationClient, error) {
	cm.mu.RLock()
	client, ok := cm.clients[region]
	cm.mu.RUnlock()
	if ok {
		return client, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if client, ok := cm.clients[region]; ok {
		return client, nil
	}

	addr, ok := cm.peers[region]
	if !ok {
		return nil, replerr.Newf(replerr.KindConfig, replerr.OpPropagate, "no peer address for region %s", region)
	}

	conn, err := grpc.NewClient(addr, cm.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	client = NewReplicationClient(conn)
	cm.conns[region] = conn
	cm.clients[region] = client
	return client, nil
}

// Close closes every connection.
func (cm *ClientManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var firstErr error
	for region, conn := range cm.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", region, err)
		}
	}
	cm.conns = make(map[string]*grpc.ClientConn)
	cm.clients = make(map[string]ReplicationClient)
	return firstErr
}

// Sink pushes envelopes to peer regions.
type Sink struct {
	clients *ClientManager
	codec   codec.Codec
}

func NewSink(clients *ClientManager, c codec.Codec) *Sink {
	return &Sink{clients: clients, codec: c}
}

func (s *Sink) Name() string { return "grpc" }

// Send pushes env to region.
func (s *Sink) Send(ctx context.Context, region string, env codec.Envelope) error {
	client, err := s.clients.Client(region)
	if err != nil {
		return err
	}

	frame, err := s.codec.Marshal(env)
	if err != nil {
		return err
	}

	if _, err := client.Push(ctx, wrapperspb.Bytes(frame)); err != nil {
		return replerr.Transport(replerr.OpPropagate, region, err)
	}
	return nil
}

// Sampler estimates the one-way delay to a region as half the Ping round
// trip. It does not depend on the peers' wall clocks being in sync.
type Sampler struct {
	clients *ClientManager
	now     func() time.Time
}

func NewSampler(clients *ClientManager) *Sampler {
	return &Sampler{clients: clients, now: time.Now}
}

// SampleLag implements lag.Sampler.
func (s *Sampler) SampleLag(ctx context.Context, region string) (time.Duration, error) {
	client, err := s.clients.Client(region)
	if err != nil {
		return 0, err
	}

	start := s.now()
	if _, err := client.Ping(ctx, timestamppb.New(start)); err != nil {
		return 0, replerr.Transport(replerr.OpPropagate, region, err)
	}
	return s.now().Sub(start) / 2, nil
}
