package it

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"google.golang.org/protobuf/types/known/timestamppb"

	"georepl/internal/api"
	"georepl/internal/codec"
	"georepl/internal/consistency"
	"georepl/internal/peer"
	"georepl/internal/repair"
	"georepl/internal/replication"
)

// Options tunes every region of a test cluster.
type Options struct {
	// Configure adjusts the coordinator configuration of a region.
	Configure func(cfg *replication.Config)
	// Extra returns additional coordinator options for a region.
	Extra func(region string) []replication.Option
	Codec codec.Codec
	// Logger defaults to a nop logger.
	Logger log.Logger
}

// Cluster is a set of in-process regions replicating over loopback gRPC.
type Cluster struct {
	opts    Options
	regions []*Region
	mu      sync.Mutex
}

// Region is one member of the cluster.
type Region struct {
	Name        string
	Addr        string
	Coordinator *replication.Coordinator

	clients *peer.ClientManager
	server  *peer.Server
	node    *peer.Node
	served  chan error
}

// NewCluster creates an unstarted cluster of the named regions.
func NewCluster(opts Options, names ...string) *Cluster {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	c := &Cluster{opts: opts}
	for _, n := range names {
		c.regions = append(c.regions, &Region{Name: n})
	}
	return c
}

// Start reserves a loopback address per region, then builds and serves
// every region. Peers connect lazily so start order does not matter.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	listeners := make(map[string]net.Listener, len(c.regions))
	for _, r := range c.regions {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			closeAll(listeners)
			return fmt.Errorf("failed to listen for region %s: %w", r.Name, err)
		}
		listeners[r.Name] = lis
		r.Addr = lis.Addr().String()
	}

	for _, r := range c.regions {
		if err := c.startRegion(ctx, r, listeners[r.Name]); err != nil {
			closeAll(listeners)
			c.stopLocked()
			return fmt.Errorf("failed to start region %s: %w", r.Name, err)
		}
	}

	for _, r := range c.regions {
		if err := waitForReady(ctx, r, 5*time.Second); err != nil {
			c.stopLocked()
			return err
		}
	}
	return nil
}

func (c *Cluster) startRegion(ctx context.Context, r *Region, lis net.Listener) error {
	peers := make(map[string]string, len(c.regions)-1)
	names := make([]string, 0, len(c.regions)-1)
	for _, other := range c.regions {
		if other.Name != r.Name {
			peers[other.Name] = other.Addr
			names = append(names, other.Name)
		}
	}

	cfg := replication.Config{
		Region:            r.Name,
		Peers:             names,
		DefaultLevel:      consistency.Eventual,
		ConflictStrategy:  repair.StrategyLastWriteWins,
		PerRegionTimeout:  2 * time.Second,
		LagSampleInterval: time.Hour,
	}
	if c.opts.Configure != nil {
		c.opts.Configure(&cfg)
	}

	r.clients = peer.NewClientManager(peers)
	opts := []replication.Option{
		replication.WithLogger(log.With(c.opts.Logger, "region", r.Name)),
		replication.WithSinks(peer.NewSink(r.clients, c.opts.Codec)),
		replication.WithSampler(peer.NewSampler(r.clients)),
	}
	if c.opts.Extra != nil {
		opts = append(opts, c.opts.Extra(r.Name)...)
	}

	r.Coordinator = replication.New(cfg, opts...)
	if err := r.Coordinator.Initialize(ctx); err != nil {
		return err
	}
	r.server = peer.NewServer(r.Coordinator, r.Name, c.opts.Codec, c.opts.Logger)
	r.serve(lis, c.opts.Logger)
	return nil
}

func (r *Region) serve(lis net.Listener, logger log.Logger) {
	r.node = peer.NewNode(r.Name, r.Addr, r.server, logger)
	api.RegisterClientServer(r.node.Registrar(), api.NewServer(r.Coordinator, logger))
	r.served = make(chan error, 1)
	go func(n *peer.Node, done chan<- error) {
		done <- n.Serve(lis)
	}(r.node, r.served)
}

// waitForReady pings the region until its replication service answers.
func waitForReady(ctx context.Context, r *Region, timeout time.Duration) error {
	cm := peer.NewClientManager(map[string]string{r.Name: r.Addr})
	defer cm.Close()

	client, err := cm.Client(r.Name)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err := client.Ping(pingCtx, timestamppb.Now())
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for region %s to be ready: %w", r.Name, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Region returns a region by name.
func (c *Cluster) Region(name string) *Region {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.regions {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Regions returns every region in start order.
func (c *Cluster) Regions() []*Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Region(nil), c.regions...)
}

// KillRegion stops a region's replication service. Its coordinator keeps
// running, so the region still accepts local writes but peers cannot reach it.
func (c *Cluster) KillRegion(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.regions {
		if r.Name == name {
			if r.node != nil {
				r.node.Stop()
				<-r.served
				r.node = nil
			}
			return nil
		}
	}
	return fmt.Errorf("region %s not found", name)
}

// RestartRegion serves a killed region again on its previous address.
func (c *Cluster) RestartRegion(ctx context.Context, name string) error {
	c.mu.Lock()
	var region *Region
	for _, r := range c.regions {
		if r.Name == name {
			region = r
			break
		}
	}
	c.mu.Unlock()

	if region == nil {
		return fmt.Errorf("region %s not found", name)
	}
	if region.node != nil {
		return fmt.Errorf("region %s is running", name)
	}

	lis, err := net.Listen("tcp", region.Addr)
	if err != nil {
		return fmt.Errorf("failed to relisten on %s: %w", region.Addr, err)
	}
	region.serve(lis, c.opts.Logger)

	if err := waitForReady(ctx, region, 5*time.Second); err != nil {
		return fmt.Errorf("region %s failed to become ready after restart: %w", name, err)
	}
	return nil
}

// Stop shuts every region down.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Cluster) stopLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, r := range c.regions {
		if r.Coordinator != nil {
			_ = r.Coordinator.Shutdown(ctx)
		}
		if r.node != nil {
			r.node.Stop()
			<-r.served
			r.node = nil
		}
		if r.clients != nil {
			_ = r.clients.Close()
		}
	}
}

func closeAll(listeners map[string]net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
