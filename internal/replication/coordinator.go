package replication

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"georepl/internal/clock"
	"georepl/internal/codec"
	"georepl/internal/consistency"
	replerr "georepl/internal/errors"
	"georepl/internal/fanout"
	"georepl/internal/keylock"
	"georepl/internal/lag"
	"georepl/internal/locality"
	"georepl/internal/logging"
	"georepl/internal/metrics"
	"georepl/internal/repair"
	"georepl/internal/storage"
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

// Coordinator replicates the writes of one region.
type Coordinator struct {
	cfg       Config
	base      log.Logger
	logger    log.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	sinks     []Sink
	mirror    Mirror
	sampler   lag.Sampler
	observers []Observer

	clocks    *clock.Engine
	store     storage.Store
	conflicts *repair.ConflictTable
	locks     *keylock.Locker
	lag       *lag.Monitor
	guard     *locality.Guard
	events    *emitter

	// set by Initialize
	resolver   repair.Resolver
	strategies *consistency.Set
	defaultSt  consistency.Strategy
	dispatcher *consistency.Dispatcher

	mu    sync.RWMutex
	state state
}

// New creates a coordinator. It does nothing until Initialize.
func New(cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		base:      log.NewNopLogger(),
		metrics:   metrics.NewDiscard(),
		now:       time.Now,
		clocks:    clock.NewEngine(),
		store:     storage.NewInMemoryStore(),
		conflicts: repair.NewConflictTable(),
		locks:     keylock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component(c.base, "coordinator")

	c.lag = lag.NewMonitor(cfg.LagThreshold,
		lag.WithListener(lagListener{c}),
		lag.WithLogger(c.base),
		lag.WithClock(c.now),
	)
	c.guard = locality.NewGuard(cfg.LocalityEnabled, cfg.LocalityRules)
	c.events = newEmitter(c.logger, c.observers)
	return c
}

// Initialize validates the configuration, builds the resolver and the
// consistency strategies and starts the lag sampling loop. Configuration
// errors surface here and never at write time.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateNew {
		return replerr.New(replerr.KindConfig, replerr.OpInitialize, "coordinator already initialized")
	}
	if c.cfg.Region == "" {
		return replerr.New(replerr.KindConfig, replerr.OpInitialize, "local region is required")
	}

	defaultLevel := c.cfg.DefaultLevel
	if defaultLevel == "" {
		defaultLevel = consistency.Eventual
	}
	defaultLevel, err := consistency.ParseLevel(string(defaultLevel))
	if err != nil {
		return replerr.Wrap(replerr.KindConfig, replerr.OpInitialize, err, "default consistency level")
	}

	resolver, err := repair.NewResolver(c.cfg.ConflictStrategy, c.cfg.Merge)
	if err != nil {
		return replerr.Wrap(replerr.KindConfig, replerr.OpInitialize, err, "conflict resolver")
	}

	for _, s := range c.sinks {
		if rc, ok := s.(RegionChecker); ok {
			if err := rc.CheckRegions(c.peers()); err != nil {
				return replerr.Wrap(replerr.KindConfig, replerr.OpInitialize, err, "sink "+s.Name())
			}
		}
	}

	strategies, err := consistency.NewSet(consistency.Options{
		MaxStaleness: c.cfg.MaxStaleness,
		Lag:          c.lag,
	})
	if err != nil {
		return err
	}
	defaultSt, err := strategies.Get(defaultLevel)
	if err != nil {
		return replerr.Wrap(replerr.KindConfig, replerr.OpInitialize, err, "default consistency level")
	}

	c.resolver = resolver
	c.strategies = strategies
	c.defaultSt = defaultSt
	c.dispatcher = consistency.NewDispatcher(consistency.DispatcherConfig{
		PerRegionTimeout:      c.cfg.PerRegionTimeout,
		CancelOnCallerTimeout: c.cfg.CancelOnCallerTimeout,
	}, c.base)

	if c.sampler != nil && len(c.cfg.Peers) > 0 {
		c.lag.Start(c.sampler, c.peers(), c.cfg.LagSampleInterval)
	}

	c.state = stateRunning
	level.Info(c.logger).Log(
		"msg", "coordinator initialized",
		"region", c.cfg.Region,
		"peers", len(c.cfg.Peers),
		"level", defaultLevel,
		"strategy", resolver.Strategy(),
		"sinks", len(c.sinks),
	)
	return nil
}

// Shutdown drains awaited fan-out, then stops the lag loop and aborts
// background propagation. Fire-and-forget propagation still in flight is
// not guaranteed to complete.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateRunning {
		c.state = stateStopped
		c.mu.Unlock()
		c.events.close()
		return nil
	}
	c.state = stateStopped
	c.mu.Unlock()

	drainErr := c.dispatcher.Drain(ctx)
	c.lag.Stop()
	c.dispatcher.Close()
	c.events.close()

	if drainErr != nil {
		return replerr.Wrap(replerr.KindTransport, replerr.OpShutdown, drainErr, "drain in-flight propagation")
	}
	level.Info(c.logger).Log("msg", "coordinator stopped", "region", c.cfg.Region)
	return nil
}

func (c *Coordinator) running(op replerr.Op) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != stateRunning {
		return replerr.New(replerr.KindValidation, op, "coordinator is not running")
	}
	return nil
}

// Region returns the local region.
func (c *Coordinator) Region() string {
	return c.cfg.Region
}

// WriteResult describes an accepted local write.
type WriteResult struct {
	Version    storage.VersionedData
	Level      consistency.Level
	Awaited    []fanout.Result
	Background []string
	Denied     []string

	dispatch consistency.Result
}

// WaitBackground blocks until the fire-and-forget propagation finished.
func (r WriteResult) WaitBackground(ctx context.Context) error {
	return r.dispatch.WaitBackground(ctx)
}

// Replicate stamps and stores data under key, then propagates it under the
// requested consistency level. The local write is kept even when awaited
// propagation fails.
func (c *Coordinator) Replicate(ctx context.Context, key string, data []byte, opts Options) (WriteResult, error) {
	if err := c.running(replerr.OpReplicate); err != nil {
		return WriteResult{}, err
	}
	if key == "" {
		return WriteResult{}, replerr.New(replerr.KindValidation, replerr.OpReplicate, "key is required")
	}

	st := c.defaultSt
	if opts.Level != "" {
		var err error
		if st, err = c.strategies.Get(opts.Level); err != nil {
			return WriteResult{}, err
		}
	}

	targets := c.targets(opts.Targets)
	tenantRegion := opts.TenantRegion
	if tenantRegion == "" {
		tenantRegion = c.cfg.Region
	}
	allowed, denied := c.guard.Filter(tenantRegion, targets)
	for _, region := range denied {
		c.metrics.LocalityDenied.With("region", region).Add(1)
		level.Warn(c.logger).Log("msg", "residency rule refused region", "key", key, "tenant", opts.TenantID, "tenant_region", tenantRegion, "region", region)
	}
	if len(denied) > 0 && st.Level() == consistency.Strong {
		return WriteResult{Denied: denied}, replerr.Newf(replerr.KindLocality, replerr.OpReplicate,
			"residency rules of %s refuse regions %v", tenantRegion, denied)
	}

	now := c.now()
	unlock := c.locks.Lock(key)
	w := consistency.Write{
		Key:          key,
		Origin:       c.cfg.Region,
		Session:      opts.Session,
		Clock:        c.clocks.Stamp(key, c.cfg.Region),
		Dependencies: opts.Dependencies,
	}
	st.Prepare(&w)
	if len(w.Dependencies) > 0 {
		w.Clock = c.clocks.Observe(key, w.Clock)
	}
	vd := storage.NewVersionedData(data, w.Clock, c.cfg.Region, now)
	if err := c.store.Put(key, vd); err != nil {
		// the engine's clock always covers the stored one
		c.store.Force(key, vd)
		level.Warn(c.logger).Log("msg", "local store out of step with clock", "key", key, "err", err)
	}
	unlock()

	c.metrics.Writes.With("level", string(st.Level())).Add(1)
	level.Debug(c.logger).Log("msg", "local write", "key", key, "clock", w.Clock.String(), "level", st.Level(), "targets", len(allowed))
	c.mirrorVersion(ctx, key, vd)

	table := opts.Table
	if table == "" {
		table = c.cfg.DefaultTable
	}
	res, err := c.fanOut(ctx, st, w, vd, table, allowed)
	out := WriteResult{
		Version:    vd,
		Level:      st.Level(),
		Awaited:    res.Awaited.Results,
		Background: res.Background,
		Denied:     denied,
		dispatch:   res,
	}
	return out, err
}

// fanOut propagates vd outside of any key lock.
func (c *Coordinator) fanOut(ctx context.Context, st consistency.Strategy, w consistency.Write, vd storage.VersionedData, table string, targets []string) (consistency.Result, error) {
	env := codec.NewEnvelope(w.Key, table, w.Session, vd, c.now())
	send := func(ctx context.Context, region string) error {
		return c.sendAll(ctx, region, env)
	}
	return c.dispatcher.Dispatch(ctx, st, w, targets, send, c.reporter(w.Key))
}

// sendAll pushes env to region through every sink.
func (c *Coordinator) sendAll(ctx context.Context, region string, env codec.Envelope) error {
	if len(c.sinks) == 0 {
		return nil
	}
	var errs []error
	for _, s := range c.sinks {
		if err := s.Send(ctx, region, env); err != nil {
			c.metrics.PropagationFailure.With("region", region, "sink", s.Name()).Add(1)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) reporter(key string) func(fanout.Result) {
	return func(r fanout.Result) {
		c.metrics.PropagationLatency.With("region", r.Region).Observe(r.Duration.Seconds())
		if r.Err != nil {
			c.events.emit(Event{Kind: EventPropagationFailed, At: c.now(), Key: key, Region: r.Region, Err: r.Err})
		}
	}
}

func (c *Coordinator) mirrorVersion(ctx context.Context, key string, vd storage.VersionedData) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Mirror(context.WithoutCancel(ctx), key, vd); err != nil {
		level.Warn(c.logger).Log("msg", "mirror update failed", "key", key, "err", err)
	}
}

func (c *Coordinator) peers() []string {
	out := make([]string, 0, len(c.cfg.Peers))
	for _, p := range c.cfg.Peers {
		if p != c.cfg.Region {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) targets(requested []string) []string {
	if len(requested) == 0 {
		return c.peers()
	}
	seen := make(map[string]struct{}, len(requested))
	out := make([]string, 0, len(requested))
	for _, r := range requested {
		if r == c.cfg.Region {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Get returns the current local version of key.
func (c *Coordinator) Get(key string) (storage.VersionedData, bool) {
	return c.store.Get(key)
}

// Clock returns the current clock of key.
func (c *Coordinator) Clock(key string) clock.VectorClock {
	return c.clocks.Clock(key)
}

// CompareVectorClocks classifies a against b.
func (c *Coordinator) CompareVectorClocks(a, b clock.VectorClock) clock.Relation {
	return c.clocks.Compare(a, b)
}

// CheckDataLocality reports whether data of the tenant may live in
// dataRegion.
func (c *Coordinator) CheckDataLocality(tenantID, tenantRegion, dataRegion string) bool {
	d := c.guard.Check(tenantID, tenantRegion, dataRegion)
	level.Debug(c.logger).Log("msg", "locality check", "tenant", tenantID, "tenant_region", tenantRegion, "region", dataRegion, "allowed", d.Allowed, "reason", d.Reason)
	return d.Allowed
}

// GetReplicationLag returns the lag statistics of region.
func (c *Coordinator) GetReplicationLag(region string) (lag.ReplicationLag, bool) {
	return c.lag.Get(region)
}

// ReplicationLags returns the lag of every region with samples.
func (c *Coordinator) ReplicationLags() []lag.ReplicationLag {
	return c.lag.All()
}

// RecordLag feeds an externally measured lag sample.
func (c *Coordinator) RecordLag(region string, sample time.Duration) {
	c.lag.Record(region, sample)
}

// GetConflicts returns every conflict in detection order.
func (c *Coordinator) GetConflicts() []repair.Conflict {
	return c.conflicts.List()
}

// GetPendingConflictCount returns the number of unresolved conflicts.
func (c *Coordinator) GetPendingConflictCount() int {
	return c.conflicts.Pending()
}

// SessionRegions returns the regions known to hold a session's writes.
func (c *Coordinator) SessionRegions(session string) []string {
	if c.strategies == nil {
		return nil
	}
	return c.strategies.Sessions().Regions(session)
}

// Subscribe returns a channel receiving every later event and a function
// that cancels the subscription. Events are dropped for a subscriber whose
// buffer is full.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

type lagListener struct{ c *Coordinator }

func (l lagListener) LagUpdated(r lag.ReplicationLag) {
	l.c.metrics.Lag.With("region", r.Region).Set(float64(r.CurrentLag) / float64(time.Millisecond))
	l.c.events.emit(Event{Kind: EventLagUpdated, At: r.MeasuredAt, Region: r.Region, Lag: &r})
}

func (l lagListener) HighLag(r lag.ReplicationLag) {
	l.c.events.emit(Event{Kind: EventHighLag, At: r.MeasuredAt, Region: r.Region, Lag: &r})
}
