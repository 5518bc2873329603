package replication

import (
	"context"
	"time"

	"github.com/go-kit/log"

	"georepl/internal/clock"
	"georepl/internal/codec"
	"georepl/internal/consistency"
	"georepl/internal/lag"
	"georepl/internal/locality"
	"georepl/internal/logging"
	"georepl/internal/metrics"
	"georepl/internal/repair"
	"georepl/internal/storage"
)

// Sink is one transport towards peer regions: the gRPC peer service, the
// cache channel, the stream topic or the regional database.
type Sink interface {
	Name() string
	Send(ctx context.Context, region string, env codec.Envelope) error
}

// RegionChecker is implemented by sinks that reach only some regions.
// Initialize fails when such a sink cannot reach a peer.
type RegionChecker interface {
	CheckRegions(regions []string) error
}

// Mirror receives every version applied locally. Failures are logged only.
type Mirror interface {
	Mirror(ctx context.Context, key string, vd storage.VersionedData) error
}

// Config is the coordinator's static configuration.
type Config struct {
	// Region is the local region.
	Region string
	// Peers are the default target regions of a write.
	Peers []string

	DefaultLevel          consistency.Level
	MaxStaleness          time.Duration
	PerRegionTimeout      time.Duration
	CancelOnCallerTimeout bool

	ConflictStrategy repair.Strategy
	// Merge is required by the custom conflict strategy.
	Merge repair.MergeFunc

	LagThreshold      time.Duration
	LagSampleInterval time.Duration

	LocalityEnabled bool
	LocalityRules   []locality.Rule

	// DefaultTable is attached to envelopes whose write names no table.
	DefaultTable string
}

// Options tunes a single Replicate call.
type Options struct {
	// Level overrides the default consistency level.
	Level consistency.Level
	// Targets overrides the configured peers.
	Targets []string
	// Session identifies the client for read-your-writes.
	Session string
	// Dependencies are clocks the write causally depends on.
	Dependencies []clock.VectorClock
	// Table names the relational table of the record.
	Table string
	// TenantID and TenantRegion select the residency rule; TenantRegion
	// defaults to the local region.
	TenantID     string
	TenantRegion string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Coordinator) { c.base = logging.OrNop(logger) }
}

// WithMetrics sets the instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithStore replaces the in-memory store.
func WithStore(s storage.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithSinks adds transports.
func WithSinks(sinks ...Sink) Option {
	return func(c *Coordinator) { c.sinks = append(c.sinks, sinks...) }
}

// WithMirror sets the local mirror.
func WithMirror(m Mirror) Option {
	return func(c *Coordinator) { c.mirror = m }
}

// WithSampler enables the background lag sampling loop.
func WithSampler(s lag.Sampler) Option {
	return func(c *Coordinator) { c.sampler = s }
}

// WithObserver adds an event observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}
