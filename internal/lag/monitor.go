package lag

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"georepl/internal/logging"
)

const (
	// Alpha is the EWMA smoothing factor.
	Alpha = 0.1
	// DefaultThreshold is the default high-lag threshold.
	DefaultThreshold = 10 * time.Second
	// DefaultSampleInterval is the default background sampling period.
	DefaultSampleInterval = 5 * time.Second
)

// ReplicationLag is the rolling view of one region's propagation delay.
type ReplicationLag struct {
	Region     string
	CurrentLag time.Duration
	AverageLag time.Duration
	MaxLag     time.Duration
	Samples    int
	MeasuredAt time.Time
	High       bool
}

// Listener receives lag signals. Calls happen on the recording goroutine
// after the monitor's lock is released, in recording order.
type Listener interface {
	LagUpdated(ReplicationLag)
	HighLag(ReplicationLag)
}

// Sampler measures the current lag towards one region.
type Sampler interface {
	SampleLag(ctx context.Context, region string) (time.Duration, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context, region string) (time.Duration, error)

// SampleLag implements Sampler.
func (f SamplerFunc) SampleLag(ctx context.Context, region string) (time.Duration, error) {
	return f(ctx, region)
}

type regionState struct {
	lag     ReplicationLag
	avgMs   float64
	started bool
}

// Monitor tracks lag for every region it has received samples for.
type Monitor struct {
	mu        sync.RWMutex
	regions   map[string]*regionState
	threshold time.Duration
	listener  Listener
	logger    log.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithListener sets the signal listener.
func WithListener(l Listener) Option {
	return func(m *Monitor) { m.listener = l }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Monitor) { m.logger = logging.Component(logger, "lag") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor. A non-positive threshold selects
// DefaultThreshold.
func NewMonitor(threshold time.Duration, opts ...Option) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		regions:   make(map[string]*regionState),
		threshold: threshold,
		logger:    log.NewNopLogger(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Threshold returns the high-lag threshold.
func (m *Monitor) Threshold() time.Duration {
	return m.threshold
}

// Record ingests one sample for region. Negative samples, which come from
// clock skew between regions, are clamped to zero.
func (m *Monitor) Record(region string, sample time.Duration) ReplicationLag {
	if sample < 0 {
		sample = 0
	}
	sampleMs := float64(sample) / float64(time.Millisecond)

	m.mu.Lock()
	st, ok := m.regions[region]
	if !ok {
		st = &regionState{lag: ReplicationLag{Region: region}}
		m.regions[region] = st
	}

	if !st.started {
		st.avgMs = sampleMs
		st.started = true
	} else {
		st.avgMs = Alpha*sampleMs + (1-Alpha)*st.avgMs
	}

	wasHigh := st.lag.High
	st.lag.CurrentLag = sample
	st.lag.AverageLag = time.Duration(st.avgMs * float64(time.Millisecond))
	if sample > st.lag.MaxLag {
		st.lag.MaxLag = sample
	}
	st.lag.Samples++
	st.lag.MeasuredAt = m.now()
	st.lag.High = sample > m.threshold
	snapshot := st.lag
	m.mu.Unlock()

	if m.listener != nil {
		m.listener.LagUpdated(snapshot)
		if snapshot.High && !wasHigh {
			m.listener.HighLag(snapshot)
		}
	}
	if snapshot.High && !wasHigh {
		level.Warn(m.logger).Log(
			"msg", "replication lag above threshold",
			"region", region,
			"lag", sample,
			"threshold", m.threshold,
		)
	}
	return snapshot
}

// Get returns the lag of region.
func (m *Monitor) Get(region string) (ReplicationLag, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.regions[region]
	if !ok {
		return ReplicationLag{}, false
	}
	return st.lag, true
}

// CurrentLag returns the latest sample of region, or zero if unknown.
func (m *Monitor) CurrentLag(region string) time.Duration {
	l, _ := m.Get(region)
	return l.CurrentLag
}

// All returns the lag of every known region, sorted by region.
func (m *Monitor) All() []ReplicationLag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ReplicationLag, 0, len(m.regions))
	for _, st := range m.regions {
		out = append(out, st.lag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out
}

// Start runs the sampling loop for regions every interval until Stop.
func (m *Monitor) Start(sampler Sampler, regions []string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	targets := append([]string(nil), regions...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.sampleAll(sampler, targets, interval)
			}
		}
	}()
}

// Stop stops the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// sampleAll samples each region concurrently, bounded by interval.
func (m *Monitor) sampleAll(sampler Sampler, regions []string, interval time.Duration) {
	var wg sync.WaitGroup
	for _, region := range regions {
		wg.Add(1)
		go func(region string) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					level.Error(m.logger).Log("msg", "lag sampler panic", "region", region, "panic", p)
				}
			}()

			ctx, cancel := context.WithTimeout(m.ctx, interval)
			defer cancel()

			sample, err := sampler.SampleLag(ctx, region)
			if err != nil {
				level.Warn(m.logger).Log("msg", "lag sample failed", "region", region, "err", err)
				return
			}
			m.Record(region, sample)
		}(region)
	}
	wg.Wait()
}
