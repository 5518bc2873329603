package consistency

import (
	"time"

	"georepl/internal/clock"
	replerr "georepl/internal/errors"
	"georepl/internal/lag"
)

// Write is the part of a local write the strategies look at.
type Write struct {
	Key          string
	Origin       string
	Session      string
	Clock        clock.VectorClock
	Dependencies []clock.VectorClock
}

// Plan splits the target regions into awaited and background propagation.
type Plan struct {
	Await      []string
	Background []string
}

// Strategy is one consistency level.
type Strategy interface {
	Level() Level
	// Prepare runs under the key lock before the write is stored and may
	// adjust its clock.
	Prepare(w *Write)
	// Plan partitions targets.
	Plan(w Write, targets []string) Plan
	// Delivered is called for every region that acknowledged the write.
	Delivered(w Write, region string)
}

// LagReader reports the latest measured lag of a region.
type LagReader interface {
	CurrentLag(region string) time.Duration
}

var _ LagReader = (*lag.Monitor)(nil)

type fireAndForget struct{}

func (fireAndForget) Prepare(*Write) {}

func (fireAndForget) Plan(_ Write, targets []string) Plan {
	return Plan{Background: append([]string(nil), targets...)}
}

func (fireAndForget) Delivered(Write, string) {}

// StrongStrategy awaits every target.
type StrongStrategy struct{ fireAndForget }

func (StrongStrategy) Level() Level { return Strong }

func (StrongStrategy) Plan(_ Write, targets []string) Plan {
	return Plan{Await: append([]string(nil), targets...)}
}

// EventualStrategy never waits.
type EventualStrategy struct{ fireAndForget }

func (EventualStrategy) Level() Level { return Eventual }

// MonotonicReadsStrategy behaves as eventual; read pinning is the caller's.
type MonotonicReadsStrategy struct{ fireAndForget }

func (MonotonicReadsStrategy) Level() Level { return MonotonicReads }

// BoundedStalenessStrategy awaits the regions whose current lag exceeds Max.
type BoundedStalenessStrategy struct {
	fireAndForget
	Lag LagReader
	Max time.Duration
}

func (BoundedStalenessStrategy) Level() Level { return BoundedStaleness }

func (s BoundedStalenessStrategy) Plan(_ Write, targets []string) Plan {
	var p Plan
	for _, region := range targets {
		if s.Lag.CurrentLag(region) > s.Max {
			p.Await = append(p.Await, region)
		} else {
			p.Background = append(p.Background, region)
		}
	}
	return p
}

// ReadYourWritesStrategy records which regions hold a session's writes.
type ReadYourWritesStrategy struct {
	fireAndForget
	Sessions *Sessions
}

func (ReadYourWritesStrategy) Level() Level { return ReadYourWrites }

func (s ReadYourWritesStrategy) Prepare(w *Write) {
	if w.Session != "" {
		s.Sessions.Record(w.Session, w.Origin)
	}
}

func (s ReadYourWritesStrategy) Delivered(w Write, region string) {
	if w.Session != "" {
		s.Sessions.Record(w.Session, region)
	}
}

// CausalStrategy makes the propagated clock dominate every dependency.
type CausalStrategy struct{ fireAndForget }

func (CausalStrategy) Level() Level { return Causal }

func (CausalStrategy) Prepare(w *Write) {
	for _, dep := range w.Dependencies {
		w.Clock.Merge(dep)
	}
}

// Options configures NewSet.
type Options struct {
	MaxStaleness time.Duration
	Lag          LagReader
	Sessions     *Sessions
}

// Set holds one strategy per level.
type Set struct {
	byLevel  map[Level]Strategy
	sessions *Sessions
}

// NewSet builds every strategy. It fails when bounded staleness has no lag
// source.
func NewSet(opts Options) (*Set, error) {
	if opts.Lag == nil {
		return nil, replerr.New(replerr.KindConfig, replerr.OpInitialize, "bounded staleness requires a lag source")
	}
	if opts.MaxStaleness <= 0 {
		opts.MaxStaleness = lag.DefaultThreshold
	}
	if opts.Sessions == nil {
		opts.Sessions = NewSessions()
	}

	strategies := []Strategy{
		StrongStrategy{},
		EventualStrategy{},
		BoundedStalenessStrategy{Lag: opts.Lag, Max: opts.MaxStaleness},
		ReadYourWritesStrategy{Sessions: opts.Sessions},
		MonotonicReadsStrategy{},
		CausalStrategy{},
	}

	s := &Set{byLevel: make(map[Level]Strategy, len(strategies)), sessions: opts.Sessions}
	for _, st := range strategies {
		s.byLevel[st.Level()] = st
	}
	return s, nil
}

// Get returns the strategy for level.
func (s *Set) Get(level Level) (Strategy, error) {
	parsed, err := ParseLevel(string(level))
	if err != nil {
		return nil, err
	}
	st, ok := s.byLevel[parsed]
	if !ok {
		return nil, replerr.Newf(replerr.KindValidation, replerr.OpReplicate, "unknown consistency level %q", level)
	}
	return st, nil
}

// Sessions returns the read-your-writes affinity table.
func (s *Set) Sessions() *Sessions {
	return s.sessions
}
