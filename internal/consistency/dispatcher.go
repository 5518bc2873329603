package consistency

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	replerr "georepl/internal/errors"
	"georepl/internal/fanout"
	"georepl/internal/logging"
)

// DispatcherConfig tunes fan-out execution.
type DispatcherConfig struct {
	// PerRegionTimeout bounds each region's propagation.
	PerRegionTimeout time.Duration
	// CancelOnCallerTimeout ties awaited propagation to the caller's
	// context. When false an awaited fan-out keeps running after the caller
	// gives up, bounded only by PerRegionTimeout.
	CancelOnCallerTimeout bool
}

// Result describes a dispatched write.
type Result struct {
	Level      Level
	Awaited    fanout.Outcome
	Background []string

	handle *fanout.Handle
}

// WaitBackground blocks until the fire-and-forget part has finished or ctx
// is done.
func (r Result) WaitBackground(ctx context.Context) error {
	if r.handle == nil {
		return nil
	}
	return r.handle.Wait(ctx)
}

// Dispatcher executes plans.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger log.Logger

	// base outlives callers; it is cancelled by Close to abort background
	// propagation.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, logger log.Logger) *Dispatcher {
	if cfg.PerRegionTimeout <= 0 {
		cfg.PerRegionTimeout = fanout.DefaultPerRegionTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:    cfg,
		logger: logging.Component(logger, "dispatcher"),
		base:   base,
		cancel: cancel,
	}
}

// Dispatch propagates w to targets according to st. report, if non-nil, is
// called once per region with its result. Only awaited failures are
// returned; background failures are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, st Strategy, w Write, targets []string, send fanout.SendFunc, report func(fanout.Result)) (Result, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Result{}, replerr.New(replerr.KindValidation, replerr.OpReplicate, "dispatcher is closed")
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	plan := st.Plan(w, targets)
	res := Result{Level: st.Level(), Background: plan.Background}

	onResult := func(r fanout.Result) {
		if r.Err == nil {
			st.Delivered(w, r.Region)
		}
		if report != nil {
			report(r)
		}
	}

	if len(plan.Background) > 0 {
		res.handle = fanout.Launch(d.base, plan.Background, d.cfg.PerRegionTimeout, send, func(r fanout.Result) {
			if r.Err != nil {
				level.Warn(d.logger).Log(
					"msg", "background propagation failed",
					"key", w.Key,
					"region", r.Region,
					"level", st.Level(),
					"err", r.Err,
				)
			}
			onResult(r)
		})
	}

	if len(plan.Await) == 0 {
		return res, nil
	}

	outcome, err := d.await(ctx, plan.Await, send, onResult)
	res.Awaited = outcome
	if err != nil {
		return res, err
	}
	if outcome.Failed > 0 {
		return res, replerr.Wrap(replerr.KindTransport, replerr.OpReplicate, outcome.Err(), "awaited propagation failed")
	}
	return res, nil
}

func (d *Dispatcher) await(ctx context.Context, regions []string, send fanout.SendFunc, onResult func(fanout.Result)) (fanout.Outcome, error) {
	run := func(runCtx context.Context) fanout.Outcome {
		out := fanout.Await(runCtx, regions, d.cfg.PerRegionTimeout, send)
		for _, r := range out.Results {
			onResult(r)
		}
		return out
	}

	if d.cfg.CancelOnCallerTimeout {
		out := run(ctx)
		if out.Failed > 0 && ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, nil
	}

	done := make(chan fanout.Outcome, 1)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		done <- run(context.WithoutCancel(ctx))
	}()

	select {
	case out := <-done:
		return out, nil
	case <-ctx.Done():
		return fanout.Outcome{}, ctx.Err()
	}
}

// Drain waits for awaited propagations, including ones whose caller already
// returned, or until ctx is done. New dispatches are refused afterwards.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts background propagation still in flight.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
}
