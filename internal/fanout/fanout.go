package fanout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultPerRegionTimeout bounds a single region's propagation.
	DefaultPerRegionTimeout = 5 * time.Second
)

// SendFunc propagates the write to a single region.
type SendFunc func(ctx context.Context, region string) error

// Result is the outcome of propagating to one region.
type Result struct {
	Region   string
	Err      error
	Duration time.Duration
}

// Outcome aggregates the results of an awaited fan-out.
type Outcome struct {
	Results   []Result
	Succeeded int
	Failed    int
}

// Err joins every per-region failure, or returns nil when all succeeded.
func (o Outcome) Err() error {
	if o.Failed == 0 {
		return nil
	}
	errs := make([]error, 0, o.Failed)
	for _, r := range o.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// FailedRegions returns the regions that failed, sorted.
func (o Outcome) FailedRegions() []string {
	var out []string
	for _, r := range o.Results {
		if r.Err != nil {
			out = append(out, r.Region)
		}
	}
	sort.Strings(out)
	return out
}

// Await propagates to every region in parallel and waits for all of them.
// Results are ordered like regions.
func Await(ctx context.Context, regions []string, timeout time.Duration, send SendFunc) Outcome {
	if timeout <= 0 {
		timeout = DefaultPerRegionTimeout
	}

	results := make([]Result, len(regions))
	var wg sync.WaitGroup
	for i, region := range regions {
		wg.Add(1)
		go func(i int, region string) {
			defer wg.Done()
			results[i] = sendOne(ctx, region, timeout, send)
		}(i, region)
	}
	wg.Wait()

	out := Outcome{Results: results}
	for _, r := range results {
		if r.Err != nil {
			out.Failed++
		} else {
			out.Succeeded++
		}
	}
	return out
}

// Handle tracks a launched fan-out.
type Handle struct {
	done chan struct{}
}

// Done is closed once every region has reported.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until every region has reported or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Launch propagates to every region without waiting. onResult, if non-nil,
// is called once per region from the propagating goroutine. ctx should be
// detached from the caller's request.
func Launch(ctx context.Context, regions []string, timeout time.Duration, send SendFunc, onResult func(Result)) *Handle {
	if timeout <= 0 {
		timeout = DefaultPerRegionTimeout
	}

	h := &Handle{done: make(chan struct{})}
	var wg sync.WaitGroup
	for _, region := range regions {
		wg.Add(1)
		go func(region string) {
			defer wg.Done()
			r := sendOne(ctx, region, timeout, send)
			if onResult != nil {
				onResult(r)
			}
		}(region)
	}
	go func() {
		wg.Wait()
		close(h.done)
	}()
	return h
}

func sendOne(ctx context.Context, region string, timeout time.Duration, send SendFunc) (res Result) {
	start := time.Now()
	res.Region = region

	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("region %s: panic during propagation: %v", region, p)
		}
		res.Duration = time.Since(start)
	}()

	regionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := send(regionCtx, region); err != nil {
		res.Err = fmt.Errorf("region %s: %w", region, err)
	}
	return res
}
