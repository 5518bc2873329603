package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwait_AllSucceed(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	out := Await(context.Background(), []string{"eu", "ap", "sa"}, time.Second, func(ctx context.Context, region string) error {
		mu.Lock()
		seen[region] = true
		mu.Unlock()
		return nil
	})

	require.NoError(t, out.Err())
	assert.Equal(t, 3, out.Succeeded)
	assert.Len(t, seen, 3)
	assert.Equal(t, "eu", out.Results[0].Region)
}

func TestAwait_ReportsFailures(t *testing.T) {
	boom := errors.New("unreachable")
	out := Await(context.Background(), []string{"eu", "ap"}, time.Second, func(ctx context.Context, region string) error {
		if region == "ap" {
			return boom
		}
		return nil
	})

	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, []string{"ap"}, out.FailedRegions())
	assert.ErrorIs(t, out.Err(), boom)
	assert.Contains(t, out.Err().Error(), "region ap")
}

func TestAwait_RunsInParallel(t *testing.T) {
	start := time.Now()
	out := Await(context.Background(), []string{"a", "b", "c", "d", "e"}, time.Second, func(ctx context.Context, region string) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	require.NoError(t, out.Err())
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestAwait_PerRegionTimeout(t *testing.T) {
	out := Await(context.Background(), []string{"slow"}, 20*time.Millisecond, func(ctx context.Context, region string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, out.Err(), context.DeadlineExceeded)
}

func TestAwait_RecoversPanic(t *testing.T) {
	out := Await(context.Background(), []string{"eu"}, time.Second, func(ctx context.Context, region string) error {
		panic("adapter bug")
	})
	require.Error(t, out.Err())
	assert.Contains(t, out.Err().Error(), "panic")
}

func TestLaunch_DoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	results := make(chan Result, 2)

	start := time.Now()
	h := Launch(context.Background(), []string{"eu", "ap"}, time.Second, func(ctx context.Context, region string) error {
		<-release
		if region == "ap" {
			return errors.New("down")
		}
		return nil
	}, func(r Result) { results <- r })
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	close(release)
	require.NoError(t, h.Wait(context.Background()))

	close(results)
	failed := 0
	for r := range results {
		if r.Err != nil {
			failed++
			assert.Equal(t, "ap", r.Region)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestHandle_WaitHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	h := Launch(context.Background(), []string{"eu"}, time.Second, func(ctx context.Context, region string) error {
		<-block
		return nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)
}
