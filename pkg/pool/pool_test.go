package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRunsJobs(t *testing.T) {
	p := New(2, nil)
	defer p.Shutdown()

	var n int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			atomic.AddInt32(&n, 1)
		}))
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&n) == 10 }, time.Second, time.Millisecond)
}

func TestShutdownRejectsFurtherSubmits(t *testing.T) {
	p := New(1, nil)
	p.Shutdown()
	err := p.Submit(context.Background(), func(ctx context.Context) {})
	require.Error(t, err)
}

func TestPanicInJobIsRecovered(t *testing.T) {
	p := New(1, nil)
	defer p.Shutdown()
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		panic("boom")
	}))
	var n int32
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		atomic.AddInt32(&n, 1)
	}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&n) == 1 }, time.Second, time.Millisecond)
}
