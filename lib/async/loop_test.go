package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/livebus/errs"
)

func TestLoopRunsTasksInSubmissionOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("fifo")
	defer loop.Close()

	const total = 1000
	var got []int
	ctx := context.Background()
	for i := 0; i < total; i++ {
		v := i
		require.NoError(t, loop.Execute(ctx, func(context.Context) {
			got = append(got, v)
		}))
	}
	require.NoError(t, loop.Sync(ctx, func(context.Context) {}))

	require.Len(t, got, total)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestLoopExecutesInlineWhenAlreadyOnLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("inline")
	defer loop.Close()

	var order []string
	err := loop.Sync(context.Background(), func(ctx context.Context) {
		require.True(t, loop.OnLoop(ctx))
		order = append(order, "outer-start")
		require.NoError(t, loop.Execute(ctx, func(context.Context) {
			order = append(order, "nested")
		}))
		order = append(order, "outer-end")
	})
	require.NoError(t, err)
	require.Equal(t, []string{"outer-start", "nested", "outer-end"}, order)
}

func TestLoopContextFromFinishedTaskIsNotInline(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("stale")
	defer loop.Close()

	var leaked context.Context
	require.NoError(t, loop.Sync(context.Background(), func(ctx context.Context) {
		leaked = ctx
	}))
	require.False(t, loop.OnLoop(leaked))
	require.False(t, loop.OnLoop(context.Background()))

	other := NewLoop("other")
	defer other.Close()
	require.NoError(t, other.Sync(context.Background(), func(ctx context.Context) {
		require.False(t, loop.OnLoop(ctx))
	}))
}

func TestLoopConcurrentSubmittersAreSerialized(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("serial")
	defer loop.Close()

	const workers = 8
	const perWorker = 250
	counter := 0
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = loop.Execute(context.Background(), func(context.Context) {
					counter++
				})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, loop.Sync(context.Background(), func(context.Context) {}))
	require.Equal(t, workers*perWorker, counter)
}

func TestLoopRecoversTaskPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := prometheus.NewRegistry()
	metrics := NewLoopMetrics(reg)
	loop := NewLoop("panics", WithMetrics(metrics))
	defer loop.Close()

	ran := false
	ctx := context.Background()
	require.NoError(t, loop.Execute(ctx, func(context.Context) { panic("observer exploded") }))
	require.NoError(t, loop.Execute(ctx, func(context.Context) { ran = true }))
	require.NoError(t, loop.Sync(ctx, func(context.Context) {}))
	loop.Close()

	require.True(t, ran)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PanicCounter("panics")))
	require.Equal(t, 3.0, testutil.ToFloat64(metrics.ExecutedCounter("panics")))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.DepthGauge("panics")))
}

func TestLoopCountsInlineExecutions(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := prometheus.NewRegistry()
	metrics := NewLoopMetrics(reg)
	loop := NewLoop("counted", WithMetrics(metrics))
	defer loop.Close()

	require.NoError(t, loop.Sync(context.Background(), func(ctx context.Context) {
		_ = loop.Execute(ctx, func(context.Context) {})
		_ = loop.Execute(ctx, func(context.Context) {})
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.InlineCounter("counted")))
}

func TestLoopRejectsAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("closed")
	loop.Close()
	loop.Close()

	err := loop.Execute(context.Background(), func(context.Context) {})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	err = loop.Sync(context.Background(), func(context.Context) {})
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestLoopRejectsNilTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("nil")
	defer loop.Close()

	require.True(t, errs.Is(loop.Execute(context.Background(), nil), errs.CodeInvalid))
	require.True(t, errs.Is(loop.Sync(context.Background(), nil), errs.CodeInvalid))
}

func TestLoopShutdownDrainsQueuedTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("drain")
	gate := make(chan struct{})
	ran := 0
	ctx := context.Background()
	require.NoError(t, loop.Execute(ctx, func(context.Context) { <-gate }))
	for i := 0; i < 10; i++ {
		require.NoError(t, loop.Execute(ctx, func(context.Context) { ran++ }))
	}
	close(gate)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, loop.Shutdown(shutdownCtx))
	require.Equal(t, 10, ran)
	require.Zero(t, loop.Len())
	loop.Close()
}

func TestLoopShutdownHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("slow")
	gate := make(chan struct{})
	require.NoError(t, loop.Execute(context.Background(), func(context.Context) { <-gate }))
	require.NoError(t, loop.Execute(context.Background(), func(context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := loop.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	loop.Close()
	require.Zero(t, loop.Len())
}

func TestLoopSyncHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("sync")
	defer loop.Close()

	gate := make(chan struct{})
	require.NoError(t, loop.Execute(context.Background(), func(context.Context) { <-gate }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := loop.Sync(ctx, func(context.Context) {})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(gate)
}

func TestLoopMetricsShareRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewLoopMetrics(reg)
	second := NewLoopMetrics(reg)

	first.observeExecuted("a")
	second.observeExecuted("a")
	require.Equal(t, 2.0, testutil.ToFloat64(first.ExecutedCounter("a")))
}

func TestLoopYieldAdmitsGoroutineTheTaskWaitsFor(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("yield")
	defer loop.Close()

	counter := 0
	seen := 0
	require.NoError(t, loop.Sync(context.Background(), func(ctx context.Context) {
		counter++
		loop.Yield(ctx, func(yctx context.Context) {
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = loop.Execute(yctx, func(context.Context) { counter++ })
			}()
			wg.Wait()
		})
		seen = counter
	}))
	require.Equal(t, 2, seen)
}

func TestLoopYieldSerializesConcurrentInlineCallers(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("contended")
	defer loop.Close()

	counter := 0
	seen := 0
	var queuedRan atomic.Bool
	queuedInline := true
	require.NoError(t, loop.Sync(context.Background(), func(ctx context.Context) {
		loop.Yield(ctx, func(yctx context.Context) {
			entered := make(chan struct{})
			release := make(chan struct{})
			go func() {
				_ = loop.Execute(yctx, func(context.Context) {
					close(entered)
					<-release
					counter++
				})
			}()
			<-entered
			_ = loop.Execute(yctx, func(context.Context) { queuedRan.Store(true) })
			queuedInline = queuedRan.Load()
			close(release)
		})
		// Yield returns only after the goroutine released the loop.
		seen = counter
	}))
	require.NoError(t, loop.Sync(context.Background(), func(context.Context) {}))

	require.False(t, queuedInline, "a second caller must queue while another runs inline")
	require.True(t, queuedRan.Load())
	require.Equal(t, 1, seen)
}

func TestLoopSyncWaitsForInlineCallerInsteadOfQueueing(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("sync-wait")
	defer loop.Close()

	var order []string
	require.NoError(t, loop.Sync(context.Background(), func(ctx context.Context) {
		loop.Yield(ctx, func(yctx context.Context) {
			entered := make(chan struct{})
			release := make(chan struct{})
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				_ = loop.Execute(yctx, func(context.Context) {
					close(entered)
					<-release
					order = append(order, "goroutine")
				})
			}()
			<-entered
			go func() {
				time.Sleep(10 * time.Millisecond)
				close(release)
			}()
			err := loop.Sync(yctx, func(context.Context) { order = append(order, "sync") })
			if err != nil {
				t.Error(err)
			}
			<-finished
		})
	}))
	require.Equal(t, []string{"goroutine", "sync"}, order)
}

func TestLoopQueuesYieldedContextOnceTaskResumes(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("resumed")
	defer loop.Close()

	var ran atomic.Bool
	ranInline := true
	require.NoError(t, loop.Sync(context.Background(), func(ctx context.Context) {
		var leaked context.Context
		loop.Yield(ctx, func(yctx context.Context) { leaked = yctx })

		returned := make(chan bool)
		go func() {
			_ = loop.Execute(leaked, func(context.Context) { ran.Store(true) })
			returned <- ran.Load()
		}()
		ranInline = <-returned
	}))
	require.NoError(t, loop.Sync(context.Background(), func(context.Context) {}))

	require.False(t, ranInline, "the task holds the loop again, so the call must queue")
	require.True(t, ran.Load())
}

func TestLoopYieldOutsideTaskRunsDirectly(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewLoop("direct")
	defer loop.Close()

	called := false
	loop.Yield(context.Background(), func(context.Context) { called = true })
	require.True(t, called)
}
