// Package async provides the serialized execution primitives used by the bus.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/livebus/errs"
	"github.com/coachpo/livebus/internal/observability"
)

const scope = "lib/async"

// Task represents a unit of work executed on the loop goroutine.
//
// The context a task receives owns the loop and must stay on the goroutine that
// runs the task. Use Yield before handing it to foreign code.
type Task func(context.Context)

type (
	loopKey struct{}
	holdKey struct{}
)

// frame marks one task execution; contexts carrying the frame of the task that is
// currently running execute nested work inline.
type frame struct {
	loop *Loop
}

// hold identifies the call stack that owns the loop token. Only contexts carrying
// the current hold re-enter without taking the token.
type hold struct{}

// Loop runs tasks one at a time on a single goroutine in submission order.
//
// Submissions never block: the queue is unbounded so observer code running on the
// loop can enqueue more work without deadlocking.
type Loop struct {
	name    string
	metrics *LoopMetrics
	logger  observability.Logger

	base    context.Context
	cancel  context.CancelFunc
	current atomic.Pointer[frame]

	// token is held by whichever call stack mutates loop-owned state: the loop
	// goroutine while it runs a task, or an inline caller during a Yield window.
	token  sync.Mutex
	holder atomic.Pointer[hold]

	mu      sync.Mutex
	queue   []Task
	closed  bool
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	wg   conc.WaitGroup
	once sync.Once
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithMetrics attaches prometheus instruments to the loop.
func WithMetrics(metrics *LoopMetrics) LoopOption {
	return func(l *Loop) {
		l.metrics = metrics
	}
}

// WithLogger overrides the logger used for task panics. Defaults to observability.Log().
func WithLogger(logger observability.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

// NewLoop creates and starts a loop.
func NewLoop(name string, opts ...LoopOption) *Loop {
	if name == "" {
		name = "loop"
	}
	l := new(Loop)
	l.name = name
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.base, l.cancel = context.WithCancel(context.Background())
	l.wake = make(chan struct{}, 1)
	l.done = make(chan struct{})
	l.wg.Go(l.run)
	return l
}

// Name returns the loop label used in metrics and logs.
func (l *Loop) Name() string {
	return l.name
}

// OnLoop reports whether ctx was issued by this loop for the task currently running.
func (l *Loop) OnLoop(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	f, ok := ctx.Value(loopKey{}).(*frame)
	if !ok || f == nil || f.loop != l {
		return false
	}
	return l.current.Load() == f
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Execute runs task inline when ctx is already on the loop, otherwise enqueues it
// and returns immediately.
//
// Inline execution needs the loop token. A goroutine that received a loop context
// only gets it while the loop is parked in Yield; otherwise the task is queued.
func (l *Loop) Execute(ctx context.Context, task Task) error {
	if task == nil {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if inlineCtx, release, ok := l.enter(ctx, false); ok {
		defer release()
		l.metrics.observeInline(l.name)
		l.invoke(inlineCtx, task)
		return nil
	}
	return l.enqueue(task)
}

// Yield runs fn with the loop token released so code outside the loop's control,
// such as observer callbacks, may call back in from any goroutine. The token is
// taken back before Yield returns, waiting for any inline work fn started.
// Contexts passed to fn no longer carry the token.
func (l *Loop) Yield(ctx context.Context, fn func(context.Context)) {
	h, _ := ctx.Value(holdKey{}).(*hold)
	if h == nil || l.holder.Load() != h {
		fn(ctx)
		return
	}
	l.holder.Store(nil)
	l.token.Unlock()
	defer func() {
		l.token.Lock()
		l.holder.Store(h)
	}()
	fn(context.WithValue(ctx, holdKey{}, (*hold)(nil)))
}

// enter grants inline execution to ctx. The caller already owning the token
// re-enters directly; anyone else must win the token while the task ctx was
// issued for is still running. wait blocks for the token instead of giving up.
func (l *Loop) enter(ctx context.Context, wait bool) (context.Context, func(), bool) {
	if !l.OnLoop(ctx) {
		return nil, nil, false
	}
	if h, _ := ctx.Value(holdKey{}).(*hold); h != nil && l.holder.Load() == h {
		return ctx, func() {}, true
	}
	if wait {
		l.token.Lock()
	} else if !l.token.TryLock() {
		return nil, nil, false
	}
	if !l.OnLoop(ctx) {
		l.token.Unlock()
		return nil, nil, false
	}
	h := new(hold)
	l.holder.Store(h)
	release := func() {
		l.holder.Store(nil)
		l.token.Unlock()
	}
	return context.WithValue(ctx, holdKey{}, h), release, true
}

// Sync runs task on the loop and waits for it to finish or for ctx to expire.
func (l *Loop) Sync(ctx context.Context, task Task) error {
	if task == nil {
		return errs.New(scope, errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if inlineCtx, release, ok := l.enter(ctx, true); ok {
		defer release()
		l.metrics.observeInline(l.name)
		l.invoke(inlineCtx, task)
		return nil
	}
	finished := make(chan struct{})
	if err := l.enqueue(func(loopCtx context.Context) {
		defer close(finished)
		task(loopCtx)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return errs.Closed(scope)
		}
	case <-ctx.Done():
		return fmt.Errorf("sync context: %w", ctx.Err())
	}
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Shutdown stops accepting tasks and waits for the queued ones to run or until ctx expires.
// When ctx expires the remaining tasks are dropped.
func (l *Loop) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()

	select {
	case <-l.done:
		l.finish()
		return nil
	case <-ctx.Done():
		l.stop()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	}
}

// Close stops accepting tasks, drops the queued ones and waits for the running task.
// It must not be called from a task running on the loop.
func (l *Loop) Close() {
	l.stop()
	l.wg.Wait()
	l.finish()
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.closed = true
	l.stopped = true
	for i := range l.queue {
		l.queue[i] = nil
	}
	l.queue = nil
	l.mu.Unlock()
	l.metrics.setDepth(l.name, 0)
	l.signal()
}

func (l *Loop) finish() {
	l.once.Do(l.cancel)
}

func (l *Loop) enqueue(task Task) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errs.Closed(scope)
	}
	l.queue = append(l.queue, task)
	depth := len(l.queue)
	l.mu.Unlock()

	l.metrics.setDepth(l.name, depth)
	l.signal()
	return nil
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		task, ok := l.next()
		if !ok {
			return
		}
		f, h := &frame{loop: l}, new(hold)
		ctx := context.WithValue(context.WithValue(l.base, loopKey{}, f), holdKey{}, h)
		l.token.Lock()
		l.holder.Store(h)
		l.current.Store(f)
		l.invoke(ctx, task)
		l.current.Store(nil)
		l.holder.Store(nil)
		l.token.Unlock()
		l.metrics.observeExecuted(l.name)
	}
}

func (l *Loop) next() (Task, bool) {
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return nil, false
		}
		if len(l.queue) > 0 {
			task := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			depth := len(l.queue)
			l.mu.Unlock()
			l.metrics.setDepth(l.name, depth)
			return task, true
		}
		if l.closed {
			l.mu.Unlock()
			return nil, false
		}
		l.mu.Unlock()
		<-l.wake
	}
}

func (l *Loop) invoke(ctx context.Context, task Task) {
	start := time.Now()
	var pc panics.Catcher
	pc.Try(func() { task(ctx) })
	l.metrics.observeDuration(l.name, time.Since(start))
	if r := pc.Recovered(); r != nil {
		l.metrics.observePanic(l.name)
		l.log().Error("loop task panic",
			observability.F("loop", l.name),
			observability.F("panic", fmt.Sprint(r.Value)),
		)
	}
}

func (l *Loop) log() observability.Logger {
	if l.logger != nil {
		return l.logger
	}
	return observability.Log()
}
