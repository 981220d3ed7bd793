// Package livebus implements an in-process, key-addressed publish/subscribe registry.
//
// Each key owns a channel that retains its latest value. Observers either follow an
// owner lifecycle (values are only delivered while the owner is active and replayed
// once when it becomes active again) or stay subscribed until removed. Every mutation
// runs on a single dispatch loop in submission order.
package livebus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/coachpo/livebus/config"
	"github.com/coachpo/livebus/errs"
	"github.com/coachpo/livebus/internal/lifecycle"
	"github.com/coachpo/livebus/internal/observability"
	"github.com/coachpo/livebus/lib/async"
	"github.com/coachpo/livebus/lib/telemetry"
)

const (
	scopePost    = "livebus/post"
	scopeObserve = "livebus/observe"
	scopeRemove  = "livebus/remove"
	scopeDeliver = "livebus/deliver"
	scopeBus     = "livebus"

	defaultName            = "livebus"
	defaultShutdownTimeout = 5 * time.Second
)

// ErrorHandler is notified of every failed delivery, after logging.
type ErrorHandler func(key string, id SubscriptionID, err error)

// Bus is the channel registry plus its dispatch loop.
type Bus struct {
	name            string
	scopeName       string
	loop            *async.Loop
	ownsLoop        bool
	loopMetrics     *async.LoopMetrics
	reg             *registry
	metrics         *busMetrics
	meterProvider   metric.MeterProvider
	tracerProvider  trace.TracerProvider
	tracer          trace.Tracer
	onError         ErrorHandler
	shutdownTimeout time.Duration

	logger     atomic.Pointer[loggerRef]
	logEnabled atomic.Bool
	errLog     rate.Sometimes

	closed       atomic.Bool
	shutdownMu   sync.Mutex
	tornDown     bool
	shutdownDone bool
}

type loggerRef struct {
	logger observability.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithName labels the bus and its dispatch loop.
func WithName(name string) Option {
	return func(b *Bus) {
		if name != "" {
			b.name = name
		}
	}
}

// WithLoop runs the bus on an existing loop. The bus does not shut the loop down.
func WithLoop(loop *async.Loop) Option {
	return func(b *Bus) {
		b.loop = loop
	}
}

// WithLoopMetrics attaches prometheus instruments to the loop the bus creates.
func WithLoopMetrics(metrics *async.LoopMetrics) Option {
	return func(b *Bus) {
		b.loopMetrics = metrics
	}
}

// WithLogger sets the bus logger. Defaults to observability.Log().
func WithLogger(logger observability.Logger) Option {
	return func(b *Bus) {
		b.SetLogger(logger)
	}
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(b *Bus) {
		b.meterProvider = mp
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Bus) {
		b.tracerProvider = tp
	}
}

// WithInstrumentationName names the OpenTelemetry tracer and meter scope.
// Defaults to telemetry.ServiceName.
func WithInstrumentationName(name string) Option {
	return func(b *Bus) {
		if name != "" {
			b.scopeName = name
		}
	}
}

// WithErrorHandler registers fn for failed deliveries.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(b *Bus) {
		b.onError = fn
	}
}

// WithShutdownTimeout bounds Close.
func WithShutdownTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.shutdownTimeout = d
		}
	}
}

// NewBus constructs a bus and starts its dispatch loop.
func NewBus(opts ...Option) *Bus {
	b := new(Bus)
	b.name = defaultName
	b.scopeName = telemetry.ServiceName
	b.shutdownTimeout = defaultShutdownTimeout
	b.reg = newRegistry()
	b.errLog = rate.Sometimes{First: 10, Interval: time.Second}
	b.logEnabled.Store(true)
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.loop == nil {
		b.loop = async.NewLoop(b.name,
			async.WithMetrics(b.loopMetrics),
			async.WithLogger(busLogger{bus: b}),
		)
		b.ownsLoop = true
	}
	b.metrics = newBusMetrics(b.meterProvider, b.scopeName)
	if b.tracerProvider != nil {
		b.tracer = b.tracerProvider.Tracer(b.scopeName)
	} else {
		b.tracer = otel.Tracer(b.scopeName)
	}
	return b
}

// New constructs a bus from cfg. Options are applied after the configuration.
func New(cfg config.BusConfig, opts ...Option) (*Bus, error) {
	cfg = cfg.Clone()
	cfg.Normalise()
	if err := cfg.Validate(context.Background()); err != nil {
		return nil, errs.New(scopeBus, errs.CodeInvalid,
			errs.WithMessage("invalid bus configuration"),
			errs.WithCause(err))
	}

	base := []Option{
		WithName(cfg.Dispatcher.Name),
		WithShutdownTimeout(cfg.Dispatcher.ShutdownTimeoutDuration()),
		WithInstrumentationName(cfg.Telemetry.ServiceName),
	}
	if cfg.Dispatcher.Metrics {
		base = append(base, WithLoopMetrics(async.NewLoopMetrics(nil)))
	}
	b := NewBus(append(base, opts...)...)
	if b.logger.Load() == nil && cfg.Logging.Enabled {
		b.SetLogger(observability.NewTextLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))
	}
	b.EnableLogger(cfg.Logging.Enabled)

	b.SetAlwaysActive(cfg.Defaults.AlwaysActive)
	b.SetAutoClear(cfg.Defaults.AutoClear)
	for key, override := range cfg.Channels {
		channelCfg := b.Config(key)
		if override.AlwaysActive != nil {
			channelCfg.SetAlwaysActive(*override.AlwaysActive)
		}
		if override.AutoClear != nil {
			channelCfg.SetAutoClear(*override.AutoClear)
		}
	}
	return b, nil
}

// Name returns the bus label.
func (b *Bus) Name() string {
	return b.name
}

// Post publishes value to key. Observers that are not eligible receive it later when
// they become active, provided nothing newer has been posted.
func (b *Bus) Post(ctx context.Context, key string, value any) error {
	return b.post(ctx, key, value, false)
}

// PostSticky publishes value to key and keeps it deliverable to observers that
// register later, sticky or not.
func (b *Bus) PostSticky(ctx context.Context, key string, value any) error {
	return b.post(ctx, key, value, true)
}

func (b *Bus) post(ctx context.Context, key string, value any, sticky bool) error {
	if key == "" {
		return errs.New(scopePost, errs.CodeInvalid, errs.WithMessage("key required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	spanOpts := []trace.SpanStartOption{
		trace.WithAttributes(telemetry.KeyAttr(key), telemetry.StickyAttr(sticky)),
	}
	if !b.loop.OnLoop(ctx) {
		if link := trace.LinkFromContext(ctx); link.SpanContext.IsValid() {
			spanOpts = append(spanOpts, trace.WithLinks(link))
		}
	}
	return b.submit(ctx, scopePost, func(loopCtx context.Context) {
		loopCtx, span := b.tracer.Start(loopCtx, "livebus.publish", spanOpts...)
		defer span.End()
		ch := b.channelFor(loopCtx, key)
		ch.publish(loopCtx, value, sticky)
		span.SetAttributes(telemetry.AttrVersion.Int(ch.slot.version))
	})
}

// Observe registers handler for key, bound to owner's lifecycle. Values are delivered
// while the owner is at least started (created when the key is always active) and
// the subscription is removed when the owner is destroyed. Only values posted after
// registration are delivered unless the current value was posted sticky.
func (b *Bus) Observe(ctx context.Context, key string, owner lifecycle.Owner, handler Handler) (SubscriptionID, error) {
	return b.register(ctx, key, owner, true, false, handler)
}

// ObserveSticky is Observe but also receives the value current at registration.
func (b *Bus) ObserveSticky(ctx context.Context, key string, owner lifecycle.Owner, handler Handler) (SubscriptionID, error) {
	return b.register(ctx, key, owner, true, true, handler)
}

// ObserveForever registers handler for key until RemoveObserver or shutdown.
func (b *Bus) ObserveForever(ctx context.Context, key string, handler Handler) (SubscriptionID, error) {
	return b.register(ctx, key, nil, false, false, handler)
}

// ObserveStickyForever is ObserveForever but also receives the current value.
func (b *Bus) ObserveStickyForever(ctx context.Context, key string, handler Handler) (SubscriptionID, error) {
	return b.register(ctx, key, nil, false, true, handler)
}

func (b *Bus) register(ctx context.Context, key string, owner lifecycle.Owner, bound, sticky bool, handler Handler) (SubscriptionID, error) {
	if key == "" {
		return "", errs.New(scopeObserve, errs.CodeInvalid, errs.WithMessage("key required"))
	}
	if handler == nil {
		return "", errs.New(scopeObserve, errs.CodeInvalid, errs.WithKey(key), errs.WithMessage("observer required"))
	}
	if bound && owner == nil {
		return "", errs.New(scopeObserve, errs.CodeInvalid, errs.WithKey(key),
			errs.WithMessage("owner required"),
			errs.WithRemediation("use ObserveForever for observers without a lifecycle"))
	}
	id := newSubscriptionID()
	sub := newSubscription(id, owner, sticky, handler)
	err := b.submit(ctx, scopeObserve, func(loopCtx context.Context) {
		b.channelFor(loopCtx, key).observe(loopCtx, sub)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RemoveObserver detaches the observer registered under id. Unknown ids are a no-op.
func (b *Bus) RemoveObserver(ctx context.Context, key string, id SubscriptionID) error {
	if key == "" {
		return errs.New(scopeRemove, errs.CodeInvalid, errs.WithMessage("key required"))
	}
	if id == "" {
		return nil
	}
	return b.submit(ctx, scopeRemove, func(loopCtx context.Context) {
		ch, ok := b.reg.lookup(key)
		if !ok {
			return
		}
		ch.remove(loopCtx, id, "removed")
	})
}

// Config returns the mutable configuration for key.
func (b *Bus) Config(key string) *ChannelConfig {
	return b.reg.configFor(key)
}

// SetAlwaysActive sets the process-wide always-active default.
func (b *Bus) SetAlwaysActive(v bool) *Bus {
	b.reg.defaults.alwaysActive.Store(v)
	return b
}

// SetAutoClear sets the process-wide auto-clear default.
func (b *Bus) SetAutoClear(v bool) *Bus {
	b.reg.defaults.autoClear.Store(v)
	return b
}

// Keys returns the keys that currently have a channel, sorted.
func (b *Bus) Keys() []string {
	return b.reg.keys()
}

// Has reports whether key currently has a channel.
func (b *Bus) Has(key string) bool {
	_, ok := b.reg.lookup(key)
	return ok
}

// Version returns the latest version posted to key. A channel that exists but was
// never posted to reports -1.
func (b *Bus) Version(key string) (int, bool) {
	ch, ok := b.reg.lookup(key)
	if !ok {
		return startVersion, false
	}
	return int(ch.version.Load()), true
}

// Flush waits until every task submitted before the call has run.
func (b *Bus) Flush(ctx context.Context) error {
	if err := b.loop.Sync(ctx, func(context.Context) {}); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// SetLogger replaces the bus logger. nil restores the global logger.
func (b *Bus) SetLogger(logger observability.Logger) {
	if logger == nil {
		b.logger.Store(nil)
		return
	}
	b.logger.Store(&loggerRef{logger: logger})
}

// EnableLogger switches bus logging on or off.
func (b *Bus) EnableLogger(enabled bool) {
	b.logEnabled.Store(enabled)
}

// Shutdown rejects further calls, lets queued work run, detaches every observer and
// stops the dispatch loop when the bus owns it. It must not be called from an observer.
//
// When ctx expires first an owned loop is still stopped and the error is returned;
// calling Shutdown again finishes detaching observers once the loop has exited.
func (b *Bus) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.loop.OnLoop(ctx) {
		return errs.New(scopeBus, errs.CodeInvalid, errs.WithMessage("shutdown called from the dispatch loop"))
	}
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	if b.shutdownDone {
		return nil
	}
	b.closed.Store(true)

	var failures []error
	if !b.tornDown {
		if err := b.drain(ctx); err != nil {
			failures = append(failures, err)
		} else {
			b.tornDown = true
		}
	}
	if b.ownsLoop {
		if err := b.loop.Shutdown(ctx); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return observability.AggregateErrors("livebus shutdown", failures,
			observability.F("bus", b.name))
	}
	b.shutdownDone = true
	b.log().Info("bus shut down", observability.F("bus", b.name))
	return nil
}

// drain runs teardown on the loop. Once an owned loop has exited the loop state is
// no longer shared, so teardown runs on the caller instead.
func (b *Bus) drain(ctx context.Context) error {
	err := b.loop.Sync(ctx, b.teardown)
	if err == nil || !b.ownsLoop || !errs.Is(err, errs.CodeUnavailable) {
		return err
	}
	select {
	case <-b.loop.Done():
		b.teardown(ctx)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await loop exit: %w", ctx.Err())
	}
}

// Close calls Shutdown bounded by the configured shutdown timeout.
func (b *Bus) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.shutdownTimeout)
	defer cancel()
	return b.Shutdown(ctx)
}

func (b *Bus) teardown(ctx context.Context) {
	for _, ch := range b.reg.drain() {
		ch.teardown(ctx)
		b.metrics.addChannels(ctx, -1)
	}
}

func (b *Bus) submit(ctx context.Context, scope string, task async.Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.closed.Load() && !b.loop.OnLoop(ctx) {
		return errs.Closed(scope)
	}
	if err := b.loop.Execute(ctx, task); err != nil {
		return errs.New(scope, errs.CodeUnavailable,
			errs.WithMessage("dispatch loop unavailable"),
			errs.WithCause(err))
	}
	return nil
}

// channelFor must run on the loop.
func (b *Bus) channelFor(ctx context.Context, key string) *channel {
	ch, created := b.reg.channelFor(b, key)
	if created {
		b.metrics.addChannels(ctx, 1)
	}
	return ch
}

// forwardOwnerChange moves an owner notification onto the loop.
func (b *Bus) forwardOwnerChange(ch *channel, sub *subscription) {
	err := b.loop.Execute(context.Background(), func(ctx context.Context) {
		ch.ownerChanged(ctx, sub)
	})
	if err != nil {
		b.log().Debug("owner change dropped",
			observability.F("key", ch.key),
			observability.F("subscription", string(sub.id)),
			observability.F("error", err),
		)
	}
}

// deliver invokes the observer, isolating its errors and panics from the fan-out.
func (b *Bus) deliver(ctx context.Context, ch *channel, sub *subscription, value any, version int, replay bool) {
	var (
		pc     panics.Catcher
		err    error
		reason string
	)
	b.loop.Yield(ctx, func(ctx context.Context) {
		pc.Try(func() { err = sub.handler(ctx, value) })
	})
	if r := pc.Recovered(); r != nil {
		reason = telemetry.ReasonPanic
		err = errs.New(scopeDeliver, errs.CodeObserverFailure,
			errs.WithKey(ch.key),
			errs.WithMessage("observer panicked"),
			errs.WithField("subscription", string(sub.id)),
			errs.WithCause(r.AsError()))
	} else if err != nil {
		if errs.Is(err, errs.CodeTypeMismatch) {
			reason = telemetry.ReasonTypeMismatch
		} else {
			reason = telemetry.ReasonObserver
			err = errs.New(scopeDeliver, errs.CodeObserverFailure,
				errs.WithKey(ch.key),
				errs.WithMessage("observer returned an error"),
				errs.WithField("subscription", string(sub.id)),
				errs.WithCause(err))
		}
	}
	b.metrics.recordDelivery(ctx, ch.key, replay, reason)
	if err == nil {
		b.log().Debug("value delivered",
			observability.F("key", ch.key),
			observability.F("subscription", string(sub.id)),
			observability.F("version", version),
			observability.F("replay", replay),
		)
		return
	}
	b.errLog.Do(func() {
		b.log().Warn("observer delivery failed",
			observability.F("key", ch.key),
			observability.F("subscription", string(sub.id)),
			observability.F("version", version),
			observability.F("reason", reason),
			observability.F("error", err),
		)
	})
	if b.onError != nil {
		b.onError(ch.key, sub.id, err)
	}
}

func (b *Bus) log() observability.Logger {
	if !b.logEnabled.Load() {
		return observability.Nop()
	}
	if ref := b.logger.Load(); ref != nil {
		return ref.logger
	}
	return observability.Log()
}

// busLogger lets the loop follow the bus logger switch.
type busLogger struct {
	bus *Bus
}

func (l busLogger) Debug(msg string, fields ...observability.Field) { l.bus.log().Debug(msg, fields...) }
func (l busLogger) Info(msg string, fields ...observability.Field)  { l.bus.log().Info(msg, fields...) }
func (l busLogger) Warn(msg string, fields ...observability.Field)  { l.bus.log().Warn(msg, fields...) }
func (l busLogger) Error(msg string, fields ...observability.Field) { l.bus.log().Error(msg, fields...) }
