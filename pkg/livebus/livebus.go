// Package livebus exposes the process-wide bus.
//
// Most hosts call Init once at startup and then obtain typed handles with Get or
// GetByType from anywhere in the process. Without Init the first accessor call creates
// a bus with config.Default().
package livebus

import (
	"context"
	"sync"

	"github.com/coachpo/livebus/config"
	"github.com/coachpo/livebus/errs"
	core "github.com/coachpo/livebus/internal/bus/livebus"
	"github.com/coachpo/livebus/internal/lifecycle"
	"github.com/coachpo/livebus/internal/observability"
	"github.com/coachpo/livebus/lib/telemetry"
)

type (
	// Bus is the channel registry.
	Bus = core.Bus
	// Option configures a Bus.
	Option = core.Option
	// Observable is a typed handle on one key.
	Observable[T any] = core.Observable[T]
	// Observer receives typed values.
	Observer[T any] = core.Observer[T]
	// Handler receives untyped values.
	Handler = core.Handler
	// SubscriptionID identifies a registered observer.
	SubscriptionID = core.SubscriptionID
	// ChannelConfig is the per-key delivery policy.
	ChannelConfig = core.ChannelConfig
	// GetOption adjusts a key when a handle is obtained.
	GetOption = core.GetOption

	// Owner is the lifecycle source of bound observers.
	Owner = lifecycle.Owner
	// State is an owner lifecycle state.
	State = lifecycle.State
	// ManualOwner is an Owner driven explicitly by the host.
	ManualOwner = lifecycle.Manual

	// Logger is the logging sink used by the bus.
	Logger = observability.Logger
)

// Owner states.
const (
	StateDestroyed   = lifecycle.StateDestroyed
	StateInitialized = lifecycle.StateInitialized
	StateCreated     = lifecycle.StateCreated
	StateStarted     = lifecycle.StateStarted
	StateResumed     = lifecycle.StateResumed
)

const scope = "pkg/livebus"

var (
	mu                sync.Mutex
	current           *core.Bus
	telemetryShutdown telemetry.ShutdownFunc
)

// Init creates the process bus from cfg and installs OpenTelemetry providers when an
// OTLP endpoint is configured. Calling Init again before Shutdown fails with
// errs.CodeConflict.
func Init(ctx context.Context, cfg config.BusConfig, opts ...Option) (*Bus, error) {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return nil, errs.New(scope, errs.CodeConflict,
			errs.WithMessage("process bus already initialised"),
			errs.WithRemediation("call Shutdown before initialising again"))
	}
	cfg = cfg.Clone()
	cfg.Normalise()
	if err := cfg.Validate(ctx); err != nil {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("invalid bus configuration"), errs.WithCause(err))
	}

	var shutdown telemetry.ShutdownFunc
	if cfg.Telemetry.OTLPEndpoint != "" {
		_, fn, err := telemetry.Init(ctx, cfg)
		if err != nil {
			return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("telemetry setup failed"), errs.WithCause(err))
		}
		shutdown = fn
	}

	bus, err := core.New(cfg, opts...)
	if err != nil {
		if shutdown != nil {
			_ = shutdown(ctx)
		}
		return nil, err
	}
	current = bus
	telemetryShutdown = shutdown
	return bus, nil
}

// InitFromFile loads the configuration at path (see config.LoadOrDefault) and calls Init.
func InitFromFile(ctx context.Context, path string, opts ...Option) (*Bus, error) {
	cfg, _, err := config.LoadOrDefault(ctx, path)
	if err != nil {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("load bus configuration"), errs.WithCause(err))
	}
	return Init(ctx, cfg, opts...)
}

// Default returns the process bus, creating one with default settings if needed.
func Default() *Bus {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		bus, err := core.New(config.Default())
		if err != nil {
			panic(err)
		}
		current = bus
	}
	return current
}

// Get returns the typed handle for key on the process bus.
func Get[T any](key string, opts ...GetOption) *Observable[T] {
	return core.Get[T](Default(), key, opts...)
}

// GetByType returns the handle keyed by the name of T on the process bus.
func GetByType[T any](opts ...GetOption) *Observable[T] {
	return core.GetByType[T](Default(), opts...)
}

// WithAlwaysActive makes the key deliver from StateCreated onwards and clear itself
// once its last observer leaves.
func WithAlwaysActive() GetOption {
	return core.WithAlwaysActive()
}

// Config returns the mutable configuration for key.
func Config(key string) *ChannelConfig {
	return Default().Config(key)
}

// SetAlwaysActive sets the process-wide always-active default.
func SetAlwaysActive(v bool) {
	Default().SetAlwaysActive(v)
}

// SetAutoClear sets the process-wide auto-clear default.
func SetAutoClear(v bool) {
	Default().SetAutoClear(v)
}

// SetLogger replaces the process bus logger.
func SetLogger(logger Logger) {
	Default().SetLogger(logger)
}

// EnableLogger switches process bus logging on or off.
func EnableLogger(enabled bool) {
	Default().EnableLogger(enabled)
}

// NewOwner returns a host-driven lifecycle owner.
func NewOwner(name string) *ManualOwner {
	return lifecycle.NewManual(name)
}

// Shutdown stops the process bus and flushes telemetry. A later accessor call starts
// a fresh bus.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	bus := current
	shutdown := telemetryShutdown
	current = nil
	telemetryShutdown = nil
	mu.Unlock()

	var failures []error
	if bus != nil {
		if err := bus.Shutdown(ctx); err != nil {
			failures = append(failures, err)
		}
	}
	if shutdown != nil {
		if err := shutdown(ctx); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return observability.AggregateErrors("process bus shutdown", failures)
}
