package livebus

import (
	"context"
	"fmt"
	"reflect"

	"github.com/coachpo/livebus/errs"
	"github.com/coachpo/livebus/internal/lifecycle"
)

// Observer receives typed channel values on the dispatch loop. Posting from an
// observer with the ctx it was given runs inline, before the observer returns.
type Observer[T any] func(ctx context.Context, value T) error

// Observable is a typed handle on one key of a Bus. Handles are cheap and hold no
// channel state, so a handle stays valid after its channel is cleared.
type Observable[T any] struct {
	bus *Bus
	key string
}

// GetOption adjusts the key configuration when a handle is obtained.
type GetOption func(*ChannelConfig)

// WithAlwaysActive makes the key deliver from StateCreated onwards and clears the
// channel once its last observer leaves.
func WithAlwaysActive() GetOption {
	return func(c *ChannelConfig) {
		c.SetAlwaysActive(true).SetAutoClear(true)
	}
}

// Get returns the typed handle for key.
func Get[T any](bus *Bus, key string, opts ...GetOption) *Observable[T] {
	if len(opts) > 0 && key != "" {
		cfg := bus.Config(key)
		for _, opt := range opts {
			if opt != nil {
				opt(cfg)
			}
		}
	}
	return &Observable[T]{bus: bus, key: key}
}

// GetByType returns the handle keyed by the name of T.
func GetByType[T any](bus *Bus, opts ...GetOption) *Observable[T] {
	return Get[T](bus, TypeKey[T](), opts...)
}

// TypeKey returns the key GetByType uses for T.
func TypeKey[T any]() string {
	t := reflect.TypeFor[T]()
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// Key returns the channel key.
func (o *Observable[T]) Key() string {
	return o.key
}

// Config returns the mutable configuration for the key.
func (o *Observable[T]) Config() *ChannelConfig {
	return o.bus.Config(o.key)
}

// Post publishes value.
func (o *Observable[T]) Post(ctx context.Context, value T) error {
	return o.bus.Post(ctx, o.key, value)
}

// PostSticky publishes value and keeps it deliverable to later observers.
func (o *Observable[T]) PostSticky(ctx context.Context, value T) error {
	return o.bus.PostSticky(ctx, o.key, value)
}

// Observe registers fn bound to owner. See Bus.Observe.
func (o *Observable[T]) Observe(ctx context.Context, owner lifecycle.Owner, fn Observer[T]) (SubscriptionID, error) {
	return o.bus.Observe(ctx, o.key, owner, adapt(o.key, fn))
}

// ObserveSticky registers fn bound to owner and offers it the current value.
func (o *Observable[T]) ObserveSticky(ctx context.Context, owner lifecycle.Owner, fn Observer[T]) (SubscriptionID, error) {
	return o.bus.ObserveSticky(ctx, o.key, owner, adapt(o.key, fn))
}

// ObserveForever registers fn until it is removed.
func (o *Observable[T]) ObserveForever(ctx context.Context, fn Observer[T]) (SubscriptionID, error) {
	return o.bus.ObserveForever(ctx, o.key, adapt(o.key, fn))
}

// ObserveStickyForever registers fn until it is removed and offers it the current value.
func (o *Observable[T]) ObserveStickyForever(ctx context.Context, fn Observer[T]) (SubscriptionID, error) {
	return o.bus.ObserveStickyForever(ctx, o.key, adapt(o.key, fn))
}

// RemoveObserver detaches the observer registered under id.
func (o *Observable[T]) RemoveObserver(ctx context.Context, id SubscriptionID) error {
	return o.bus.RemoveObserver(ctx, o.key, id)
}

// adapt converts a typed observer into a Handler. A nil value is delivered as the zero T.
func adapt[T any](key string, fn Observer[T]) Handler {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, value any) error {
		typed, ok := value.(T)
		if !ok && value != nil {
			return errs.New(scopeDeliver, errs.CodeTypeMismatch,
				errs.WithKey(key),
				errs.WithMessage(fmt.Sprintf("value of type %T is not a %s", value, reflect.TypeFor[T]())),
				errs.WithRemediation("post a single value type per key"))
		}
		return fn(ctx, typed)
	}
}
