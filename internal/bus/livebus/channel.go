package livebus

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/coachpo/livebus/internal/lifecycle"
	"github.com/coachpo/livebus/internal/observability"
)

// channel is the per-key state: the latest value and the subscriptions in registration
// order. Everything except version is owned by the dispatch loop.
type channel struct {
	key  string
	cfg  *ChannelConfig
	bus  *Bus
	slot slot

	subs  []*subscription
	index map[SubscriptionID]*subscription

	// version mirrors slot.version for readers off the loop.
	version atomic.Int64
}

func newChannel(bus *Bus, key string, cfg *ChannelConfig) *channel {
	c := new(channel)
	c.key = key
	c.cfg = cfg
	c.bus = bus
	c.slot = newSlot()
	c.index = make(map[SubscriptionID]*subscription)
	c.version.Store(startVersion)
	return c
}

// publish stores value as the newest version and offers it to every subscription.
func (c *channel) publish(ctx context.Context, value any, sticky bool) {
	start := time.Now()
	version := c.slot.set(value, sticky)
	c.version.Store(int64(version))

	c.bus.log().Info("value posted",
		observability.F("key", c.key),
		observability.F("version", version),
		observability.F("sticky", sticky),
		observability.F("subscribers", len(c.subs)),
	)

	fanout := len(c.subs)
	if fanout > 0 {
		// Observers may add or remove subscriptions while we iterate.
		for _, sub := range slices.Clone(c.subs) {
			if sub.removed {
				continue
			}
			c.considerNotify(ctx, sub, false)
		}
	}
	c.bus.metrics.recordPublish(ctx, c.key, sticky, fanout, time.Since(start))
}

// considerNotify delivers the current value to sub when it is active, still eligible
// and has not seen this version yet.
func (c *channel) considerNotify(ctx context.Context, sub *subscription, replay bool) {
	if !sub.active || sub.removed {
		return
	}
	if !sub.eligible(c.cfg) {
		sub.active = false
		return
	}
	version := c.slot.version
	if sub.lastVersion >= version {
		return
	}
	sub.lastVersion = version
	if sub.skipNext {
		sub.skipNext = false
		if version == sub.joinVersion {
			return
		}
	}
	c.bus.deliver(ctx, c, sub, c.slot.value, version, replay)
}

// observe registers sub and immediately offers the current value when eligible.
func (c *channel) observe(ctx context.Context, sub *subscription) {
	if sub.bound() && sub.owner.State() == lifecycle.StateDestroyed {
		c.bus.log().Warn("observer ignored, owner already destroyed",
			observability.F("key", c.key),
			observability.F("subscription", string(sub.id)),
		)
		return
	}
	if _, exists := c.index[sub.id]; exists {
		return
	}
	if !sub.sticky && c.slot.published() && !c.slot.sticky {
		sub.skipNext = true
		sub.joinVersion = c.slot.version
	}

	c.subs = append(c.subs, sub)
	c.index[sub.id] = sub
	c.bus.metrics.addSubscribers(ctx, c.key, 1, sub.bound())
	c.bus.log().Info("observer added",
		observability.F("key", c.key),
		observability.F("subscription", string(sub.id)),
		observability.F("sticky", sub.sticky),
		observability.F("owner_bound", sub.bound()),
	)

	if sub.bound() {
		sub.cancelWatch = sub.owner.Watch(func(lifecycle.State) {
			c.bus.forwardOwnerChange(c, sub)
		})
		// A destroy landing before Watch registered is never notified.
		if sub.owner.State() == lifecycle.StateDestroyed {
			c.remove(ctx, sub.id, "owner destroyed")
			return
		}
	}
	c.setActive(ctx, sub, sub.eligible(c.cfg), false)
}

// setActive records an activity edge. Becoming active offers the newest value.
func (c *channel) setActive(ctx context.Context, sub *subscription, active bool, replay bool) {
	if sub.removed || sub.active == active {
		return
	}
	sub.active = active
	if active {
		c.considerNotify(ctx, sub, replay)
	}
}

// ownerChanged re-reads the owner state after a lifecycle notification.
func (c *channel) ownerChanged(ctx context.Context, sub *subscription) {
	if sub.removed || c.index[sub.id] != sub {
		return
	}
	if sub.owner.State() == lifecycle.StateDestroyed {
		c.remove(ctx, sub.id, "owner destroyed")
		return
	}
	c.setActive(ctx, sub, sub.eligible(c.cfg), true)
}

// remove drops the subscription with id. Unknown ids are ignored. The channel is
// evicted when it becomes empty and auto-clear applies.
func (c *channel) remove(ctx context.Context, id SubscriptionID, reason string) bool {
	sub, ok := c.index[id]
	if !ok {
		return false
	}
	delete(c.index, id)
	c.subs = slices.DeleteFunc(c.subs, func(s *subscription) bool { return s == sub })
	sub.detach()

	c.bus.metrics.addSubscribers(ctx, c.key, -1, sub.bound())
	c.bus.log().Info("observer removed",
		observability.F("key", c.key),
		observability.F("subscription", string(id)),
		observability.F("reason", reason),
	)

	if len(c.subs) == 0 && c.cfg.AutoClear() {
		if c.bus.reg.evict(c.key, c) {
			c.bus.metrics.addChannels(ctx, -1)
			c.bus.metrics.recordEviction(ctx, c.key)
			c.bus.log().Info("channel cleared", observability.F("key", c.key))
		}
	}
	return true
}

// teardown detaches every subscription without delivering anything.
func (c *channel) teardown(ctx context.Context) {
	for _, sub := range c.subs {
		sub.detach()
		c.bus.metrics.addSubscribers(ctx, c.key, -1, sub.bound())
	}
	c.subs = nil
	clear(c.index)
}
