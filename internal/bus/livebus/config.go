package livebus

import (
	"sync/atomic"

	"github.com/coachpo/livebus/internal/lifecycle"
)

// tri-state override values.
const (
	overrideUnset int32 = iota
	overrideFalse
	overrideTrue
)

func encodeOverride(v bool) int32 {
	if v {
		return overrideTrue
	}
	return overrideFalse
}

// defaults are the process-wide fallbacks for keys without overrides.
type defaults struct {
	alwaysActive atomic.Bool
	autoClear    atomic.Bool
}

// ChannelConfig holds the per-key delivery policy. Every field may be changed from any
// goroutine at any time; the bus re-reads it on each gate decision.
type ChannelConfig struct {
	key          string
	alwaysActive atomic.Int32
	autoClear    atomic.Int32
	defaults     *defaults
}

func newChannelConfig(key string, d *defaults) *ChannelConfig {
	c := new(ChannelConfig)
	c.key = key
	c.defaults = d
	return c
}

// Key returns the channel key the configuration belongs to.
func (c *ChannelConfig) Key() string {
	return c.key
}

// SetAlwaysActive overrides the activity tier for the key. When true, lifecycle-bound
// observers receive values from StateCreated onwards instead of StateStarted.
func (c *ChannelConfig) SetAlwaysActive(v bool) *ChannelConfig {
	c.alwaysActive.Store(encodeOverride(v))
	return c
}

// SetAutoClear overrides whether the channel is evicted once its last observer leaves.
func (c *ChannelConfig) SetAutoClear(v bool) *ChannelConfig {
	c.autoClear.Store(encodeOverride(v))
	return c
}

// Reset drops both overrides so the process-wide defaults apply again.
func (c *ChannelConfig) Reset() *ChannelConfig {
	c.alwaysActive.Store(overrideUnset)
	c.autoClear.Store(overrideUnset)
	return c
}

// AlwaysActive reports the effective always-active setting.
func (c *ChannelConfig) AlwaysActive() bool {
	return c.resolve(c.alwaysActive.Load(), &c.defaults.alwaysActive)
}

// AutoClear reports the effective auto-clear setting.
func (c *ChannelConfig) AutoClear() bool {
	return c.resolve(c.autoClear.Load(), &c.defaults.autoClear)
}

func (c *ChannelConfig) resolve(override int32, fallback *atomic.Bool) bool {
	switch override {
	case overrideTrue:
		return true
	case overrideFalse:
		return false
	default:
		return fallback.Load()
	}
}

// minState is the lowest owner state that receives values.
func (c *ChannelConfig) minState() lifecycle.State {
	if c.AlwaysActive() {
		return lifecycle.StateCreated
	}
	return lifecycle.StateStarted
}
