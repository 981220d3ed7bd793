package livebus

import (
	"sort"
	"sync"
)

// registry maps keys to channels and channel configurations.
//
// channelFor is only called on the dispatch loop, so creation never races; the RWMutex
// exists for introspection from other goroutines. Configurations outlive evicted
// channels and are created from any goroutine.
type registry struct {
	mu       sync.RWMutex
	channels map[string]*channel

	cfgMu   sync.Mutex
	configs map[string]*ChannelConfig

	defaults defaults
}

func newRegistry() *registry {
	r := new(registry)
	r.channels = make(map[string]*channel)
	r.configs = make(map[string]*ChannelConfig)
	return r
}

// configFor returns the configuration for key, creating it on first use.
func (r *registry) configFor(key string) *ChannelConfig {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	cfg, ok := r.configs[key]
	if !ok {
		cfg = newChannelConfig(key, &r.defaults)
		r.configs[key] = cfg
	}
	return cfg
}

// channelFor returns the channel for key, creating it on first use. Loop only.
func (r *registry) channelFor(bus *Bus, key string) (*channel, bool) {
	r.mu.RLock()
	ch, ok := r.channels[key]
	r.mu.RUnlock()
	if ok {
		return ch, false
	}
	ch = newChannel(bus, key, r.configFor(key))
	r.mu.Lock()
	r.channels[key] = ch
	r.mu.Unlock()
	return ch, true
}

func (r *registry) lookup(key string) (*channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[key]
	return ch, ok
}

// evict removes key only while it still maps to ch.
func (r *registry) evict(key string, ch *channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.channels[key]; !ok || current != ch {
		return false
	}
	delete(r.channels, key)
	return true
}

// drain removes and returns every channel.
func (r *registry) drain() []*channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*channel, 0, len(r.channels))
	for key, ch := range r.channels {
		out = append(out, ch)
		delete(r.channels, key)
	}
	return out
}

func (r *registry) keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.channels))
	for key := range r.channels {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
