package livebus

import (
	"context"

	"github.com/google/uuid"

	"github.com/coachpo/livebus/internal/lifecycle"
)

// SubscriptionID identifies a registered observer. It is the handle used for removal.
type SubscriptionID string

func newSubscriptionID() SubscriptionID {
	return SubscriptionID(uuid.NewString())
}

// Handler receives untyped channel values on the dispatch loop.
//
// ctx may be handed to other goroutines. Calls made with it run inline only while
// the handler has not returned and no other inline call is in progress; otherwise
// they are queued behind the current fan-out. An inline call from a goroutine the
// handler does not wait for can deliver to observers, this one included, while the
// handler is still running.
type Handler func(ctx context.Context, value any) error

// subscription is one observer registration on a channel. All fields are owned by the
// dispatch loop.
type subscription struct {
	id      SubscriptionID
	handler Handler
	owner   lifecycle.Owner
	sticky  bool

	lastVersion int
	// skipNext suppresses the value that was current when a non-sticky observer joined.
	skipNext    bool
	joinVersion int

	active      bool
	removed     bool
	cancelWatch func()
}

func newSubscription(id SubscriptionID, owner lifecycle.Owner, sticky bool, handler Handler) *subscription {
	return &subscription{
		id:          id,
		handler:     handler,
		owner:       owner,
		sticky:      sticky,
		lastVersion: startVersion,
		skipNext:    false,
		joinVersion: startVersion,
		active:      false,
		removed:     false,
		cancelWatch: nil,
	}
}

// bound reports whether membership follows an owner lifecycle.
func (s *subscription) bound() bool {
	return s.owner != nil
}

// eligible reports whether the subscription may receive values under cfg right now.
func (s *subscription) eligible(cfg *ChannelConfig) bool {
	if s.owner == nil {
		return true
	}
	return s.owner.State().AtLeast(cfg.minState())
}

func (s *subscription) detach() {
	s.removed = true
	s.active = false
	if s.cancelWatch != nil {
		s.cancelWatch()
		s.cancelWatch = nil
	}
}
