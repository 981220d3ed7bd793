package livebus

// startVersion is the version of a slot that has never been published to.
const startVersion = -1

// slot holds the latest value of a channel.
type slot struct {
	value   any
	version int
	sticky  bool
}

func newSlot() slot {
	return slot{value: nil, version: startVersion, sticky: false}
}

// set stores value as the newest version and returns that version.
func (s *slot) set(value any, sticky bool) int {
	s.version++
	s.value = value
	s.sticky = sticky
	return s.version
}

func (s *slot) published() bool {
	return s.version > startVersion
}
