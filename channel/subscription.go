package channel

import "sync"

// Subscription is the handle returned by Join. The caller owns it: invoke
// Close on unmount/teardown to release the room listener.
type Subscription struct {
	id      string
	roomID  string
	events  chan Event
	once    sync.Once
	release func()
}

// Room returns the room this subscription listens to.
func (s *Subscription) Room() string {
	return s.roomID
}

// Events returns the event stream. The channel is closed when the
// subscription is released or the Channel shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close releases the subscription. When it was the room's last subscriber
// the leave intent is emitted. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.release)
}
