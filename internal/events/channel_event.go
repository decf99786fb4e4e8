package events

import "sync/atomic"

// ChannelEvent is a typed pub/sub that delivers to channels.
// Sends never block: a full channel misses the value and the drop is counted.
type ChannelEvent[T any] struct {
	listeners[T, chan<- T]
	dropped atomic.Uint64
}

// NewChannelEvent creates a ChannelEvent. When replayLast is set, a channel
// registered after the first Notify receives the last value straight away.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	e := &ChannelEvent[T]{}
	e.replayLast = replayLast
	return e
}

// Listen registers ch and returns its deregistration function
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	id, last, replay := e.add(ch)
	if replay {
		e.send(ch, last)
	}
	return func() {
		e.remove(id)
	}
}

func (e *ChannelEvent[T]) Notify(value T) {
	for _, ch := range e.snapshot(value) {
		e.send(ch, value)
	}
}

func (e *ChannelEvent[T]) send(ch chan<- T, value T) {
	select {
	case ch <- value:
	default:
		e.dropped.Add(1)
	}
}

func (e *ChannelEvent[T]) ListenerCount() int {
	return e.count()
}

// Dropped returns how many sends were skipped because a channel was full
func (e *ChannelEvent[T]) Dropped() uint64 {
	return e.dropped.Load()
}
