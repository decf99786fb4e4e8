package events

// CallbackEvent is a typed pub/sub where listeners are plain functions.
// Listeners run synchronously inside Notify, in the order they were registered.
type CallbackEvent[T any] struct {
	listeners[T, func(T)]
}

// NewCallbackEvent creates a CallbackEvent. When replayLast is set, a listener
// registered after the first Notify is called straight away with the last value.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	e := &CallbackEvent[T]{}
	e.replayLast = replayLast
	return e
}

// Listen registers callback and returns its deregistration function
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	id, last, replay := e.add(callback)
	if replay {
		callback(last)
	}
	return func() {
		e.remove(id)
	}
}

// Notify calls every listener with value. Callbacks are invoked outside the lock
// so they may register or deregister listeners.
func (e *CallbackEvent[T]) Notify(value T) {
	for _, callback := range e.snapshot(value) {
		callback(value)
	}
}

func (e *CallbackEvent[T]) ListenerCount() int {
	return e.count()
}
