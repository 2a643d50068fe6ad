package events

// CallbackEvent delivers each value to registered callbacks, synchronously on
// the notifying goroutine
type CallbackEvent[T any] struct {
	reg registry[func(T), T]
}

// NewCallbackEvent creates an event. With sendLastEventOnListen, a new
// listener is called right away with the most recent value, if any.
func NewCallbackEvent[T any](sendLastEventOnListen bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{reg: newRegistry[func(T), T](sendLastEventOnListen)}
}

// Listen registers callback and returns its deregistration function
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}
	id, last, replay := e.reg.add(callback)
	if replay {
		callback(last)
	}
	return func() { e.reg.remove(id) }
}

func (e *CallbackEvent[T]) Notify(value T) {
	for _, callback := range e.reg.record(value) {
		callback(value)
	}
}

func (e *CallbackEvent[T]) ListenerCount() int {
	return e.reg.count()
}
