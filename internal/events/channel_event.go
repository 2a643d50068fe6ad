package events

import "sync/atomic"

// ChannelEvent delivers each value to registered channels. Sends never block:
// a full channel misses the value and the miss is counted.
type ChannelEvent[T any] struct {
	reg     registry[chan<- T, T]
	dropped atomic.Int64
}

// NewChannelEvent creates an event. With sendLastEventOnListen, a new
// listener receives the most recent value, if any, as soon as it registers.
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{reg: newRegistry[chan<- T, T](sendLastEventOnListen)}
}

// Listen registers ch and returns its deregistration function
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	id, last, replay := e.reg.add(ch)
	if replay {
		e.send(ch, last)
	}
	return func() { e.reg.remove(id) }
}

func (e *ChannelEvent[T]) Notify(value T) {
	for _, ch := range e.reg.record(value) {
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
	return e.reg.count()
}

// Dropped is the number of values skipped because a listener was full
func (e *ChannelEvent[T]) Dropped() int64 {
	return e.dropped.Load()
}
