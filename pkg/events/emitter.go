package events

import (
	"reflect"
	"sync"
)

// Listener receives an event payload for a topic it subscribed to.
type Listener func(payload interface{})

type subscription struct {
	topic    string
	listener Listener
	once     bool
}

// Emitter is a topic-based event emitter with synchronous fan-out.
// Listeners run in subscription order on the emitting goroutine; a
// panicking listener does not prevent the remaining listeners from
// being called.
type Emitter struct {
	mu     sync.RWMutex
	topics map[string][]*subscription
}

// New creates an empty emitter.
func New() *Emitter {
	return &Emitter{
		topics: make(map[string][]*subscription),
	}
}

// On registers a listener for topic and returns its unsubscribe func.
// Unsubscribing twice is a no-op.
func (e *Emitter) On(topic string, listener Listener) func() {
	sub := &subscription{topic: topic, listener: listener}
	e.add(sub)
	return func() { e.remove(sub) }
}

// Once registers a listener that is removed after its first delivery.
func (e *Emitter) Once(topic string, listener Listener) func() {
	sub := &subscription{topic: topic, listener: listener, once: true}
	e.add(sub)
	return func() { e.remove(sub) }
}

// Off removes a previously registered listener for topic, matched by
// function identity. A listener registered more than once is removed one
// registration per call; an unknown listener is a no-op.
func (e *Emitter) Off(topic string, listener Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ptr := reflect.ValueOf(listener).Pointer()
	subs := e.topics[topic]
	for i, s := range subs {
		if reflect.ValueOf(s.listener).Pointer() == ptr {
			e.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to all current listeners of topic synchronously.
func (e *Emitter) Emit(topic string, payload interface{}) {
	e.mu.RLock()
	subs := make([]*subscription, len(e.topics[topic]))
	copy(subs, e.topics[topic])
	e.mu.RUnlock()

	for _, sub := range subs {
		if sub.once {
			e.remove(sub)
		}
		deliver(sub.listener, payload)
	}
}

// ListenerCount returns the number of listeners registered for topic.
func (e *Emitter) ListenerCount(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.topics[topic])
}

func (e *Emitter) add(sub *subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topics[sub.topic] = append(e.topics[sub.topic], sub)
}

func (e *Emitter) remove(sub *subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			e.topics[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func deliver(listener Listener, payload interface{}) {
	defer func() {
		recover() //nolint:errcheck // listener failures must not break fan-out
	}()
	listener(payload)
}
