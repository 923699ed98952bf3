// Package bus implements the EventBus: an in-process, named-topic
// publish/subscribe hub. Every inter-component hand-off in the
// pipeline flows through it (spec §4.1).
package bus

import (
	"sync"
)

// Topic names used across the pipeline.
const (
	TopicMQTTMessage    = "mqtt.message"
	TopicDataParsed     = "data.parsed"
	TopicDataNormalized = "data.normalized"
	TopicCommandRequest = "command.request"
	TopicError          = "error"
)

// ErrorEvent is published on TopicError whenever a subscriber's
// handler returns an error. It never propagates back to the emitter.
type ErrorEvent struct {
	Source  string
	Err     error
	Context map[string]interface{}
}

// Handler processes one message published to a topic. A handler that
// may block on I/O must offload to its own queue/worker rather than
// blocking the publisher's call — see WorkQueue.
type Handler func(msg interface{}) error

// Bus is a synchronous, named-topic pub/sub hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
}

// New creates an empty EventBus.
func New() *Bus {
	return &Bus{subscribers: make(map[string][]Handler)}
}

// Subscribe registers handler to be called, in registration order,
// for every message published to topic.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
}

// Publish delivers msg synchronously to every subscriber of topic, in
// registration order, on the calling goroutine. A handler error is
// caught and republished on TopicError with {source, err} rather than
// propagated to the caller — except when topic itself is TopicError,
// to avoid infinite recursion on a broken error handler.
func (b *Bus) Publish(topic string, msg interface{}) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(msg); err != nil {
			if topic == TopicError {
				continue
			}
			b.Publish(TopicError, ErrorEvent{Source: topic, Err: err})
		}
	}
}

// SubscriberCount returns the number of registered handlers for topic,
// used by the ambient metrics surface to report queue fan-out.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}
