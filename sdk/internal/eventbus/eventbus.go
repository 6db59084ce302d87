// Package eventbus provides the in-process publish/subscribe primitive
// behind the secret client's rotation fan-out (C4).
//
// It wraps github.com/cskr/pubsub for the untyped multi-topic mechanics,
// and adds a generic typed layer on top so publishers and subscribers
// agree on a payload type at compile time instead of by convention.
package eventbus

import "github.com/cskr/pubsub"

// Bus is a typed-topic wrapper around a cskr/pubsub hub.
type Bus struct {
	ps *pubsub.PubSub
}

// New creates a Bus whose per-subscriber channels buffer up to capacity
// messages before a publish blocks.
func New(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{ps: pubsub.New(capacity)}
}

// Sub subscribes to the given untyped topic names, returning a channel fed
// by any of them.
func (b *Bus) Sub(topics ...string) chan any { return b.ps.Sub(topics...) }

// Pub publishes msg to every subscriber of the given topics.
func (b *Bus) Pub(msg any, topics ...string) { b.ps.Pub(msg, topics...) }

// Unsub removes ch from the given topics (or every topic, if none given).
func (b *Bus) Unsub(ch chan any, topics ...string) { b.ps.Unsub(ch, topics...) }

// Shutdown closes every subscriber channel and releases the hub.
func (b *Bus) Shutdown() { b.ps.Shutdown() }

// Topic is a typed topic identifier; the type parameter documents, and lets
// the compiler enforce, what payload type flows over this topic name.
type Topic[T any] struct {
	Name string
}

// NewTopic creates a typed topic with the given wire name.
func NewTopic[T any](name string) Topic[T] { return Topic[T]{Name: name} }

// Publish sends a typed payload to every subscriber of topic.
func Publish[T any](b *Bus, topic Topic[T], data T) {
	b.Pub(data, topic.Name)
}

// SubTyped subscribes to topic and returns a channel of the raw `any`
// values published to it; callers type-assert back to T. A generic
// channel type isn't possible here because the underlying hub is itself
// untyped, but Topic[T] still catches the publisher-side mismatch that
// matters most: sending the wrong type into a named topic.
func SubTyped[T any](b *Bus, topic Topic[T]) chan any {
	return b.Sub(topic.Name)
}
