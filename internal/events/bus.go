// Package events carries build lifecycle notifications (task started, built,
// reused, failed, run finished) from the scheduler to interested consumers,
// such as the verbosity-driven log writer in the run driver.
package events

import "sync"

const defaultBuffer = 256

// Bus fans events out by topic. Delivery is best-effort: a subscriber that
// cannot keep up loses events rather than stalling the scheduler.
type Bus struct {
	mu     sync.RWMutex
	topics map[Topic][]chan Event
	all    []chan Event
	closed bool
}

func NewBus() *Bus {
	return &Bus{topics: make(map[Topic][]chan Event)}
}

// Subscribe returns a channel receiving events published to one topic.
// bufSize <= 0 selects the default buffer.
func (b *Bus) Subscribe(topic Topic, bufSize int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.newSub(bufSize)
	if !b.closed {
		b.topics[topic] = append(b.topics[topic], ch)
	}
	return ch
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.newSub(bufSize)
	if !b.closed {
		b.all = append(b.all, ch)
	}
	return ch
}

// newSub allocates a subscriber channel; on a closed bus it comes back
// already closed. The caller holds the lock.
func (b *Bus) newSub(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	ch := make(chan Event, bufSize)
	if b.closed {
		close(ch)
	}
	return ch
}

// Publish delivers an event to the topic's subscribers and to every
// SubscribeAll channel. Never blocks.
func (b *Bus) Publish(topic Topic, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	deliver(b.topics[topic], event)
	deliver(b.all, event)
}

func deliver(subs []chan Event, event Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default: // subscriber lagging, drop
		}
	}
}

// Close closes every subscriber channel. Publishing after Close is a no-op.
// Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.topics {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}
