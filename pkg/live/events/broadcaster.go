// Package events fans values out to any number of subscribers.
package events

import "sync"

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Broadcaster delivers each published value to every current subscriber.
// Publish never blocks: a subscriber whose buffer is full misses the value and
// the drop is counted.
type Broadcaster[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]chan T
	nextID  uint64
	buffer  int
	closed  bool
	dropped uint64
	onDrop  func()
}

func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster[T]{
		subs:   make(map[uint64]chan T),
		buffer: buffer,
	}
}

// OnDrop registers a hook called for every dropped delivery.
func (b *Broadcaster[T]) OnDrop(fn func()) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe returns a receive channel and a function that removes the
// subscription and closes the channel. Subscribing to a closed broadcaster
// returns an already closed channel.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers v to every subscriber without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.dropped++
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Broadcaster[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscriber channel. Further publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
