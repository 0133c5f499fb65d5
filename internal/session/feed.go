package session

import "sync"

// subscriberBuffer bounds how many undelivered updates a subscriber may
// accumulate before older ones are dropped in favor of newer state.
const subscriberBuffer = 16

// Feed is a latest-value-replay stream. New subscribers immediately
// receive the current value, then every later update. A subscriber that
// stops draining loses its oldest buffered values first; the newest
// state always gets through, and publishers never block.
type Feed[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[int]chan T
	next  int
}

// NewFeed creates a feed holding the given initial value.
func NewFeed[T any](initial T) *Feed[T] {
	return &Feed[T]{
		value: initial,
		subs:  make(map[int]chan T),
	}
}

// Get returns the current value.
func (f *Feed[T]) Get() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Set publishes a new value to all subscribers.
func (f *Feed[T]) Set(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.value = v
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
			// Full buffer: evict the oldest update and retry once. If
			// another goroutine raced the slot, the subscriber already
			// has newer state than the evicted value anyway.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Subscribe registers a new subscriber. The returned channel starts
// with the current value already buffered. The cancel function detaches
// the subscriber; the channel is never closed.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan T, subscriberBuffer)
	ch <- f.value

	id := f.next
	f.next++
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
	return ch, cancel
}
