// Package event provides a small typed publish/subscribe bus.
//
// Components publish from their executor and handlers run synchronously on
// the publisher's goroutine, in subscription order. A subscription lives
// until its cancel function is called; owners cancel their subscriptions
// when they are torn down.
package event

import "sync"

// Handler receives published events.
type Handler[E any] func(E)

// Bus fans events of type E out to subscribers. The zero value is ready to
// use. Safe for concurrent use.
type Bus[E any] struct {
	mu   sync.Mutex
	next uint64
	subs []subscriber[E]
}

type subscriber[E any] struct {
	id uint64
	fn Handler[E]
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (b *Bus[E]) Subscribe(fn Handler[E]) (cancel func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscriber[E]{id: id, fn: fn})
	b.mu.Unlock()

	return func() { b.remove(id) }
}

// Publish delivers e to every current subscriber. Handlers may subscribe or
// cancel during delivery; changes take effect from the next Publish.
func (b *Bus[E]) Publish(e E) {
	b.mu.Lock()
	subs := make([]subscriber[E], len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if b.live(s.id) {
			s.fn(e)
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus[E]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close removes every subscriber.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

func (b *Bus[E]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// live reports whether id is still subscribed, so a handler cancelled by an
// earlier handler in the same Publish is skipped.
func (b *Bus[E]) live(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.id == id {
			return true
		}
	}
	return false
}
