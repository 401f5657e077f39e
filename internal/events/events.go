// Package events provides a typed listener registry. Subscribing returns a
// function that removes the listener again.
package events

import "sync"

// Unsubscribe removes a previously registered listener. Calling it more than
// once is harmless.
type Unsubscribe func()

// Bus fans one value out to every registered listener, synchronously and in
// registration order.
type Bus[T any] struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[uint64]func(T)
	order     []uint64
}

// Subscribe registers fn and returns its unsubscribe handle.
func (b *Bus[T]) Subscribe(fn func(T)) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listeners == nil {
		b.listeners = make(map[uint64]func(T))
	}
	b.next++
	id := b.next
	b.listeners[id] = fn
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.listeners, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish calls every listener with v. Listeners run outside the lock so
// they may subscribe or unsubscribe from inside the callback.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Clear drops every listener.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = nil
	b.order = nil
}
