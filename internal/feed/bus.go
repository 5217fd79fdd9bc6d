package feed

import (
	"context"
	"sync"
)

// Bus is an in-process feed implementing both Notifier and Source.
// It backs tests and single-process setups where valkey is overkill.
// Events are delivered synchronously on the notifier's goroutine.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[int]subscription
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]subscription)}
}

func (b *Bus) Notify(ctx context.Context, ev Event) error {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[ev.Table]))
	for _, sub := range b.subs[ev.Table] {
		if kindMatches(sub.kinds, ev.Kind) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}

	return nil
}

func (b *Bus) Subscribe(table string, kinds []EventKind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[table] == nil {
		b.subs[table] = make(map[int]subscription)
	}

	id := b.nextID
	b.nextID++
	b.subs[table][id] = subscription{kinds: kinds, handler: h}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[table], id)
	}
}
