// Package memory provides in-process adapters: the event bus and the
// default terminal-task archive. The coordinator is process-local, so both
// live behind ports that a networked deployment could swap out.
package memory

import (
	"context"
	"sync"

	"github.com/taskmesh/taskmesh/internal/domain/event"
	porteventbus "github.com/taskmesh/taskmesh/internal/port/eventbus"
)

var _ porteventbus.EventBus = (*Bus)(nil)

// Bus is an in-process event bus. Handlers run on their own goroutines so
// a subscriber can call back into the scheduler without deadlocking the
// publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[event.Type]map[int]porteventbus.Handler
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[event.Type]map[int]porteventbus.Handler),
	}
}

func (b *Bus) Publish(ctx context.Context, e event.Event) error {
	b.mu.RLock()
	handlers := make([]porteventbus.Handler, 0, len(b.subs[e.Type]))
	for _, h := range b.subs[e.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	// Publishers may return before handlers run; detach from the caller's
	// cancellation so in-flight notifications are not lost.
	hctx := context.WithoutCancel(ctx)
	for _, h := range handlers {
		go h(hctx, e)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, eventType event.Type, handler porteventbus.Handler) (porteventbus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[int]porteventbus.Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[eventType][id] = handler
	return &subscription{bus: b, eventType: eventType, id: id}, nil
}

type subscription struct {
	bus       *Bus
	eventType event.Type
	id        int
}

func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.eventType], s.id)
}
