package eventbus

import (
	"context"

	"github.com/taskmesh/taskmesh/internal/domain/event"
)

type Handler func(ctx context.Context, e event.Event)

type Subscription interface {
	Unsubscribe()
}

// EventBus decouples the scheduler from transports that observe task and
// worker lifecycle. Handlers run asynchronously; a handler may call back
// into the scheduler without deadlocking it.
type EventBus interface {
	Publish(ctx context.Context, e event.Event) error
	Subscribe(ctx context.Context, eventType event.Type, handler Handler) (Subscription, error)
}
