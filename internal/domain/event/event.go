package event

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeTaskSubmitted    Type = "task_submitted"
	TypeTaskAssigned     Type = "task_assigned"
	TypeTaskCompleted    Type = "task_completed"
	TypeTaskFailed       Type = "task_failed"
	TypeTaskCancelled    Type = "task_cancelled"
	TypeWorkerRegistered Type = "worker_registered"
	TypeWorkerOffline    Type = "worker_offline"
)

// Types lists every event the coordinator publishes, in a stable order.
// Transport bridges that want the full stream subscribe to each.
func Types() []Type {
	return []Type{
		TypeTaskSubmitted,
		TypeTaskAssigned,
		TypeTaskCompleted,
		TypeTaskFailed,
		TypeTaskCancelled,
		TypeWorkerRegistered,
		TypeWorkerOffline,
	}
}

// Event carries identifiers only, not full state. Subscribers fetch fresh
// state from the scheduler when they need it.
type Event struct {
	Type      Type      `json:"type"`
	EntityID  uuid.UUID `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
}

func New(eventType Type, entityID uuid.UUID) Event {
	return Event{
		Type:      eventType,
		EntityID:  entityID,
		Timestamp: time.Now().UTC(),
	}
}
