package worker

import (
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/domain/task"
	domainworker "github.com/taskmesh/taskmesh/internal/domain/worker"
)

// Worker is the single capability the scheduler requires from an executor.
// Concrete behavior is supplied by the embedding application; the default
// implementation is domain/worker.Agent.
//
// TryAccept must perform its capacity check and admission atomically: the
// scheduler's candidate list is a snapshot and may be stale by the time it
// calls TryAccept, so a false return is an expected outcome, not an error.
// The accepted task must be resolved by calling resolve exactly once.
type Worker interface {
	ID() uuid.UUID
	Domain() task.Domain
	Capacity() int
	Load() int
	Status() domainworker.Status
	TryAccept(t *task.Task, resolve domainworker.ResolveFunc) bool
	Cleanup()
}
