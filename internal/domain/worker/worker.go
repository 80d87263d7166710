// Package worker provides the capacity-bounded executor entity. Concrete
// execution behavior is injected by the embedding application; the Agent
// here owns only acceptance accounting and lifecycle.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/domain/task"
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusBusy         Status = "busy"
	StatusError        Status = "error"
	StatusOffline      Status = "offline"
)

// Resolution is the outcome a worker reports for an accepted task,
// delivered to the scheduler exactly once per task.
type Resolution struct {
	TaskID uuid.UUID
	Output string
	Err    error
}

// ResolveFunc is the completion callback supplied by the scheduler at
// acceptance time.
type ResolveFunc func(Resolution)

// Executor performs the actual domain work for one task. It may block for
// as long as the work takes; it runs on the worker's goroutine, never the
// scheduler's.
type Executor func(ctx context.Context, t *task.Task) (string, error)

// Agent is a capacity-bounded worker bound to a single domain. The
// capacity check and the task admission are a single critical section, so
// two racing dispatches can never both pass the same capacity check.
type Agent struct {
	id       uuid.UUID
	domain   task.Domain
	capacity int
	executor Executor

	mu     sync.Mutex
	status Status
	active map[uuid.UUID]*task.Task
}

// New constructs an agent in the initializing state. Capacity must be
// positive. The agent refuses work until Activate is called.
func New(domain task.Domain, capacity int, executor Executor) (*Agent, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("worker: capacity must be positive, got %d", capacity)
	}
	if executor == nil {
		return nil, fmt.Errorf("worker: executor must not be nil")
	}
	return &Agent{
		id:       uuid.New(),
		domain:   domain,
		capacity: capacity,
		executor: executor,
		status:   StatusInitializing,
		active:   make(map[uuid.UUID]*task.Task),
	}, nil
}

// Activate marks a freshly constructed agent ready for dispatch.
func (a *Agent) Activate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusInitializing {
		a.status = StatusActive
	}
}

func (a *Agent) ID() uuid.UUID { return a.id }
func (a *Agent) Domain() task.Domain { return a.domain }
func (a *Agent) Capacity() int { return a.capacity }

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Load returns the number of tasks currently owned by this agent.
func (a *Agent) Load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// TryAccept atomically checks capacity and claims the task. On success the
// task is assigned and execution proceeds asynchronously; resolve is
// invoked exactly once when the task settles. A false return means the
// agent is saturated or offline and the scheduler should pick another
// candidate.
func (a *Agent) TryAccept(t *task.Task, resolve ResolveFunc) bool {
	a.mu.Lock()
	if a.status != StatusActive || len(a.active) >= a.capacity {
		a.mu.Unlock()
		return false
	}
	if err := t.Assign(a.id); err != nil {
		a.mu.Unlock()
		return false
	}
	a.active[t.ID()] = t
	if len(a.active) == a.capacity {
		a.status = StatusBusy
	}
	a.mu.Unlock()

	go a.run(t, resolve)
	return true
}

// run executes the task and settles it. A panicking executor is converted
// into a failure resolution and the agent moves to the error state.
func (a *Agent) run(t *task.Task, resolve ResolveFunc) {
	res := Resolution{TaskID: t.ID()}
	defer func() {
		if r := recover(); r != nil {
			res.Output = ""
			res.Err = fmt.Errorf("worker %s: executor panic: %v", a.id, r)
			a.markErrored()
		}
		a.release(t.ID())
		resolve(res)
	}()

	if err := t.StartProcessing(); err != nil {
		// Cancelled between acceptance and execution.
		res.Err = err
		return
	}
	res.Output, res.Err = a.executor(context.Background(), t)
}

// markErrored takes the agent out of rotation after an executor panic.
// Tasks already in flight still resolve; no new work is accepted.
func (a *Agent) markErrored() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusOffline {
		a.status = StatusError
	}
}

// release drops a settled task from the active set. The drop is what makes
// the slot visible to the registry again.
func (a *Agent) release(taskID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, taskID)
	if a.status == StatusBusy && len(a.active) < a.capacity {
		a.status = StatusActive
	}
}

// Cleanup takes the agent offline and cancels every task it still owns.
// Idempotent: a second call finds nothing to cancel.
func (a *Agent) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = StatusOffline
	for id, t := range a.active {
		// Cancel fails only for already-terminal tasks; nothing to undo.
		_ = t.Cancel()
		delete(a.active, id)
	}
}
