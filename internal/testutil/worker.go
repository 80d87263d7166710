// Package testutil provides hand-rolled test doubles shared across
// packages.
package testutil

import (
	"sync"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/domain/task"
	domainworker "github.com/taskmesh/taskmesh/internal/domain/worker"
)

// ManualWorker is a worker whose resolutions are driven explicitly by the
// test instead of a goroutine, so dispatch and completion interleavings
// are deterministic. It is safe for concurrent use.
type ManualWorker struct {
	id       uuid.UUID
	domain   task.Domain
	capacity int

	mu       sync.Mutex
	status   domainworker.Status
	pending  map[uuid.UUID]pendingTask
	accepted []uuid.UUID
}

type pendingTask struct {
	task    *task.Task
	resolve domainworker.ResolveFunc
}

func NewManualWorker(domain task.Domain, capacity int) *ManualWorker {
	return &ManualWorker{
		id:       uuid.New(),
		domain:   domain,
		capacity: capacity,
		status:   domainworker.StatusActive,
		pending:  make(map[uuid.UUID]pendingTask),
	}
}

func (w *ManualWorker) ID() uuid.UUID { return w.id }
func (w *ManualWorker) Domain() task.Domain { return w.domain }
func (w *ManualWorker) Capacity() int { return w.capacity }

func (w *ManualWorker) Status() domainworker.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *ManualWorker) Load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *ManualWorker) TryAccept(t *task.Task, resolve domainworker.ResolveFunc) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != domainworker.StatusActive || len(w.pending) >= w.capacity {
		return false
	}
	if err := t.Assign(w.id); err != nil {
		return false
	}
	w.pending[t.ID()] = pendingTask{task: t, resolve: resolve}
	w.accepted = append(w.accepted, t.ID())
	if len(w.pending) == w.capacity {
		w.status = domainworker.StatusBusy
	}
	return true
}

// Resolve settles a previously accepted task. Returns false if the task
// is not pending on this worker.
func (w *ManualWorker) Resolve(taskID uuid.UUID, output string, err error) bool {
	w.mu.Lock()
	p, ok := w.pending[taskID]
	if !ok {
		w.mu.Unlock()
		return false
	}
	delete(w.pending, taskID)
	if w.status == domainworker.StatusBusy && len(w.pending) < w.capacity {
		w.status = domainworker.StatusActive
	}
	w.mu.Unlock()

	// Mirror the real agent: processing precedes resolution.
	_ = p.task.StartProcessing()
	p.resolve(domainworker.Resolution{TaskID: taskID, Output: output, Err: err})
	return true
}

// Accepted returns every task id this worker has ever accepted, in order.
func (w *ManualWorker) Accepted() []uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uuid.UUID, len(w.accepted))
	copy(out, w.accepted)
	return out
}

func (w *ManualWorker) Cleanup() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = domainworker.StatusOffline
	for id, p := range w.pending {
		_ = p.task.Cancel()
		delete(w.pending, id)
	}
}
