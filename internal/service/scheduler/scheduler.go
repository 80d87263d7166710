// Package scheduler is the coordination core: it validates and queues
// submissions, dispatches them to workers through the configured selection
// policy, and aggregates lifecycle accounting.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/domain/event"
	"github.com/taskmesh/taskmesh/internal/domain/metrics"
	"github.com/taskmesh/taskmesh/internal/domain/task"
	domainworker "github.com/taskmesh/taskmesh/internal/domain/worker"
	portarchive "github.com/taskmesh/taskmesh/internal/port/archive"
	porteventbus "github.com/taskmesh/taskmesh/internal/port/eventbus"
	portworker "github.com/taskmesh/taskmesh/internal/port/worker"
	"github.com/taskmesh/taskmesh/internal/service/policy"
	"github.com/taskmesh/taskmesh/internal/service/registry"
)

var (
	// ErrQueueFull is backpressure, not failure: the caller should retry
	// once the queue drains.
	ErrQueueFull = errors.New("scheduler: pending queue at capacity")
	// ErrClosed is returned for submissions after Cleanup.
	ErrClosed = errors.New("scheduler: closed")
)

// DefaultMaxQueueSize bounds the pending queue unless configured otherwise.
const DefaultMaxQueueSize = 100

type Config struct {
	// MaxQueueSize is the backpressure threshold for pending tasks.
	MaxQueueSize int
	// Policy selects the dispatch algorithm.
	Policy policy.Policy
	// TaskTimeout is surfaced in status reports for external watchdogs.
	// The scheduler itself never interrupts a running task.
	TaskTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.Policy == "" {
		c.Policy = policy.Default
	}
}

// Scheduler is the single owner of the pending queue, the active-task map,
// and the registry. One mutex covers every mutation of the three, which is
// what makes Submit and ProcessQueue safe to race from multiple callers.
type Scheduler struct {
	cfg      Config
	selector policy.Selector
	registry *registry.Registry
	bus      porteventbus.EventBus
	archive  portarchive.Archive

	mu            sync.Mutex
	queue         []*task.Task
	active        map[uuid.UUID]*activeEntry
	terminal      map[uuid.UUID]task.Snapshot
	terminalOrder []uuid.UUID
	completed     int
	failed        int
	cancelled     int
	closed        bool
}

// maxTerminalRetained caps the in-memory terminal collection. Older entries
// are evicted oldest-first; the archive keeps the full history.
const maxTerminalRetained = 1024

type activeEntry struct {
	task         *task.Task
	workerID     uuid.UUID
	dispatchedAt time.Time
}

// New builds a scheduler over the given registry. bus and archive are
// optional; a nil bus drops events and a nil archive skips persistence.
func New(reg *registry.Registry, cfg Config, bus porteventbus.EventBus, arc portarchive.Archive) (*Scheduler, error) {
	cfg.withDefaults()
	sel, err := policy.ForPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:      cfg,
		selector: sel,
		registry: reg,
		bus:      bus,
		archive:  arc,
		active:   make(map[uuid.UUID]*activeEntry),
		terminal: make(map[uuid.UUID]task.Snapshot),
	}, nil
}

// RegisterWorker adds a worker to the registry and announces it.
func (s *Scheduler) RegisterWorker(ctx context.Context, w portworker.Worker) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	err := s.registry.Register(w)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish(ctx, event.New(event.TypeWorkerRegistered, w.ID()))
	return nil
}

// Registry exposes the registry for metrics adjustments (availability).
func (s *Scheduler) Registry() *registry.Registry { return s.registry }

// Receipt reports the synchronous outcome of a submission.
type Receipt struct {
	TaskID           uuid.UUID   `json:"task_id"`
	Status           task.Status `json:"status"`
	AssignedWorkerID *uuid.UUID  `json:"assigned_worker_id,omitempty"`
	// QueuePosition is 1-based and only meaningful while Status is queued.
	QueuePosition int `json:"queue_position,omitempty"`
}

// Submit validates, enqueues, and opportunistically dispatches a task.
// Validation failures and queue saturation reject the task before any
// shared state changes. A task that finds no eligible worker stays queued;
// that is an expected state, not an error.
func (s *Scheduler) Submit(ctx context.Context, query string, domain task.Domain, taskContext map[string]any) (Receipt, error) {
	t, err := task.New(query, domain, taskContext)
	if err != nil {
		return Receipt{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Receipt{}, ErrClosed
	}
	if len(s.queue) >= s.cfg.MaxQueueSize {
		s.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w (%d tasks pending)", ErrQueueFull, s.cfg.MaxQueueSize)
	}
	if err := t.MarkQueued(); err != nil {
		s.mu.Unlock()
		return Receipt{}, err
	}
	s.queue = append(s.queue, t)

	receipt := Receipt{TaskID: t.ID(), Status: task.StatusQueued}
	workerID, dispatched := s.dispatchLocked(t)
	if dispatched {
		receipt.Status = t.Status()
		id := workerID
		receipt.AssignedWorkerID = &id
	} else {
		receipt.QueuePosition = s.queuePositionLocked(t.ID())
	}
	s.mu.Unlock()

	s.publish(ctx, event.New(event.TypeTaskSubmitted, t.ID()))
	if dispatched {
		s.publish(ctx, event.New(event.TypeTaskAssigned, t.ID()))
	}
	return receipt, nil
}

// Progress summarizes one ProcessQueue pass.
type Progress struct {
	Processed          int `json:"processed"`
	FailedAssignments  int `json:"failed_assignments"`
	RemainingQueueSize int `json:"remaining_queue_size"`
}

// ProcessQueue walks a snapshot of the pending queue and tries to dispatch
// each task. Tasks that find no worker stay queued for a later pass.
func (s *Scheduler) ProcessQueue(ctx context.Context) Progress {
	s.mu.Lock()
	snapshot := make([]*task.Task, len(s.queue))
	copy(snapshot, s.queue)

	var prog Progress
	var assigned []uuid.UUID
	for _, t := range snapshot {
		if !s.queuedLocked(t.ID()) {
			// Raced with a concurrent pass; already dispatched.
			continue
		}
		if _, ok := s.dispatchLocked(t); ok {
			prog.Processed++
			assigned = append(assigned, t.ID())
		} else {
			prog.FailedAssignments++
		}
	}
	prog.RemainingQueueSize = len(s.queue)
	s.mu.Unlock()

	for _, id := range assigned {
		s.publish(ctx, event.New(event.TypeTaskAssigned, id))
	}
	return prog
}

// dispatchLocked selects candidates for t and offers it until a worker
// accepts. The candidate list is a snapshot: a worker can saturate between
// selection and TryAccept, so a refusal just drops that candidate and
// selection runs again. Caller holds s.mu.
func (s *Scheduler) dispatchLocked(t *task.Task) (uuid.UUID, bool) {
	candidates := s.candidatesLocked(t.Domain())
	for len(candidates) > 0 {
		w := s.selector.Select(candidates)
		if w.TryAccept(t, s.resolveFunc()) {
			s.registry.RecordDispatch(w.ID())
			s.removeFromQueueLocked(t.ID())
			s.active[t.ID()] = &activeEntry{
				task:         t,
				workerID:     w.ID(),
				dispatchedAt: time.Now(),
			}
			return w.ID(), true
		}
		candidates = without(candidates, w.ID())
	}
	return uuid.Nil, false
}

func (s *Scheduler) candidatesLocked(domain task.Domain) []policy.Candidate {
	workers := s.registry.AvailableWorkers(domain)
	if len(workers) == 0 {
		return nil
	}
	candidates := make([]policy.Candidate, 0, len(workers))
	for _, w := range workers {
		snap, _ := s.registry.Metrics(w.ID())
		candidates = append(candidates, policy.Candidate{Worker: w, Metrics: snap})
	}
	return candidates
}

func without(candidates []policy.Candidate, workerID uuid.UUID) []policy.Candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if c.Worker.ID() != workerID {
			out = append(out, c)
		}
	}
	return out
}

// retainTerminalLocked records a terminal snapshot for lookups and status
// counts, evicting the oldest retained snapshot past the cap. Counters are
// monotonic and unaffected by eviction. Caller holds s.mu.
func (s *Scheduler) retainTerminalLocked(snap task.Snapshot) {
	switch snap.Status {
	case task.StatusCompleted:
		s.completed++
	case task.StatusFailed:
		s.failed++
	case task.StatusCancelled:
		s.cancelled++
	}
	s.terminal[snap.ID] = snap
	s.terminalOrder = append(s.terminalOrder, snap.ID)
	for len(s.terminalOrder) > maxTerminalRetained {
		oldest := s.terminalOrder[0]
		s.terminalOrder = s.terminalOrder[1:]
		delete(s.terminal, oldest)
	}
}

func (s *Scheduler) queuedLocked(taskID uuid.UUID) bool {
	for _, t := range s.queue {
		if t.ID() == taskID {
			return true
		}
	}
	return false
}

func (s *Scheduler) queuePositionLocked(taskID uuid.UUID) int {
	for i, t := range s.queue {
		if t.ID() == taskID {
			return i + 1
		}
	}
	return 0
}

func (s *Scheduler) removeFromQueueLocked(taskID uuid.UUID) {
	for i, t := range s.queue {
		if t.ID() == taskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// resolveFunc builds the completion callback handed to a worker at
// acceptance. It runs on the worker's goroutine.
func (s *Scheduler) resolveFunc() domainworker.ResolveFunc {
	return func(res domainworker.Resolution) {
		s.onResolution(res)
	}
}

func (s *Scheduler) onResolution(res domainworker.Resolution) {
	s.mu.Lock()
	entry, ok := s.active[res.TaskID]
	if !ok {
		// Cancelled or cleaned up while in flight; accounting already done.
		s.mu.Unlock()
		return
	}
	delete(s.active, res.TaskID)
	elapsed := time.Since(entry.dispatchedAt)

	success := res.Err == nil
	result := task.Result{Output: res.Output}
	if !success {
		result.Error = res.Err.Error()
	}
	if err := entry.task.Resolve(result, !success); err != nil {
		// The worker cancelled it during cleanup; keep the cancelled state.
		slog.Warn("resolution for settled task ignored",
			"task_id", res.TaskID, "error", err)
	}
	s.registry.RecordCompletion(entry.workerID, success, elapsed)
	snap := entry.task.Snapshot()
	s.retainTerminalLocked(snap)
	s.mu.Unlock()

	ctx := context.Background()
	if success {
		s.publish(ctx, event.New(event.TypeTaskCompleted, res.TaskID))
	} else {
		slog.Info("task failed",
			"task_id", res.TaskID, "worker_id", entry.workerID, "error", res.Err)
		s.publish(ctx, event.New(event.TypeTaskFailed, res.TaskID))
	}
	s.archiveSnapshot(ctx, snap)
}

func (s *Scheduler) archiveSnapshot(ctx context.Context, snap task.Snapshot) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Save(ctx, snap); err != nil {
		slog.ErrorContext(ctx, "failed to archive task", "task_id", snap.ID, "error", err)
	}
}

func (s *Scheduler) publish(ctx context.Context, e event.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		slog.ErrorContext(ctx, "failed to publish event",
			"type", e.Type, "entity_id", e.EntityID, "error", err)
	}
}

// Status is a point-in-time snapshot of the coordinator. Maps are deep
// copies; callers cannot reach live scheduler state through it.
type Status struct {
	RegisteredWorkers int                            `json:"registered_workers"`
	ActiveWorkers     int                            `json:"active_workers"`
	QueueSize         int                            `json:"queue_size"`
	ActiveTasks       int                            `json:"active_tasks"`
	CompletedTasks    int                            `json:"completed_tasks"`
	FailedTasks       int                            `json:"failed_tasks"`
	CancelledTasks    int                            `json:"cancelled_tasks"`
	Policy            policy.Policy                  `json:"selection_policy"`
	TaskTimeout       time.Duration                  `json:"task_timeout"`
	WorkerMetrics     map[uuid.UUID]metrics.Snapshot `json:"worker_metrics"`
}

func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		QueueSize:     len(s.queue),
		ActiveTasks:   len(s.active),
		Policy:        s.cfg.Policy,
		TaskTimeout:   s.cfg.TaskTimeout,
		WorkerMetrics: s.registry.SnapshotMetrics(),
	}
	st.RegisteredWorkers, st.ActiveWorkers = s.registry.Counts()
	st.CompletedTasks = s.completed
	st.FailedTasks = s.failed
	st.CancelledTasks = s.cancelled
	return st
}

// GetTask looks a task up across the queue, the active map, and the
// terminal collection.
func (s *Scheduler) GetTask(taskID uuid.UUID) (task.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.active[taskID]; ok {
		return entry.task.Snapshot(), true
	}
	for _, t := range s.queue {
		if t.ID() == taskID {
			return t.Snapshot(), true
		}
	}
	if snap, ok := s.terminal[taskID]; ok {
		return snap, true
	}
	return task.Snapshot{}, false
}

// Run drives ProcessQueue on a fixed interval until ctx is done. Dispatch
// also happens opportunistically on every Submit; the loop exists so tasks
// queued while all workers were saturated are retried without caller help.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler loop stopped")
			return
		case <-ticker.C:
			prog := s.ProcessQueue(ctx)
			if prog.Processed > 0 {
				slog.Info("queue pass dispatched tasks",
					"processed", prog.Processed, "remaining", prog.RemainingQueueSize)
			}
		}
	}
}

// Cleanup cancels every queued and active task, takes all workers offline,
// and clears the registry. Every step is attempted even if earlier steps
// fail. Idempotent and safe on a never-used scheduler.
func (s *Scheduler) Cleanup(ctx context.Context) {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	activeEntries := s.active
	s.active = make(map[uuid.UUID]*activeEntry)
	s.closed = true

	var cancelled []uuid.UUID
	for _, t := range queued {
		if err := t.Cancel(); err != nil {
			slog.Warn("cleanup: could not cancel queued task", "task_id", t.ID(), "error", err)
			continue
		}
		s.retainTerminalLocked(t.Snapshot())
		cancelled = append(cancelled, t.ID())
	}
	for id, entry := range activeEntries {
		if err := entry.task.Cancel(); err != nil {
			slog.Warn("cleanup: could not cancel active task", "task_id", id, "error", err)
			continue
		}
		s.retainTerminalLocked(entry.task.Snapshot())
		cancelled = append(cancelled, id)
	}
	s.mu.Unlock()

	// Worker cleanup is outside the scheduler lock: TryAccept and resolve
	// callbacks may be in flight and need the lock to finish.
	workers := s.registry.Workers()
	s.registry.Cleanup()
	for _, w := range workers {
		s.publish(ctx, event.New(event.TypeWorkerOffline, w.ID()))
	}
	for _, id := range cancelled {
		s.publish(ctx, event.New(event.TypeTaskCancelled, id))
	}
}
