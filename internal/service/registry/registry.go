// Package registry tracks known workers, partitioned by domain, together
// with the scheduler-owned performance metrics for each.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/domain/metrics"
	"github.com/taskmesh/taskmesh/internal/domain/task"
	domainworker "github.com/taskmesh/taskmesh/internal/domain/worker"
	portworker "github.com/taskmesh/taskmesh/internal/port/worker"
)

var (
	ErrDuplicateWorker = errors.New("registry: worker id already registered")
	ErrUnknownWorker   = errors.New("registry: worker not registered")
)

// Registry owns worker bookkeeping. Iteration over a domain's workers is
// in registration order, which the round-robin policy relies on for
// deterministic tie-breaks.
type Registry struct {
	mu       sync.RWMutex
	workers  map[uuid.UUID]portworker.Worker
	byDomain map[task.Domain][]uuid.UUID
	metrics  map[uuid.UUID]*metrics.Performance
}

func New() *Registry {
	return &Registry{
		workers:  make(map[uuid.UUID]portworker.Worker),
		byDomain: make(map[task.Domain][]uuid.UUID),
		metrics:  make(map[uuid.UUID]*metrics.Performance),
	}
}

// Register adds a worker and creates its zeroed metrics entry.
func (r *Registry) Register(w portworker.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[w.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, w.ID())
	}
	r.workers[w.ID()] = w
	r.byDomain[w.Domain()] = append(r.byDomain[w.Domain()], w.ID())
	r.metrics[w.ID()] = metrics.NewPerformance()
	return nil
}

// AvailableWorkers returns the domain's workers that are active and below
// capacity, in registration order.
func (r *Registry) AvailableWorkers(domain task.Domain) []portworker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []portworker.Worker
	for _, id := range r.byDomain[domain] {
		w := r.workers[id]
		if w.Status() != domainworker.StatusActive {
			continue
		}
		if w.Load() >= w.Capacity() {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (r *Registry) RecordDispatch(workerID uuid.UUID) {
	r.mu.RLock()
	perf := r.metrics[workerID]
	r.mu.RUnlock()
	if perf == nil {
		slog.Warn("dispatch recorded for unknown worker", "worker_id", workerID)
		return
	}
	perf.RecordDispatch()
}

func (r *Registry) RecordCompletion(workerID uuid.UUID, success bool, processingTime time.Duration) {
	r.mu.RLock()
	perf := r.metrics[workerID]
	r.mu.RUnlock()
	if perf == nil {
		slog.Warn("completion recorded for unknown worker", "worker_id", workerID)
		return
	}
	perf.RecordCompletion(success, processingTime)
}

// SetAvailability adjusts the externally supplied availability weight.
func (r *Registry) SetAvailability(workerID uuid.UUID, availability float64) error {
	r.mu.RLock()
	perf := r.metrics[workerID]
	r.mu.RUnlock()
	if perf == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	perf.SetAvailability(availability)
	return nil
}

// Metrics returns a copy of one worker's metrics.
func (r *Registry) Metrics(workerID uuid.UUID) (metrics.Snapshot, bool) {
	r.mu.RLock()
	perf := r.metrics[workerID]
	r.mu.RUnlock()
	if perf == nil {
		return metrics.Snapshot{}, false
	}
	return perf.Snapshot(), true
}

// SnapshotMetrics copies every worker's metrics keyed by worker id.
func (r *Registry) SnapshotMetrics() map[uuid.UUID]metrics.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]metrics.Snapshot, len(r.metrics))
	for id, perf := range r.metrics {
		out[id] = perf.Snapshot()
	}
	return out
}

// Workers returns every registered worker in registration order across
// domains (domain order is unspecified, order within a domain is stable).
func (r *Registry) Workers() []portworker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []portworker.Worker
	for _, ids := range r.byDomain {
		for _, id := range ids {
			out = append(out, r.workers[id])
		}
	}
	return out
}

// Counts returns (registered, active) worker totals. A worker counts as
// active unless it is offline or errored.
func (r *Registry) Counts() (registered, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	registered = len(r.workers)
	for _, w := range r.workers {
		switch w.Status() {
		case domainworker.StatusActive, domainworker.StatusBusy:
			active++
		}
	}
	return registered, active
}

// Cleanup takes every worker offline and clears the registry. Idempotent.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	workers := make([]portworker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.workers = make(map[uuid.UUID]portworker.Worker)
	r.byDomain = make(map[task.Domain][]uuid.UUID)
	r.metrics = make(map[uuid.UUID]*metrics.Performance)
	r.mu.Unlock()

	for _, w := range workers {
		w.Cleanup()
	}
}
