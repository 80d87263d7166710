package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/adapter/memory"
	"github.com/taskmesh/taskmesh/internal/domain/event"
	"github.com/taskmesh/taskmesh/internal/domain/task"
	domainworker "github.com/taskmesh/taskmesh/internal/domain/worker"
	"github.com/taskmesh/taskmesh/internal/service/policy"
	"github.com/taskmesh/taskmesh/internal/service/registry"
	"github.com/taskmesh/taskmesh/internal/service/scheduler"
	"github.com/taskmesh/taskmesh/internal/testutil"
)

func newScheduler(t *testing.T, cfg scheduler.Config) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(registry.New(), cfg, nil, nil)
	require.NoError(t, err)
	return s
}

func mustRegister(t *testing.T, s *scheduler.Scheduler, w *testutil.ManualWorker) {
	t.Helper()
	require.NoError(t, s.RegisterWorker(context.Background(), w))
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	_, err := scheduler.New(registry.New(), scheduler.Config{Policy: "best_effort"}, nil, nil)
	require.Error(t, err)
}

func TestSubmitValidationLeavesStateUntouched(t *testing.T) {
	s := newScheduler(t, scheduler.Config{})
	ctx := context.Background()

	_, err := s.Submit(ctx, "", task.DomainElectrical, nil)
	var verr *task.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "query", verr.Field)

	_, err = s.Submit(ctx, "inspect the busbar", task.Domain("plumbing"), nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "domain", verr.Field)

	st := s.GetStatus()
	assert.Zero(t, st.QueueSize)
	assert.Zero(t, st.ActiveTasks)
	assert.Zero(t, st.CompletedTasks)
	assert.Zero(t, st.FailedTasks)
}

func TestSubmitWithoutWorkersQueues(t *testing.T) {
	s := newScheduler(t, scheduler.Config{})
	receipt, err := s.Submit(context.Background(), "review the relay settings", task.DomainElectrical, nil)
	require.NoError(t, err)

	assert.Equal(t, task.StatusQueued, receipt.Status)
	assert.Nil(t, receipt.AssignedWorkerID)
	assert.Equal(t, 1, receipt.QueuePosition)
	assert.Equal(t, 1, s.GetStatus().QueueSize)
}

func TestSubmitDispatchesWhenWorkerHasCapacity(t *testing.T) {
	s := newScheduler(t, scheduler.Config{})
	w := testutil.NewManualWorker(task.DomainMechanical, 1)
	mustRegister(t, s, w)

	receipt, err := s.Submit(context.Background(), "balance the rotor assembly", task.DomainMechanical, nil)
	require.NoError(t, err)

	assert.Equal(t, task.StatusAssigned, receipt.Status)
	require.NotNil(t, receipt.AssignedWorkerID)
	assert.Equal(t, w.ID(), *receipt.AssignedWorkerID)
	assert.Zero(t, receipt.QueuePosition)

	st := s.GetStatus()
	assert.Zero(t, st.QueueSize)
	assert.Equal(t, 1, st.ActiveTasks)
	assert.Equal(t, 1, st.WorkerMetrics[w.ID()].TotalTasks)
	assert.Equal(t, 1, st.WorkerMetrics[w.ID()].CurrentLoad)
}

// A saturated worker leaves later submissions queued; freeing a slot and
// running a queue pass dispatches the waiting task.
func TestQueueDrainsAsCapacityFrees(t *testing.T) {
	s := newScheduler(t, scheduler.Config{})
	ctx := context.Background()
	w := testutil.NewManualWorker(task.DomainStructural, 2)
	mustRegister(t, s, w)

	r1, err := s.Submit(ctx, "check the column axial load", task.DomainStructural, nil)
	require.NoError(t, err)
	r2, err := s.Submit(ctx, "verify the weld group", task.DomainStructural, nil)
	require.NoError(t, err)
	r3, err := s.Submit(ctx, "model the wind load case", task.DomainStructural, nil)
	require.NoError(t, err)

	assert.Equal(t, task.StatusAssigned, r1.Status)
	assert.Equal(t, task.StatusAssigned, r2.Status)
	assert.Equal(t, task.StatusQueued, r3.Status)
	assert.Equal(t, 1, r3.QueuePosition)

	// Saturated: a pass makes no progress.
	prog := s.ProcessQueue(ctx)
	assert.Zero(t, prog.Processed)
	assert.Equal(t, 1, prog.FailedAssignments)
	assert.Equal(t, 1, prog.RemainingQueueSize)

	require.True(t, w.Resolve(r1.TaskID, "axial load within limits", nil))

	prog = s.ProcessQueue(ctx)
	assert.Equal(t, 1, prog.Processed)
	assert.Zero(t, prog.RemainingQueueSize)

	st := s.GetStatus()
	assert.Equal(t, 1, st.CompletedTasks)
	assert.Equal(t, 2, st.ActiveTasks)

	snap, ok := s.GetTask(r3.TaskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusAssigned, snap.Status)
	require.NotNil(t, snap.AssignedWorkerID)
	assert.Equal(t, w.ID(), *snap.AssignedWorkerID)
}

func TestQueueBackpressure(t *testing.T) {
	s := newScheduler(t, scheduler.Config{MaxQueueSize: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Submit(ctx, fmt.Sprintf("pending item %d", i), task.DomainChemicalProcess, nil)
		require.NoError(t, err)
	}
	_, err := s.Submit(ctx, "one over the limit", task.DomainChemicalProcess, nil)
	require.ErrorIs(t, err, scheduler.ErrQueueFull)

	// Rejection left the queue untouched.
	assert.Equal(t, 2, s.GetStatus().QueueSize)
}

func TestProcessQueueNeverDoubleDispatches(t *testing.T) {
	s := newScheduler(t, scheduler.Config{})
	ctx := context.Background()
	w := testutil.NewManualWorker(task.DomainElectrical, 1)
	mustRegister(t, s, w)

	blocker, err := s.Submit(ctx, "hold the only slot", task.DomainElectrical, nil)
	require.NoError(t, err)
	queued, err := s.Submit(ctx, "wait for the slot", task.DomainElectrical, nil)
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, queued.Status)

	require.True(t, w.Resolve(blocker.TaskID, "done", nil))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ProcessQueue(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, []uuid.UUID{blocker.TaskID, queued.TaskID}, w.Accepted())
	assert.Zero(t, s.GetStatus().QueueSize)
}

func TestConcurrentSubmitsRespectCapacity(t *testing.T) {
	s := newScheduler(t, scheduler.Config{MaxQueueSize: 64})
	ctx := context.Background()
	w := testutil.NewManualWorker(task.DomainMechanical, 3)
	mustRegister(t, s, w)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Submit(ctx, fmt.Sprintf("gear mesh check %d", i), task.DomainMechanical, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	st := s.GetStatus()
	assert.Equal(t, 3, st.ActiveTasks)
	assert.Equal(t, 13, st.QueueSize)
	assert.Len(t, w.Accepted(), 3)
}

func TestFailedResolutionAccounting(t *testing.T) {
	s := newScheduler(t, scheduler.Config{})
	w := testutil.NewManualWorker(task.DomainChemicalProcess, 1)
	mustRegister(t, s, w)

	receipt, err := s.Submit(context.Background(), "size the relief valve", task.DomainChemicalProcess, nil)
	require.NoError(t, err)
	require.True(t, w.Resolve(receipt.TaskID, "", errors.New("missing upstream pressure data")))

	st := s.GetStatus()
	assert.Equal(t, 1, st.FailedTasks)
	assert.Zero(t, st.CompletedTasks)
	assert.Zero(t, st.ActiveTasks)
	assert.Zero(t, st.WorkerMetrics[w.ID()].SuccessfulTasks)
	assert.Equal(t, 1, st.WorkerMetrics[w.ID()].FailedTasks)
	assert.Zero(t, st.WorkerMetrics[w.ID()].CurrentLoad)

	snap, ok := s.GetTask(receipt.TaskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "missing upstream pressure data", snap.Result.Error)
}

// refusingWorker pretends to have capacity but turns down the first offer,
// mimicking a worker that saturated between selection and acceptance.
type refusingWorker struct {
	*testutil.ManualWorker
	refusals int
	mu       sync.Mutex
}

func (w *refusingWorker) TryAccept(t *task.Task, resolve domainworker.ResolveFunc) bool {
	w.mu.Lock()
	if w.refusals > 0 {
		w.refusals--
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()
	return w.ManualWorker.TryAccept(t, resolve)
}

func TestDispatchRetriesAfterRefusal(t *testing.T) {
	s := newScheduler(t, scheduler.Config{Policy: policy.RoundRobin})
	flaky := &refusingWorker{
		ManualWorker: testutil.NewManualWorker(task.DomainElectrical, 1),
		refusals:     1,
	}
	steady := testutil.NewManualWorker(task.DomainElectrical, 1)
	require.NoError(t, s.RegisterWorker(context.Background(), flaky))
	mustRegister(t, s, steady)

	receipt, err := s.Submit(context.Background(), "retest the breaker coordination", task.DomainElectrical, nil)
	require.NoError(t, err)

	require.NotNil(t, receipt.AssignedWorkerID)
	assert.Equal(t, steady.ID(), *receipt.AssignedWorkerID)
	assert.Empty(t, flaky.Accepted())
}

func TestGetTaskAcrossCollections(t *testing.T) {
	s := newScheduler(t, scheduler.Config{})
	ctx := context.Background()
	w := testutil.NewManualWorker(task.DomainElectrical, 1)
	mustRegister(t, s, w)

	active, err := s.Submit(ctx, "map the ground grid", task.DomainElectrical, nil)
	require.NoError(t, err)
	queued, err := s.Submit(ctx, "audit the panel schedule", task.DomainElectrical, nil)
	require.NoError(t, err)

	snap, ok := s.GetTask(active.TaskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusAssigned, snap.Status)

	snap, ok = s.GetTask(queued.TaskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusQueued, snap.Status)

	require.True(t, w.Resolve(active.TaskID, "grid mapped", nil))
	snap, ok = s.GetTask(active.TaskID)
	require.True(t, ok)
	assert.Equal(t, task.StatusCompleted, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "grid mapped", snap.Result.Output)

	_, ok = s.GetTask(uuid.New())
	assert.False(t, ok)
}

func TestGetStatusIsDetached(t *testing.T) {
	s := newScheduler(t, scheduler.Config{})
	w := testutil.NewManualWorker(task.DomainMechanical, 1)
	mustRegister(t, s, w)

	st := s.GetStatus()
	delete(st.WorkerMetrics, w.ID())

	fresh := s.GetStatus()
	_, ok := fresh.WorkerMetrics[w.ID()]
	assert.True(t, ok)
}

func TestCleanupCancelsEverythingAndCloses(t *testing.T) {
	s := newScheduler(t, scheduler.Config{})
	ctx := context.Background()
	w := testutil.NewManualWorker(task.DomainStructural, 1)
	mustRegister(t, s, w)

	active, err := s.Submit(ctx, "recheck the footing design", task.DomainStructural, nil)
	require.NoError(t, err)
	queued, err := s.Submit(ctx, "review the shear wall layout", task.DomainStructural, nil)
	require.NoError(t, err)

	s.Cleanup(ctx)

	st := s.GetStatus()
	assert.Zero(t, st.QueueSize)
	assert.Zero(t, st.ActiveTasks)
	assert.Zero(t, st.RegisteredWorkers)
	assert.Equal(t, 2, st.CancelledTasks)

	for _, id := range []uuid.UUID{active.TaskID, queued.TaskID} {
		snap, ok := s.GetTask(id)
		require.True(t, ok)
		assert.Equal(t, task.StatusCancelled, snap.Status)
	}

	_, err = s.Submit(ctx, "anything", task.DomainStructural, nil)
	assert.ErrorIs(t, err, scheduler.ErrClosed)
	err = s.RegisterWorker(ctx, testutil.NewManualWorker(task.DomainStructural, 1))
	assert.ErrorIs(t, err, scheduler.ErrClosed)

	// A second pass finds nothing left to do.
	s.Cleanup(ctx)
	assert.Equal(t, 2, s.GetStatus().CancelledTasks)
}

func TestCleanupOnFreshSchedulerIsSafe(t *testing.T) {
	s := newScheduler(t, scheduler.Config{})
	s.Cleanup(context.Background())
	s.Cleanup(context.Background())
	assert.Zero(t, s.GetStatus().CancelledTasks)
}

func TestLateResolutionAfterCleanupIsIgnored(t *testing.T) {
	s := newScheduler(t, scheduler.Config{})
	ctx := context.Background()
	w := testutil.NewManualWorker(task.DomainElectrical, 1)
	mustRegister(t, s, w)

	receipt, err := s.Submit(ctx, "survey the lightning protection", task.DomainElectrical, nil)
	require.NoError(t, err)

	s.Cleanup(ctx)
	// Worker cleanup already dropped the pending task.
	assert.False(t, w.Resolve(receipt.TaskID, "late", nil))

	st := s.GetStatus()
	assert.Equal(t, 1, st.CancelledTasks)
	assert.Zero(t, st.CompletedTasks)
}

func TestLifecycleEventsReachSubscribers(t *testing.T) {
	bus := memory.NewBus()
	s, err := scheduler.New(registry.New(), scheduler.Config{}, bus, nil)
	require.NoError(t, err)
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[event.Type]int{}
	for _, typ := range event.Types() {
		_, err := bus.Subscribe(ctx, typ, func(_ context.Context, e event.Event) {
			mu.Lock()
			seen[e.Type]++
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	w := testutil.NewManualWorker(task.DomainMechanical, 1)
	mustRegister(t, s, w)
	receipt, err := s.Submit(ctx, "inspect the coupling alignment", task.DomainMechanical, nil)
	require.NoError(t, err)
	require.True(t, w.Resolve(receipt.TaskID, "aligned", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[event.TypeWorkerRegistered] == 1 &&
			seen[event.TypeTaskSubmitted] == 1 &&
			seen[event.TypeTaskAssigned] == 1 &&
			seen[event.TypeTaskCompleted] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestArchiveReceivesTerminalSnapshots(t *testing.T) {
	arc := memory.NewArchive()
	s, err := scheduler.New(registry.New(), scheduler.Config{}, nil, arc)
	require.NoError(t, err)
	ctx := context.Background()

	w := testutil.NewManualWorker(task.DomainChemicalProcess, 1)
	mustRegister(t, s, w)
	receipt, err := s.Submit(ctx, "validate the reactor heat balance", task.DomainChemicalProcess, nil)
	require.NoError(t, err)
	require.True(t, w.Resolve(receipt.TaskID, "balance closes within 2%", nil))

	saved, err := arc.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, receipt.TaskID, saved[0].ID)
	assert.Equal(t, task.StatusCompleted, saved[0].Status)
}

func TestRunDrainsQueueOnInterval(t *testing.T) {
	s := newScheduler(t, scheduler.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queued, err := s.Submit(ctx, "evaluate the distillation column", task.DomainChemicalProcess, nil)
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, queued.Status)

	go s.Run(ctx, 10*time.Millisecond)

	// Capacity appears after the loop is already running.
	w := testutil.NewManualWorker(task.DomainChemicalProcess, 1)
	mustRegister(t, s, w)

	require.Eventually(t, func() bool {
		snap, ok := s.GetTask(queued.TaskID)
		return ok && snap.Status == task.StatusAssigned
	}, 2*time.Second, 10*time.Millisecond)
}
