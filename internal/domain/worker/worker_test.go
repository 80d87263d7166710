package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/domain/task"
	"github.com/taskmesh/taskmesh/internal/domain/worker"
)

func newTask(t *testing.T) *task.Task {
	t.Helper()
	tk, err := task.New("check torque spec", task.DomainMechanical, nil)
	require.NoError(t, err)
	require.NoError(t, tk.MarkQueued())
	return tk
}

func instantExecutor(output string, err error) worker.Executor {
	return func(context.Context, *task.Task) (string, error) {
		return output, err
	}
}

func newActive(t *testing.T, domain task.Domain, capacity int, executor worker.Executor) *worker.Agent {
	t.Helper()
	a, err := worker.New(domain, capacity, executor)
	require.NoError(t, err)
	a.Activate()
	return a
}

func TestNewAgentIsInitializingUntilActivated(t *testing.T) {
	a, err := worker.New(task.DomainMechanical, 1, instantExecutor("ok", nil))
	require.NoError(t, err)
	assert.Equal(t, worker.StatusInitializing, a.Status())

	// Not dispatchable yet.
	assert.False(t, a.TryAccept(newTask(t), func(worker.Resolution) {}))

	a.Activate()
	assert.Equal(t, worker.StatusActive, a.Status())

	done := make(chan worker.Resolution, 1)
	require.True(t, a.TryAccept(newTask(t), func(r worker.Resolution) { done <- r }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("activated agent never resolved")
	}
}

func TestNewRejectsBadArguments(t *testing.T) {
	_, err := worker.New(task.DomainMechanical, 0, instantExecutor("", nil))
	require.Error(t, err)

	_, err = worker.New(task.DomainMechanical, 1, nil)
	require.Error(t, err)
}

func TestTryAcceptRunsAndResolves(t *testing.T) {
	a := newActive(t, task.DomainMechanical, 1, instantExecutor("torque within spec", nil))

	tk := newTask(t)
	done := make(chan worker.Resolution, 1)
	require.True(t, a.TryAccept(tk, func(r worker.Resolution) { done <- r }))

	select {
	case res := <-done:
		assert.Equal(t, tk.ID(), res.TaskID)
		assert.Equal(t, "torque within spec", res.Output)
		assert.NoError(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("resolution never arrived")
	}
	assert.Equal(t, 0, a.Load())
}

func TestCapacityInvariantUnderConcurrency(t *testing.T) {
	const capacity = 3
	const contenders = 32

	release := make(chan struct{})
	a := newActive(t, task.DomainElectrical, capacity, func(context.Context, *task.Task) (string, error) {
		<-release
		return "ok", nil
	})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	resolved := make(chan worker.Resolution, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk := newTask(t)
			if a.TryAccept(tk, func(r worker.Resolution) { resolved <- r }) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, accepted, "acceptances must never exceed capacity")
	assert.Equal(t, capacity, a.Load())
	assert.Equal(t, worker.StatusBusy, a.Status())

	close(release)
	for i := 0; i < capacity; i++ {
		select {
		case <-resolved:
		case <-time.After(2 * time.Second):
			t.Fatal("accepted task never resolved")
		}
	}
	assert.Equal(t, 0, a.Load())
	assert.Equal(t, worker.StatusActive, a.Status())
}

func TestExecutorPanicBecomesFailure(t *testing.T) {
	a := newActive(t, task.DomainStructural, 1, func(context.Context, *task.Task) (string, error) {
		panic("beam model diverged")
	})

	tk := newTask(t)
	done := make(chan worker.Resolution, 1)
	require.True(t, a.TryAccept(tk, func(r worker.Resolution) { done <- r }))

	select {
	case res := <-done:
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "panic")
	case <-time.After(2 * time.Second):
		t.Fatal("panicking executor never resolved")
	}

	// A panic takes the agent out of rotation.
	assert.Equal(t, worker.StatusError, a.Status())
	assert.Zero(t, a.Load())
	assert.False(t, a.TryAccept(newTask(t), func(worker.Resolution) {}))
}

func TestExecutorFailureResolvesWithError(t *testing.T) {
	wantErr := errors.New("load case unsupported")
	a := newActive(t, task.DomainStructural, 1, instantExecutor("", wantErr))

	tk := newTask(t)
	done := make(chan worker.Resolution, 1)
	require.True(t, a.TryAccept(tk, func(r worker.Resolution) { done <- r }))

	select {
	case res := <-done:
		assert.ErrorIs(t, res.Err, wantErr)
	case <-time.After(2 * time.Second):
		t.Fatal("resolution never arrived")
	}
}

func TestOfflineAgentRefusesWork(t *testing.T) {
	a := newActive(t, task.DomainElectrical, 1, instantExecutor("ok", nil))
	a.Cleanup()

	assert.False(t, a.TryAccept(newTask(t), func(worker.Resolution) {}))
	assert.Equal(t, worker.StatusOffline, a.Status())
}

func TestCleanupCancelsActiveAndIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	a := newActive(t, task.DomainElectrical, 2, func(context.Context, *task.Task) (string, error) {
		<-release
		return "ok", nil
	})

	tk := newTask(t)
	require.True(t, a.TryAccept(tk, func(worker.Resolution) {}))

	// Wait for the runner to move the task into processing, so Cleanup
	// exercises in-flight cancellation.
	require.Eventually(t, func() bool {
		return tk.Status() == task.StatusProcessing
	}, 2*time.Second, 10*time.Millisecond)

	a.Cleanup()
	assert.Equal(t, task.StatusCancelled, tk.Status())
	assert.Equal(t, 0, a.Load())

	a.Cleanup()
	assert.Equal(t, worker.StatusOffline, a.Status())
	assert.Equal(t, 0, a.Load())
}

func TestDistinctAgentsGetDistinctIDs(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		a, err := worker.New(task.DomainChemicalProcess, 1, instantExecutor("", nil))
		require.NoError(t, err)
		id := fmt.Sprint(a.ID())
		assert.False(t, seen[id])
		seen[id] = true
	}
}
