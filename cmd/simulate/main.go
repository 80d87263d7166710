// Command simulate drives an in-process coordinator with simulated domain
// workers and a randomized task stream, then prints the final accounting.
// Useful for eyeballing selection-policy behavior without a server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/taskmesh/taskmesh/internal/adapter/memory"
	"github.com/taskmesh/taskmesh/internal/domain/task"
	domainworker "github.com/taskmesh/taskmesh/internal/domain/worker"
	"github.com/taskmesh/taskmesh/internal/service/policy"
	"github.com/taskmesh/taskmesh/internal/service/registry"
	"github.com/taskmesh/taskmesh/internal/service/scheduler"
)

func main() {
	var (
		policyName = flag.String("policy", string(policy.Default), "selection policy")
		taskCount  = flag.Int("tasks", 40, "number of tasks to submit")
		duration   = flag.Duration("duration", 15*time.Second, "maximum simulation time")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	reg := registry.New()
	sched, err := scheduler.New(reg, scheduler.Config{
		Policy: policy.Policy(*policyName),
	}, memory.NewBus(), memory.NewArchive())
	if err != nil {
		fmt.Fprintln(os.Stderr, "simulate:", err)
		os.Exit(1)
	}

	// Two workers per domain with differing capacity and reliability so
	// the policies have something to discriminate on.
	for _, d := range task.Domains() {
		for i, spec := range []struct {
			capacity    int
			failureRate float64
			delay       time.Duration
		}{
			{capacity: 2, failureRate: 0.05, delay: 120 * time.Millisecond},
			{capacity: 4, failureRate: 0.25, delay: 60 * time.Millisecond},
		} {
			w, err := domainworker.New(d, spec.capacity, simulatedExecutor(spec.failureRate, spec.delay))
			if err != nil {
				fmt.Fprintln(os.Stderr, "simulate:", err)
				os.Exit(1)
			}
			w.Activate()
			if err := sched.RegisterWorker(ctx, w); err != nil {
				fmt.Fprintln(os.Stderr, "simulate:", err)
				os.Exit(1)
			}
			fmt.Printf("registered worker %d/%s capacity=%d\n", i+1, d, spec.capacity)
		}
	}

	go sched.Run(ctx, 100*time.Millisecond)

	domains := task.Domains()
	submitted := 0
	for submitted < *taskCount && ctx.Err() == nil {
		d := domains[rand.Intn(len(domains))]
		query := fmt.Sprintf("sim-task-%d: analyze %s subsystem", submitted+1, d)
		receipt, err := sched.Submit(ctx, query, d, map[string]any{"batch": submitted / 10})
		if err != nil {
			// Queue full: let the dispatch loop drain, then retry.
			time.Sleep(50 * time.Millisecond)
			continue
		}
		submitted++
		if receipt.AssignedWorkerID != nil {
			fmt.Printf("submitted %s -> worker %s\n", query, *receipt.AssignedWorkerID)
		} else {
			fmt.Printf("submitted %s -> queued at position %d\n", query, receipt.QueuePosition)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Drain: wait for queue and in-flight tasks to settle.
	for ctx.Err() == nil {
		st := sched.GetStatus()
		if st.QueueSize == 0 && st.ActiveTasks == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	st := sched.GetStatus()
	fmt.Printf("\n=== simulation complete (policy=%s) ===\n", st.Policy)
	fmt.Printf("submitted=%d completed=%d failed=%d cancelled=%d queued=%d\n",
		submitted, st.CompletedTasks, st.FailedTasks, st.CancelledTasks, st.QueueSize)
	for id, m := range st.WorkerMetrics {
		fmt.Printf("worker %s: total=%d success_rate=%.2f avg=%s\n",
			id, m.TotalTasks, m.SuccessRate, m.AverageProcessingTime)
	}

	sched.Cleanup(context.Background())
}

func simulatedExecutor(failureRate float64, delay time.Duration) domainworker.Executor {
	return func(ctx context.Context, t *task.Task) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay + time.Duration(rand.Intn(40))*time.Millisecond):
		}
		if rand.Float64() < failureRate {
			return "", fmt.Errorf("simulated failure for %s", t.ID())
		}
		return "analysis complete: " + t.Query(), nil
	}
}
