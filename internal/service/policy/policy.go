// Package policy implements the pluggable worker selection algorithms.
package policy

import (
	"fmt"

	"github.com/taskmesh/taskmesh/internal/domain/metrics"
	portworker "github.com/taskmesh/taskmesh/internal/port/worker"
)

type Policy string

const (
	RoundRobin     Policy = "round_robin"
	LoadBalanced   Policy = "load_balanced"
	ExpertiseBased Policy = "expertise_based"
	PriorityBased  Policy = "priority_based"
)

// Default is the policy used when none is configured.
const Default = ExpertiseBased

func (p Policy) Valid() bool {
	switch p {
	case RoundRobin, LoadBalanced, ExpertiseBased, PriorityBased:
		return true
	}
	return false
}

// Candidate pairs an eligible worker with its current metrics snapshot.
// Candidates arrive in registry (registration) order; every selector
// breaks ties in favor of the earlier candidate.
type Candidate struct {
	Worker  portworker.Worker
	Metrics metrics.Snapshot
}

// Selector picks one worker from a non-empty candidate list.
type Selector interface {
	Select(candidates []Candidate) portworker.Worker
}

// ForPolicy returns the selector implementing p.
func ForPolicy(p Policy) (Selector, error) {
	switch p {
	case RoundRobin:
		return roundRobin{}, nil
	case LoadBalanced:
		return loadBalanced{}, nil
	case ExpertiseBased:
		return expertiseBased{}, nil
	case PriorityBased:
		return priorityBased{}, nil
	default:
		return nil, fmt.Errorf("policy: unknown selection policy %q", p)
	}
}

// roundRobin picks the worker with the fewest dispatched tasks so far.
type roundRobin struct{}

func (roundRobin) Select(candidates []Candidate) portworker.Worker {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Metrics.TotalTasks < best.Metrics.TotalTasks {
			best = c
		}
	}
	return best.Worker
}

// loadBalanced picks the worker with the lowest in-flight load.
type loadBalanced struct{}

func (loadBalanced) Select(candidates []Candidate) portworker.Worker {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Metrics.CurrentLoad < best.Metrics.CurrentLoad {
			best = c
		}
	}
	return best.Worker
}

// expertiseBased maximizes successRate * availability. A worker that has
// never completed a task scores zero, so newly registered workers rank
// behind any worker with at least one success. That cold-start bias is
// intentional: capability is proven, not presumed.
type expertiseBased struct{}

func (expertiseBased) Select(candidates []Candidate) portworker.Worker {
	best := candidates[0]
	bestScore := score(best.Metrics)
	for _, c := range candidates[1:] {
		if s := score(c.Metrics); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best.Worker
}

func score(m metrics.Snapshot) float64 {
	return m.SuccessRate * m.Availability
}

// priorityBased has no richer signal to act on yet, so it preserves
// load-balanced behavior. Task-level priority hints would slot in here.
type priorityBased struct {
	loadBalanced
}
