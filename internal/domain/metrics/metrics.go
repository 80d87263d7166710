// Package metrics holds per-worker rolling performance counters. The
// registry owns one Performance per worker; workers never touch their own
// metrics.
package metrics

import (
	"sync"
	"time"
)

// Performance accumulates dispatch and completion accounting for a single
// worker. Availability is an externally adjustable 0.0–1.0 weight used by
// the expertise selection policy.
type Performance struct {
	mu              sync.Mutex
	totalTasks      int
	successfulTasks int
	failedTasks     int
	currentLoad     int
	availability    float64
	avgProcessing   time.Duration
	lastActivity    time.Time
}

// NewPerformance returns a zeroed entry with full availability.
func NewPerformance() *Performance {
	return &Performance{
		availability: 1.0,
		lastActivity: time.Now().UTC(),
	}
}

// RecordDispatch counts a successful task acceptance.
func (p *Performance) RecordDispatch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalTasks++
	p.currentLoad++
	p.lastActivity = time.Now().UTC()
}

// RecordCompletion counts a terminal resolution and folds the processing
// time into the running mean: newAvg = oldAvg + (x - oldAvg) / n.
func (p *Performance) RecordCompletion(success bool, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if success {
		p.successfulTasks++
	} else {
		p.failedTasks++
	}
	if p.currentLoad > 0 {
		p.currentLoad--
	}
	n := p.successfulTasks + p.failedTasks
	p.avgProcessing += (elapsed - p.avgProcessing) / time.Duration(n)
	p.lastActivity = time.Now().UTC()
}

// SetAvailability clamps f into [0, 1] and stores it.
func (p *Performance) SetAvailability(f float64) {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.availability = f
}

// Snapshot is a detached copy of a worker's metrics.
type Snapshot struct {
	TotalTasks            int           `json:"total_tasks"`
	SuccessfulTasks       int           `json:"successful_tasks"`
	FailedTasks           int           `json:"failed_tasks"`
	CurrentLoad           int           `json:"current_load"`
	Availability          float64       `json:"availability"`
	SuccessRate           float64       `json:"success_rate"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	LastActivity          time.Time     `json:"last_activity"`
}

func (p *Performance) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{
		TotalTasks:            p.totalTasks,
		SuccessfulTasks:       p.successfulTasks,
		FailedTasks:           p.failedTasks,
		CurrentLoad:           p.currentLoad,
		Availability:          p.availability,
		AverageProcessingTime: p.avgProcessing,
		LastActivity:          p.lastActivity,
	}
	if p.totalTasks > 0 {
		s.SuccessRate = float64(p.successfulTasks) / float64(p.totalTasks)
	}
	return s
}
