package task

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Domain is the closed set of engineering domains a task can target.
// A task is only ever dispatched to workers registered for its domain.
type Domain string

const (
	DomainElectrical      Domain = "electrical"
	DomainMechanical      Domain = "mechanical"
	DomainChemicalProcess Domain = "chemical_process"
	DomainStructural      Domain = "structural"
)

var allDomains = []Domain{
	DomainElectrical,
	DomainMechanical,
	DomainChemicalProcess,
	DomainStructural,
}

func (d Domain) Valid() bool {
	for _, known := range allDomains {
		if d == known {
			return true
		}
	}
	return false
}

// Domains returns all recognized domain tags.
func Domains() []Domain {
	out := make([]Domain, len(allDomains))
	copy(out, allDomains)
	return out
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusAssigned   Status = "assigned"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var validTransitions = map[Status][]Status{
	StatusPending:    {StatusQueued},
	StatusQueued:     {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final status. No transition leaves a
// terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// MaxQueryLen bounds the free-form request payload, counted in runes.
const MaxQueryLen = 2000

// ErrTerminalTransition is returned when a transition out of a terminal
// status is attempted. This indicates a programming error in the caller,
// not a recoverable runtime condition.
var ErrTerminalTransition = errors.New("task: transition out of terminal status")

// ValidationError describes a malformed submission. It is returned before
// any scheduler state is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

// Validate checks a submission payload against the admission rules.
func Validate(query string, domain Domain) error {
	if query == "" {
		return &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(query) > MaxQueryLen {
		return &ValidationError{Field: "query", Reason: fmt.Sprintf("exceeds %d characters", MaxQueryLen)}
	}
	if !domain.Valid() {
		return &ValidationError{Field: "domain", Reason: fmt.Sprintf("unrecognized tag %q", domain)}
	}
	return nil
}

// Result is the opaque terminal payload of a task: output on success,
// a failure reason otherwise.
type Result struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Task is the unit of work submitted to the coordinator. Identity is
// immutable; status, assignment, and result advance only through methods
// so the state machine cannot be bypassed. Safe for concurrent use by the
// scheduler and the single worker that owns the task.
type Task struct {
	id        uuid.UUID
	query     string
	domain    Domain
	context   map[string]any
	createdAt time.Time

	mu             sync.Mutex
	status         Status
	assignedWorker *uuid.UUID
	result         *Result
	completedAt    *time.Time
}

// New validates the submission and constructs a pending task.
func New(query string, domain Domain, context map[string]any) (*Task, error) {
	if err := Validate(query, domain); err != nil {
		return nil, err
	}
	ctx := make(map[string]any, len(context))
	for k, v := range context {
		ctx[k] = v
	}
	return &Task{
		id:        uuid.New(),
		query:     query,
		domain:    domain,
		context:   ctx,
		createdAt: time.Now().UTC(),
		status:    StatusPending,
	}, nil
}

func (t *Task) ID() uuid.UUID { return t.id }
func (t *Task) Query() string { return t.query }
func (t *Task) Domain() Domain { return t.domain }
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// Context returns a copy of the opaque submission context.
func (t *Task) Context() map[string]any {
	out := make(map[string]any, len(t.context))
	for k, v := range t.context {
		out[k] = v
	}
	return out
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// AssignedWorker returns the owning worker id, if the task has been dispatched.
func (t *Task) AssignedWorker() (uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.assignedWorker == nil {
		return uuid.Nil, false
	}
	return *t.assignedWorker, true
}

func (t *Task) transitionLocked(to Status) error {
	if t.status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalTransition, t.status, to)
	}
	if !t.status.CanTransitionTo(to) {
		return fmt.Errorf("task: invalid transition %s -> %s", t.status, to)
	}
	t.status = to
	return nil
}

// MarkQueued admits the task into the pending queue.
func (t *Task) MarkQueued() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(StatusQueued)
}

// Assign records the accepting worker and moves the task to assigned.
// The worker reference is set exactly once per task lifetime.
func (t *Task) Assign(workerID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.assignedWorker != nil {
		return fmt.Errorf("task %s already assigned to worker %s", t.id, *t.assignedWorker)
	}
	if err := t.transitionLocked(StatusAssigned); err != nil {
		return err
	}
	id := workerID
	t.assignedWorker = &id
	return nil
}

// StartProcessing marks the task as actively executing on its worker.
func (t *Task) StartProcessing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(StatusProcessing)
}

// Resolve moves the task to completed or failed and records the result.
func (t *Task) Resolve(result Result, failed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	to := StatusCompleted
	if failed {
		to = StatusFailed
	}
	if err := t.transitionLocked(to); err != nil {
		return err
	}
	r := result
	t.result = &r
	now := time.Now().UTC()
	t.completedAt = &now
	return nil
}

// Cancel moves a queued or in-flight task to cancelled. Cancelling an
// already-terminal task is an error the caller may ignore.
func (t *Task) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(StatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.completedAt = &now
	return nil
}

// Snapshot is a detached, serializable copy of a task's state.
type Snapshot struct {
	ID               uuid.UUID      `json:"id"`
	Query            string         `json:"query"`
	Domain           Domain         `json:"domain"`
	Context          map[string]any `json:"context,omitempty"`
	Status           Status         `json:"status"`
	AssignedWorkerID *uuid.UUID     `json:"assigned_worker_id,omitempty"`
	Result           *Result        `json:"result,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Snapshot returns a copy that shares no mutable state with the task.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		ID:        t.id,
		Query:     t.query,
		Domain:    t.domain,
		Status:    t.status,
		CreatedAt: t.createdAt,
	}
	if len(t.context) > 0 {
		snap.Context = make(map[string]any, len(t.context))
		for k, v := range t.context {
			snap.Context[k] = v
		}
	}
	if t.assignedWorker != nil {
		id := *t.assignedWorker
		snap.AssignedWorkerID = &id
	}
	if t.result != nil {
		r := *t.result
		snap.Result = &r
	}
	if t.completedAt != nil {
		ts := *t.completedAt
		snap.CompletedAt = &ts
	}
	return snap
}
