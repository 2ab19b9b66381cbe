// Package store implements the engine's durable State Store: the document
// store backing that lets a crashed process rediscover and resume every
// in-flight Flow.
//
// The Store is deliberately the only place in the engine that talks to
// persistent storage. Everything above it (the executor, the pause
// controller, the recovery service) only ever sees FlowRecord values and
// the optimistic-version contract described on Store.Save.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowforge/engine/flow/value"
)

// ErrNotFound is returned by LoadByID when no flow exists for the given id.
var ErrNotFound = errors.New("store: not found")

// ErrConcurrencyConflict is returned by Save when the caller's expected
// version does not match the version currently on record, meaning another
// writer already moved the flow forward. The caller must abandon this run;
// Recovery will re-adopt the flow if it is still incomplete.
var ErrConcurrencyConflict = errors.New("store: concurrency conflict")

// FlowStatus is the lifecycle state of a Flow. Completed, Failed and
// Cancelled are terminal, and a flow ends in exactly one of them; Paused
// always carries a Pause record.
type FlowStatus string

const (
	StatusReady     FlowStatus = "ready"
	StatusRunning   FlowStatus = "running"
	StatusPaused    FlowStatus = "paused"
	StatusCompleted FlowStatus = "completed"
	StatusFailed    FlowStatus = "failed"
	StatusCancelled FlowStatus = "cancelled"
)

// Terminal reports whether status is one of the three terminal states.
func (s FlowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the lifecycle state of a single Step within a Flow. Paused
// is a Flow-level status, never a Step-level one: a paused step remains
// Pending until the flow resumes and the step's body actually runs.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is the persisted outcome of the most recent execution of a
// step (or sub-step).
type StepResult struct {
	Success bool                       `json:"success"`
	Message string                     `json:"message"`
	Data    map[string]value.SafeValue `json:"data,omitempty"`
}

// EncodedError is how a Go error is captured for durable storage: a
// human-readable message plus an optional machine-readable kind tag (e.g.
// "MissingData", "Timeout", "ConcurrencyConflict") used by callers that
// branch on error kind after reload.
type EncodedError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StepState is the persisted state of one step (or sub-step) inside a
// FlowRecord. It intentionally carries no function fields: the step's
// body, predicates, and factories are rebound from the flow-kind registry
// at load time and matched back onto this record by Name.
type StepState struct {
	Name           string        `json:"name"`
	Status         StepStatus    `json:"status"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	Attempts       int           `json:"attempts"`
	LastResult     *StepResult   `json:"lastResult,omitempty"`
	LastError      *EncodedError `json:"lastError,omitempty"`
	CurrentJumps   int           `json:"currentJumps"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	SubSteps       []StepState   `json:"subSteps,omitempty"`

	// BranchTaken is the index of the static branch arm that matched, or
	// -1 if the step has no static branch or none has run yet.
	BranchTaken int `json:"branchTaken,omitempty"`

	// BranchItems persists a dynamic branch's selector output so a
	// resumed flow replays the same fan-out instead of re-selecting
	// against data that may have changed since.
	BranchItems []value.SafeValue `json:"branchItems,omitempty"`

	// PauseEvaluated records that this step's canPause predicate has
	// already run once; subsequent re-entries (retries, resume) skip it.
	PauseEvaluated bool `json:"pauseEvaluated,omitempty"`
}

// PauseRecord captures why and how a flow is currently paused.
type PauseRecord struct {
	Reason  string                     `json:"reason"`
	Message string                     `json:"message"`
	Data    map[string]value.SafeValue `json:"data,omitempty"`
}

// Event is an append-only entry in a Flow's event log. Every meaningful
// transition (started, step-started, step-completed, paused, resumed,
// cancelled, failed, completed) appends exactly one Event.
type Event struct {
	ID          string                     `json:"id"`
	FlowID      string                     `json:"flowId"`
	Type        string                     `json:"type"`
	Description string                     `json:"description"`
	Timestamp   time.Time                  `json:"timestamp"`
	Data        map[string]value.SafeValue `json:"data,omitempty"`
}

// FlowRecord is the logical persisted layout of a flow run: the
// entire state of one Flow, self-contained enough that a fresh process can
// reconstruct and resume execution from it alone (once step bodies are
// rebound from the registry).
type FlowRecord struct {
	FlowID           string                     `json:"flowId"`
	FlowKind         string                     `json:"flowKind"`
	PrincipalID      string                     `json:"principalId"`
	CorrelationID    string                     `json:"correlationId"`
	CreatedAt        time.Time                  `json:"createdAt"`
	StartedAt        *time.Time                 `json:"startedAt,omitempty"`
	CompletedAt      *time.Time                 `json:"completedAt,omitempty"`
	Status           FlowStatus                 `json:"status"`
	CurrentStepName  string                     `json:"currentStepName"`
	CurrentStepIndex int                        `json:"currentStepIndex"`
	Version          int64                      `json:"version"`
	Data             map[string]value.SafeValue `json:"data"`
	Steps            []StepState                `json:"steps"`
	Events           []Event                    `json:"events"`
	LastError        *EncodedError              `json:"lastError,omitempty"`
	PausedAt         *time.Time                 `json:"pausedAt,omitempty"`
	Pause            *PauseRecord               `json:"pause,omitempty"`
	LastUpdatedAt    time.Time                  `json:"lastUpdatedAt"`
}

// Clone returns a deep-enough copy of the record for safe in-memory
// mutation by a single executor goroutine before the next Save.
func (f *FlowRecord) Clone() *FlowRecord {
	if f == nil {
		return nil
	}
	clone := *f
	clone.Data = make(map[string]value.SafeValue, len(f.Data))
	for k, v := range f.Data {
		clone.Data[k] = v
	}
	clone.Steps = append([]StepState(nil), f.Steps...)
	clone.Events = append([]Event(nil), f.Events...)
	return &clone
}

// ResumeCondition is the trigger spec used to reactivate a paused flow,
// stored separately from FlowRecord and indexed on NextCheck so the
// Pause/Resume Controller can cheaply poll for predicate-based resumes.
type ResumeCondition struct {
	FlowID         string        `json:"flowId"`
	NextCheck      time.Time     `json:"nextCheck"`
	CheckInterval  time.Duration `json:"checkInterval"`
	CurrentRetries int           `json:"currentRetries"`
	MaxRetries     int           `json:"maxRetries"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Criteria filters the Query operation. All non-zero fields are combined
// with AND semantics.
type Criteria struct {
	Status        FlowStatus
	PrincipalID   string
	CorrelationID string
	FlowKind      string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	PauseReason   string
}

// Summary is the paged, list-friendly projection of a FlowRecord returned
// by Query.
type Summary struct {
	FlowID          string     `json:"flowId"`
	FlowKind        string     `json:"flowKind"`
	PrincipalID     string     `json:"principalId"`
	CorrelationID   string     `json:"correlationId"`
	Status          FlowStatus `json:"status"`
	CurrentStepName string     `json:"currentStepName"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	FailureReason   string     `json:"failureReason,omitempty"`
}

// PagedResult is the paginated envelope returned by Query.
type PagedResult struct {
	Items      []Summary `json:"items"`
	Page       int       `json:"page"`
	Size       int       `json:"size"`
	TotalItems int       `json:"totalItems"`
}

// Store is the abstraction every persistence backing must satisfy. Two
// reference backings are provided: MemoryStore for tests and single-process
// use, and SQLiteStore/MySQLStore as document-store implementations proper.
//
// Implementations must uphold: (i) version is strictly monotonic per flow
// id, (ii) only one snapshot exists per flow id, (iii) terminal snapshots
// are immutable except via an administrative purge (DeleteTerminalOlderThan)
// or the Recovery path.
type Store interface {
	// Save atomically upserts rec, conditionally on rec's current on-disk
	// version equalling expectedVersion (0 for a brand-new flow). On
	// success the stored version becomes expectedVersion+1 and Save updates
	// rec.Version in place. Returns ErrConcurrencyConflict on a version
	// mismatch.
	Save(ctx context.Context, rec *FlowRecord, expectedVersion int64) error

	// LoadByID returns the full snapshot for id, or ErrNotFound.
	LoadByID(ctx context.Context, id string) (*FlowRecord, error)

	// LoadByStatuses returns every flow currently in any of statuses, used
	// by Recovery and the Pause/Resume Controller to find work.
	LoadByStatuses(ctx context.Context, statuses ...FlowStatus) ([]*FlowRecord, error)

	// Query filters by criteria and returns a page of Summary projections,
	// ordered most-recently-created first.
	Query(ctx context.Context, criteria Criteria, page, size int) (PagedResult, error)

	// DeleteTerminalOlderThan purges Completed/Failed/Cancelled flows whose
	// CompletedAt is older than now-olderThan, returning the deleted count.
	DeleteTerminalOlderThan(ctx context.Context, olderThan time.Duration) (int, error)

	// SaveResumeCondition upserts cond by FlowID.
	SaveResumeCondition(ctx context.Context, cond ResumeCondition) error

	// DeleteResumeCondition removes the resume condition for flowID, if any.
	DeleteResumeCondition(ctx context.Context, flowID string) error

	// DueResumeConditions returns resume conditions whose NextCheck has
	// passed as of asOf, for the Pause/Resume Controller's poll loop.
	DueResumeConditions(ctx context.Context, asOf time.Time) ([]ResumeCondition, error)

	// SaveIdempotentResult records the result produced for idempotency key
	// key, scoped to flowID+stepName, so later attempts with the same key
	// can be satisfied without re-running the step body.
	SaveIdempotentResult(ctx context.Context, flowID, stepName, key string, result StepResult) error

	// LoadIdempotentResult returns the previously recorded result for key,
	// or ErrNotFound if no attempt has committed one yet.
	LoadIdempotentResult(ctx context.Context, flowID, stepName, key string) (StepResult, error)

	// Close releases any underlying resources (connections, file handles).
	Close() error
}
