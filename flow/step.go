package flow

import "time"

// StepBody is the business logic of a step: given the execution context,
// produce a Result. Bodies are registered by the host through the flow-kind
// registry, never serialized.
type StepBody func(ec *ExecutionContext) Result

// Predicate decides something about the flow's current data without
// mutating it: an onlyIf gate, a static branch condition, a jumpTo
// condition, or a polled resume condition.
type Predicate func(ec *ExecutionContext) bool

// IdempotencyKeyFunc derives the idempotency key for one attempt of a step
// from the flow's current data. Two attempts producing the same key are
// treated as the same logical operation: the second reuses the first's
// persisted StepResult instead of re-running the body.
type IdempotencyKeyFunc func(ec *ExecutionContext) string

// PauseOutcome is what a canPause predicate's richer cousin, PauseFunc,
// returns: either Continue (run the body now) or a Pause carrying the
// reason surfaced to callers of Engine.GetStatus.
type PauseOutcome struct {
	ShouldPause bool
	Reason      string
	Message     string
	Data        map[string]any
}

// ContinueExecution is the zero-value PauseOutcome, returned by a canPause
// predicate that decides not to pause.
func ContinueExecution() PauseOutcome { return PauseOutcome{} }

// PauseWith builds a PauseOutcome that stops the step before its body runs.
func PauseWith(reason, message string, data map[string]any) PauseOutcome {
	return PauseOutcome{ShouldPause: true, Reason: reason, Message: message, Data: data}
}

// PauseFunc evaluates whether a step should pause before its body executes.
// It is evaluated exactly once, the first time the step is reached; a flow
// resumed past that point re-enters the step without re-evaluating it
// (spec Open Question: canPause is a gate on first arrival, not a poll).
type PauseFunc func(ec *ExecutionContext) PauseOutcome

// ResumeTrigger is how a paused flow is reactivated.
type ResumeTrigger int

const (
	// ResumeOnEvent wakes the flow when PublishEvent delivers an event whose
	// type matches EventType; the event is not addressed to a flow id, so
	// every paused flow whose current step waits on that type is resumed.
	ResumeOnEvent ResumeTrigger = iota
	// ResumeOnManual wakes the flow via Engine.Resume, optionally gated by
	// RequiredRole, or via Admin.ForceResume.
	ResumeOnManual
	// ResumeOnPredicate polls Predicate on a CheckInterval cadence, up to
	// MaxRetries times, failing the flow with ErrPausePredicateMaxRetries
	// on exhaustion.
	ResumeOnPredicate
)

// ResumeConfig describes how a step paused via canPause/PauseFunc can be
// woken back up.
type ResumeConfig struct {
	Trigger       ResumeTrigger
	EventType     string
	RequiredRole  string
	Predicate     Predicate
	CheckInterval time.Duration
	MaxRetries    int
}

// BranchKind discriminates a static switch (conditional arms, the first of
// which whose Condition holds runs its fixed list of sub-steps) from a
// dynamic fan-out (a factory that produces a sub-step per item of a data-dependent
// collection).
type BranchKind int

const (
	BranchNone BranchKind = iota
	BranchStatic
	BranchDynamic
)

// BranchStrategy controls how a dynamic branch's instantiated sub-steps
// are run relative to one another.
type BranchStrategy int

const (
	Sequential BranchStrategy = iota
	Parallel
)

// SubStepDefinition is the unit run inside a branch: a name, body, retry
// policy and timeout like a Step, plus Priority, SourceDatum, Index and
// ResourceGroup labels for dynamic fan-out instances. The Executor does not
// read those four labels; sub-steps are started in the order the branch
// lists them.
type SubStepDefinition struct {
	Name         string
	Body         StepBody
	Retry        RetryPolicy
	Timeout      time.Duration
	Priority     int
	SourceDatum  any
	Index        int
	ResourceGroup string
}

// StaticBranch is one arm of a static branch switch: Condition is
// evaluated in declaration order and the first arm whose Condition is true
// has its Steps run in sequence. IsDefault marks the arm that runs when no
// Condition matched; at most one arm should set it.
type StaticBranch struct {
	Condition Predicate
	IsDefault bool
	Steps     []SubStepDefinition
}

// DynamicBranchSelector reads the flow's current data and returns the
// source items to fan out over. It runs once when the owning step is
// reached; the resulting items (and the sub-step names the factory
// derives from them) are persisted so a resumed flow replays the same
// fan-out rather than re-expanding against data that may have changed.
type DynamicBranchSelector func(ec *ExecutionContext) []any

// DynamicBranchFactory builds the sub-step to run for one selected item.
type DynamicBranchFactory func(ec *ExecutionContext, item any, index int) SubStepDefinition

// BranchSpec configures a step's branch, static (conditional switch) or
// dynamic (data-driven fan-out). MaxConcurrent bounds how many Parallel
// sub-steps run at once; zero means the engine-wide default (8 unless
// overridden, see Options.MaxConcurrentSubSteps).
type BranchSpec struct {
	Kind BranchKind

	StaticBranches []StaticBranch

	DynamicSelector DynamicBranchSelector
	DynamicFactory  DynamicBranchFactory
	Strategy        BranchStrategy
	MaxConcurrent   int

	// FailFast stops launching new Parallel sub-steps once one fails; when
	// false, every sub-step runs to completion and the branch fails
	// afterward if any sub-step failed.
	FailFast bool
}

// JumpSpec configures a conditional jump evaluated after a step completes
// successfully, letting a flow loop back to an earlier step.
type JumpSpec struct {
	Target    string
	Condition Predicate
	MaxJumps  int
}

// TriggerSpec starts a child flow of kind Kind when the owning step
// completes successfully, before any jumpTo is evaluated (spec Open
// Question: triggers fire before jumpTo).
type TriggerSpec struct {
	Kind     string
	BuildData func(ec *ExecutionContext) map[string]any
}

// StepDefinition is one node of a FlowDefinition: a uniquely-named unit of
// work with its ordering, gating, retry, timeout, pause/resume, branching,
// jump, and trigger configuration.
type StepDefinition struct {
	Name string

	// After lists step names that must be Completed (or Skipped) before
	// this step becomes eligible to run.
	After []string

	// RequiresData lists data keys that must be present before this step
	// is eligible to run; missing keys make the step (and therefore the
	// flow, unless AllowFailure) fail with ErrMissingData.
	RequiresData []string

	// OnlyIf, if set, is evaluated once the step is otherwise eligible;
	// false marks the step Skipped without running its body.
	OnlyIf Predicate

	Body StepBody

	Retry RetryPolicy

	// Timeout bounds one attempt of Body; zero means no timeout beyond the
	// flow-level one, if any.
	Timeout time.Duration

	// Critical marks that this step's failure (after retries) fails the
	// whole flow. Mutually exclusive with AllowFailure; Critical is the
	// default when neither is set.
	Critical bool

	// AllowFailure marks that this step's failure (after retries) is
	// tolerated: the step is recorded Failed but the flow proceeds to
	// whatever step would follow regardless.
	AllowFailure bool

	IdempotencyKey IdempotencyKeyFunc

	PauseCheck PauseFunc
	Resume     ResumeConfig

	Branch BranchSpec

	Jump JumpSpec

	Triggers []TriggerSpec

	// Middleware wraps this step's Body only, the innermost middleware layer
	// (recover ∘ flow-level ∘ step-level ∘ body).
	Middleware []Middleware
}
