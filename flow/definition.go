package flow

import "time"

// FlowDefinition is the compiled, ordered set of steps produced by Builder.
// It is immutable once built; the registry rebuilds a fresh FlowDefinition
// for every run (or every rebind at load time) rather than sharing one
// across concurrent flows, since StepDefinition carries unexported live
// closures tied to the host's registration.
type FlowDefinition struct {
	Kind       string
	Steps      []StepDefinition
	Middleware []Middleware

	// MaxJumps bounds the total number of jumpTo traversals across the
	// whole flow, independent of any individual JumpSpec.MaxJumps, as a
	// last-resort guard against a predicate that never goes false.
	MaxJumps int

	stepIndex map[string]int
}

// StepByName returns the step definition named name, if any.
func (fd *FlowDefinition) StepByName(name string) (StepDefinition, bool) {
	idx, ok := fd.stepIndex[name]
	if !ok {
		return StepDefinition{}, false
	}
	return fd.Steps[idx], true
}

// Builder assembles a FlowDefinition step by step. Construct one with
// NewBuilder, add steps with Step, and finish with Build.
type Builder struct {
	kind       string
	steps      []StepDefinition
	middleware []Middleware
	maxJumps   int
	err        error
}

// NewBuilder starts a FlowDefinition builder for the given flow kind.
func NewBuilder(kind string) *Builder {
	return &Builder{kind: kind, maxJumps: 1000}
}

// Use registers flow-level middleware, applied outermost to every step's
// body in this flow.
func (b *Builder) Use(mw ...Middleware) *Builder {
	b.middleware = append(b.middleware, mw...)
	return b
}

// WithMaxJumps overrides the whole-flow jump guard (default 1000).
func (b *Builder) WithMaxJumps(n int) *Builder {
	b.maxJumps = n
	return b
}

// Step begins defining a new step named name, returning a StepBuilder for
// its configuration. Step names must be unique within a flow.
func (b *Builder) Step(name string) *StepBuilder {
	return &StepBuilder{
		parent: b,
		def:    StepDefinition{Name: name, Critical: true},
	}
}

// Build validates and compiles the builder into a FlowDefinition.
func (b *Builder) Build() (*FlowDefinition, error) {
	if b.err != nil {
		return nil, b.err
	}
	index := make(map[string]int, len(b.steps))
	for i, s := range b.steps {
		if _, dup := index[s.Name]; dup {
			return nil, &StepError{StepName: s.Name, Kind: "DuplicateStep", Err: ErrUnknownStep}
		}
		index[s.Name] = i
		if err := s.Retry.Validate(); err != nil {
			return nil, &StepError{StepName: s.Name, Kind: "InvalidRetryPolicy", Err: err}
		}
		if s.Body == nil {
			return nil, &StepError{StepName: s.Name, Kind: "MissingBody", Err: ErrUnknownStep}
		}
	}
	for _, s := range b.steps {
		for _, dep := range s.After {
			if _, ok := index[dep]; !ok {
				return nil, &StepError{StepName: s.Name, Kind: "UnknownDependency", Err: ErrUnknownStep}
			}
		}
		if s.Jump.Target != "" {
			if _, ok := index[s.Jump.Target]; !ok {
				return nil, &StepError{StepName: s.Name, Kind: "UnknownJumpTarget", Err: ErrBranchTargetNotFound}
			}
		}
	}

	ordered, err := topologicalOrder(b.steps)
	if err != nil {
		return nil, err
	}
	orderedIndex := make(map[string]int, len(ordered))
	for i, s := range ordered {
		orderedIndex[s.Name] = i
	}

	return &FlowDefinition{
		Kind:       b.kind,
		Steps:      ordered,
		Middleware: b.middleware,
		MaxJumps:   b.maxJumps,
		stepIndex:  orderedIndex,
	}, nil
}

// topologicalOrder reorders steps so every step appears after everything it
// declares in After, regardless of the order they were chained onto the
// builder. Ties (no dependency relationship) preserve declaration order.
func topologicalOrder(steps []StepDefinition) ([]StepDefinition, error) {
	ordered := make([]StepDefinition, 0, len(steps))
	placed := make(map[string]bool, len(steps))
	remaining := append([]StepDefinition(nil), steps...)

	for len(remaining) > 0 {
		next := remaining[:0]
		progressed := false
		for _, s := range remaining {
			ready := true
			for _, dep := range s.After {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, s)
				placed[s.Name] = true
				progressed = true
			} else {
				next = append(next, s)
			}
		}
		remaining = next
		if !progressed {
			return nil, &StepError{StepName: remaining[0].Name, Kind: "DependencyCycle", Err: ErrUnknownStep}
		}
	}
	return ordered, nil
}

// StepBuilder configures one step before it is appended to its parent
// Builder via Done.
type StepBuilder struct {
	parent *Builder
	def    StepDefinition
}

// After declares dependencies this step waits on.
func (sb *StepBuilder) After(steps ...string) *StepBuilder {
	sb.def.After = append(sb.def.After, steps...)
	return sb
}

// RequiresData declares data keys that must be present for this step to
// become eligible.
func (sb *StepBuilder) RequiresData(keys ...string) *StepBuilder {
	sb.def.RequiresData = append(sb.def.RequiresData, keys...)
	return sb
}

// OnlyIf gates this step on a predicate evaluated once it is otherwise
// eligible; a false result skips the step.
func (sb *StepBuilder) OnlyIf(pred Predicate) *StepBuilder {
	sb.def.OnlyIf = pred
	return sb
}

// Execute sets this step's body.
func (sb *StepBuilder) Execute(body StepBody) *StepBuilder {
	sb.def.Body = body
	return sb
}

// WithRetries configures the retry policy for this step's body.
func (sb *StepBuilder) WithRetries(policy RetryPolicy) *StepBuilder {
	sb.def.Retry = policy
	return sb
}

// WithTimeout bounds one attempt of this step's body.
func (sb *StepBuilder) WithTimeout(d time.Duration) *StepBuilder {
	sb.def.Timeout = d
	return sb
}

// Critical marks this step's failure as fatal to the flow (the default).
func (sb *StepBuilder) Critical() *StepBuilder {
	sb.def.Critical = true
	sb.def.AllowFailure = false
	return sb
}

// AllowFailure marks this step's failure as tolerated; the flow proceeds
// past it regardless of outcome.
func (sb *StepBuilder) AllowFailure() *StepBuilder {
	sb.def.AllowFailure = true
	sb.def.Critical = false
	return sb
}

// WithIdempotency derives a per-attempt idempotency key from flow data,
// enabling at-most-once execution across retries and restarts.
func (sb *StepBuilder) WithIdempotency(fn IdempotencyKeyFunc) *StepBuilder {
	sb.def.IdempotencyKey = fn
	return sb
}

// CanPause installs a pause gate evaluated once, the first time this step
// is reached.
func (sb *StepBuilder) CanPause(fn PauseFunc) *StepBuilder {
	sb.def.PauseCheck = fn
	return sb
}

// ResumeOn configures how a pause raised by this step's CanPause is woken.
func (sb *StepBuilder) ResumeOn(cfg ResumeConfig) *StepBuilder {
	sb.def.Resume = cfg
	return sb
}

// WithStaticBranches configures a conditional switch: branches are
// evaluated in declaration order and the first one whose Condition is
// true runs its Steps in sequence; a branch with IsDefault runs if none
// matched.
func (sb *StepBuilder) WithStaticBranches(branches ...StaticBranch) *StepBuilder {
	sb.def.Branch = BranchSpec{Kind: BranchStatic, StaticBranches: branches}
	return sb
}

// WithDynamicBranches configures a data-driven fan-out: selector produces
// the source items once when the step is reached, factory builds one
// sub-step per item, and strategy controls whether they run in index
// order (Sequential) or concurrently bounded by maxConcurrent (Parallel).
func (sb *StepBuilder) WithDynamicBranches(selector DynamicBranchSelector, factory DynamicBranchFactory, strategy BranchStrategy, maxConcurrent int, failFast bool) *StepBuilder {
	sb.def.Branch = BranchSpec{
		Kind:            BranchDynamic,
		DynamicSelector: selector,
		DynamicFactory:  factory,
		Strategy:        strategy,
		MaxConcurrent:   maxConcurrent,
		FailFast:        failFast,
	}
	return sb
}

// JumpTo configures a conditional jump evaluated after this step succeeds.
func (sb *StepBuilder) JumpTo(target string, condition Predicate, maxJumps int) *StepBuilder {
	sb.def.Jump = JumpSpec{Target: target, Condition: condition, MaxJumps: maxJumps}
	return sb
}

// Triggers configures child flows started when this step succeeds, before
// any jumpTo is evaluated.
func (sb *StepBuilder) Triggers(specs ...TriggerSpec) *StepBuilder {
	sb.def.Triggers = append(sb.def.Triggers, specs...)
	return sb
}

// Use registers step-level middleware, applied between flow-level
// middleware and this step's body.
func (sb *StepBuilder) Use(mw ...Middleware) *StepBuilder {
	sb.def.Middleware = append(sb.def.Middleware, mw...)
	return sb
}

// Done appends the configured step to the parent Builder and returns it,
// for chaining the next Step call.
func (sb *StepBuilder) Done() *Builder {
	if sb.def.Critical && sb.def.AllowFailure {
		sb.parent.err = &StepError{StepName: sb.def.Name, Kind: "ConflictingFailurePolicy", Err: ErrInvalidRetryPolicy}
	}
	sb.parent.steps = append(sb.parent.steps, sb.def)
	return sb.parent
}
