package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/engine/flow/store"
	"github.com/flowforge/engine/flow/value"
)

// DefaultMaxConcurrentSubSteps bounds Parallel dynamic-branch fan-out when
// a BranchSpec does not set its own MaxConcurrent.
const DefaultMaxConcurrentSubSteps = 8

// TriggerFunc submits a new root-level flow of kind, owned by principalID
// and correlationID, with the given initial data, returning its flow id.
// The Executor calls it for every triggers(...) on a successfully
// completed step, fire-and-forget: a trigger error is logged but does not
// fail the parent flow.
type TriggerFunc func(ctx context.Context, kind, principalID, correlationID string, data map[string]any) (string, error)

// Executor drives a single flow's steps to completion, pause, or failure.
// It owns no state between calls: every Run receives the flow kind's
// freshly rebuilt FlowDefinition and the flow's current snapshot, and
// persists through Store as it goes. Concurrent Runs for different flows
// are safe; the caller must guarantee at most one live Run per flow id
// (single-writer-per-flow).
type Executor struct {
	Store    store.Store
	Emitter  Emitter
	Metrics  *Metrics
	Services ServiceLookup
	Trigger  TriggerFunc

	// MaxConcurrentSubSteps is the engine-wide default fan-out cap used
	// when a BranchSpec leaves MaxConcurrent at zero.
	MaxConcurrentSubSteps int
}

func (ex *Executor) emit(e Event) {
	if ex.Emitter != nil {
		ex.Emitter.Emit(e)
	}
}

func (ex *Executor) maxConcurrent(spec BranchSpec) int {
	if spec.MaxConcurrent > 0 {
		return spec.MaxConcurrent
	}
	if ex.MaxConcurrentSubSteps > 0 {
		return ex.MaxConcurrentSubSteps
	}
	return DefaultMaxConcurrentSubSteps
}

// Run advances rec according to def, starting at rec's current step, until
// the flow pauses, terminates, or a concurrency conflict forces it to
// abandon the run. It returns the final in-memory state of the record
// (already durably saved) and the outcome.
func (ex *Executor) Run(ctx context.Context, def *FlowDefinition, rec *store.FlowRecord) (*store.FlowRecord, error) {
	work := rec.Clone()

	if work.Status == store.StatusReady {
		work.Status = store.StatusRunning
		now := time.Now()
		work.StartedAt = &now
		ex.appendEvent(work, "FlowStarted", fmt.Sprintf("flow %s started", work.FlowID), nil)
		if err := ex.save(ctx, work); err != nil {
			return work, err
		}
		ex.Metrics.flowStarted(work.FlowKind)
	}

	cursor := def.stepIndex[work.CurrentStepName]
	if work.CurrentStepName == "" {
		cursor = 0
	}

	totalJumps := 0
	baseEC := newExecutionContext(ctx, work, ex.Services)

	for cursor < len(def.Steps) {
		step := def.Steps[cursor]
		work.CurrentStepName = step.Name
		work.CurrentStepIndex = cursor

		state := ensureStepState(work, step.Name)
		ec := baseEC.withStep(step.Name)

		// 1. Dependency gate.
		blocked, depFailed := ex.dependenciesReady(work, def, step)
		if depFailed {
			return ex.fail(ctx, work, step.Name, &StepError{StepName: step.Name, Kind: "DependencyFailed", Err: ErrUnknownStep})
		}
		if blocked {
			return ex.fail(ctx, work, step.Name, &StepError{StepName: step.Name, Kind: "UnmetDependency", Err: ErrUnknownStep})
		}

		// 2. Condition.
		if step.OnlyIf != nil && !step.OnlyIf(ec) {
			state.Status = store.StepSkipped
			ex.appendEvent(work, "StepSkipped", fmt.Sprintf("step %s skipped", step.Name), nil)
			if err := ex.save(ctx, work); err != nil {
				return work, err
			}
			cursor++
			continue
		}

		// 5. Pause evaluation (before body, once per step).
		if step.PauseCheck != nil && !state.PauseEvaluated {
			outcome := step.PauseCheck(ec)
			state.PauseEvaluated = true
			if outcome.ShouldPause {
				if err := ex.pauseFlow(ctx, work, step, outcome); err != nil {
					return work, err
				}
				return work, nil
			}
		}

		// 3+4+6+7+8. Data deps, idempotency, body, retries, terminal failure.
		result, stepErr := ex.runStepBody(ctx, ec, def, &step, state)
		if stepErr != nil && isConcurrencyConflict(stepErr) {
			return work, stepErr
		}

		if stepErr != nil {
			if step.AllowFailure {
				state.Status = store.StepFailed
				state.LastError = encodeError(stepErr)
				ex.appendEvent(work, "StepFailed", fmt.Sprintf("step %s failed (allowed)", step.Name), nil)
				if err := ex.save(ctx, work); err != nil {
					return work, err
				}
				cursor++
				continue
			}
			return ex.fail(ctx, work, step.Name, stepErr)
		}

		state.Status = store.StepCompleted
		now := time.Now()
		state.CompletedAt = &now
		state.LastResult = &result
		ex.applyResultData(ec, result)
		ex.appendEvent(work, "StepCompleted", fmt.Sprintf("step %s completed", step.Name), nil)
		if err := ex.save(ctx, work); err != nil {
			return work, err
		}

		// 9. Branches.
		if step.Branch.Kind != BranchNone {
			if err := ex.runBranch(ctx, ec, def, &step, state); err != nil {
				if step.AllowFailure {
					state.Status = store.StepFailed
					state.LastError = encodeError(err)
				} else {
					return ex.fail(ctx, work, step.Name, err)
				}
			}
			if err := ex.save(ctx, work); err != nil {
				return work, err
			}
		}

		// 10. Triggered child flows.
		for _, trig := range step.Triggers {
			ex.fireTrigger(ctx, ec, work, trig)
		}

		// 11. Jump.
		jumped := false
		if step.Jump.Target != "" {
			shouldJump := step.Jump.Condition == nil || step.Jump.Condition(ec)
			if shouldJump && state.CurrentJumps < step.Jump.MaxJumps {
				state.CurrentJumps++
				totalJumps++
				if totalJumps > def.MaxJumps {
					return ex.fail(ctx, work, step.Name, ErrMaxJumpsExceeded)
				}
				ex.Metrics.observeJump(work.FlowKind, step.Name, step.Jump.Target)
				cursor = def.stepIndex[step.Jump.Target]
				jumped = true
			}
		}
		if !jumped {
			cursor++
		}
	}

	work.Status = store.StatusCompleted
	now := time.Now()
	work.CompletedAt = &now
	ex.appendEvent(work, "FlowCompleted", fmt.Sprintf("flow %s completed", work.FlowID), nil)
	if err := ex.save(ctx, work); err != nil {
		return work, err
	}
	ex.Metrics.flowEnded(work.FlowKind, "completed", "")
	return work, nil
}

func (ex *Executor) fail(ctx context.Context, work *store.FlowRecord, stepName string, cause error) (*store.FlowRecord, error) {
	work.Status = store.StatusFailed
	now := time.Now()
	work.CompletedAt = &now
	work.LastError = encodeError(cause)
	ex.appendEvent(work, "FlowFailed", fmt.Sprintf("flow %s failed at step %s: %v", work.FlowID, stepName, cause), nil)
	if err := ex.save(ctx, work); err != nil {
		return work, err
	}
	ex.Metrics.flowEnded(work.FlowKind, "failed", work.LastError.Kind)
	return work, cause
}

func (ex *Executor) dependenciesReady(rec *store.FlowRecord, def *FlowDefinition, step StepDefinition) (blocked, failed bool) {
	for _, dep := range step.After {
		depState := findStepState(rec, dep)
		if depState == nil {
			return true, false
		}
		switch depState.Status {
		case store.StepCompleted, store.StepSkipped:
			continue
		case store.StepFailed:
			if depDef, ok := def.StepByName(dep); ok && depDef.AllowFailure {
				continue
			}
			return false, true
		default:
			return true, false
		}
	}
	return false, false
}

// runStepBody handles steps 3 (data deps), 4 (idempotency probe), 6 (body
// execution with middleware/timeout/cancellation), and 7 (retry loop). It
// returns the step's final StepResult or the error to apply the
// Critical/AllowFailure policy to (step 8).
func (ex *Executor) runStepBody(ctx context.Context, ec *ExecutionContext, def *FlowDefinition, step *StepDefinition, state *store.StepState) (store.StepResult, error) {
	for _, key := range step.RequiresData {
		if !ec.HasData(key) {
			return store.StepResult{}, fmt.Errorf("%w: %q", ErrMissingData, key)
		}
	}

	body := chain(step.Body, append(append([]Middleware{}, def.Middleware...), step.Middleware...)...)
	body = chain(body, recoverMiddleware)

	var lastErr error
	for {
		if step.IdempotencyKey != nil {
			key := step.IdempotencyKey(ec)
			if key != "" {
				if key != state.IdempotencyKey {
					state.IdempotencyKey = key
				}
				if cached, err := ex.Store.LoadIdempotentResult(ctx, ec.FlowID(), step.Name, key); err == nil {
					return cached, nil
				}
			}
		}

		state.Status = store.StepRunning
		if state.StartedAt == nil {
			now := time.Now()
			state.StartedAt = &now
		}
		state.Attempts++
		ex.appendEvent(ec.record(), "StepStarted", fmt.Sprintf("step %s started (attempt %d)", step.Name, state.Attempts), nil)

		started := time.Now()
		res, err := ex.invoke(ctx, ec, body, step.Timeout)
		ex.Metrics.observeStep(ec.record().FlowKind, step.Name, outcomeLabel(err), float64(time.Since(started).Milliseconds()))

		if err == nil {
			if step.IdempotencyKey != nil && state.IdempotencyKey != "" {
				sr := toStoreResult(res)
				_ = ex.Store.SaveIdempotentResult(ctx, ec.FlowID(), step.Name, state.IdempotencyKey, sr)
			}
			return toStoreResult(res), nil
		}

		lastErr = err
		if state.Attempts-1 >= step.Retry.MaxRetries {
			return store.StepResult{}, lastErr
		}
		ex.Metrics.observeRetry(ec.record().FlowKind, step.Name)
		delay := step.Retry.delayFor(state.Attempts)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return store.StepResult{}, ErrCancelled
			}
		}
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// invoke runs body once, bounding it by timeout (if set) and the ambient
// context's cancellation, and converting a non-success Result into an
// error the retry loop can act on.
func (ex *Executor) invoke(ctx context.Context, ec *ExecutionContext, body StepBody, timeout time.Duration) (Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	bodyCtx := ec.withContext(runCtx)

	done := make(chan Result, 1)
	go func() {
		done <- body(bodyCtx)
	}()

	select {
	case res := <-done:
		if res.IsFailure() {
			err := res.Err
			if err == nil {
				err = fmt.Errorf("%s", res.Message)
			}
			return res, err
		}
		if res.Kind == ResultCancelled {
			return res, ErrCancelled
		}
		return res, nil
	case <-runCtx.Done():
		if ctx.Err() != nil && ctx.Err() == context.Canceled {
			return Result{}, ErrCancelled
		}
		return Result{}, ErrTimeout
	}
}

func (ex *Executor) applyResultData(ec *ExecutionContext, result store.StepResult) {
	for k, v := range result.Data {
		ec.setEncoded(k, v)
	}
}

func toStoreResult(res Result) store.StepResult {
	sr := store.StepResult{Success: res.IsSuccess(), Message: res.Message}
	if len(res.Data) > 0 {
		sr.Data = make(map[string]value.SafeValue, len(res.Data))
		for k, v := range res.Data {
			sr.Data[k] = value.Encode(v)
		}
	}
	return sr
}

func encodeError(err error) *store.EncodedError {
	if err == nil {
		return nil
	}
	kind := "UnrecoverableBodyError"
	var stepErr *StepError
	switch {
	case errors.As(err, &stepErr):
		kind = stepErr.Kind
	case err == ErrMissingData, isWrapped(err, ErrMissingData):
		kind = "MissingData"
	case err == ErrTypeMismatch, isWrapped(err, ErrTypeMismatch):
		kind = "TypeMismatch"
	case err == ErrTimeout:
		kind = "Timeout"
	case err == ErrCancelled:
		kind = "Cancelled"
	case err == store.ErrConcurrencyConflict:
		kind = "ConcurrencyConflict"
	case err == ErrPausePredicateMaxRetries:
		kind = "PausePredicateMaxRetries"
	case err == ErrMaxJumpsExceeded:
		kind = "MaxJumpsExceeded"
	}
	return &store.EncodedError{Kind: kind, Message: err.Error()}
}

func isWrapped(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func isConcurrencyConflict(err error) bool {
	return err == store.ErrConcurrencyConflict || isWrapped(err, store.ErrConcurrencyConflict)
}

// runBranch executes step's BranchSpec (step 9 of the main loop).
func (ex *Executor) runBranch(ctx context.Context, ec *ExecutionContext, def *FlowDefinition, step *StepDefinition, state *store.StepState) error {
	switch step.Branch.Kind {
	case BranchStatic:
		return ex.runStaticBranch(ctx, ec, step, state)
	case BranchDynamic:
		return ex.runDynamicBranch(ctx, ec, step, state)
	default:
		return nil
	}
}

func (ex *Executor) runStaticBranch(ctx context.Context, ec *ExecutionContext, step *StepDefinition, state *store.StepState) error {
	var chosen *StaticBranch
	var chosenIndex = -1
	var defaultBranch *StaticBranch
	var defaultIndex = -1

	for i := range step.Branch.StaticBranches {
		b := step.Branch.StaticBranches[i]
		if b.IsDefault {
			defaultBranch = &step.Branch.StaticBranches[i]
			defaultIndex = i
			continue
		}
		if b.Condition != nil && b.Condition(ec) {
			chosen = &step.Branch.StaticBranches[i]
			chosenIndex = i
			break
		}
	}
	if chosen == nil {
		chosen, chosenIndex = defaultBranch, defaultIndex
	}
	state.BranchTaken = chosenIndex
	if chosen == nil {
		return nil
	}

	for _, sub := range chosen.Steps {
		subState := ensureSubStepState(state, sub.Name)
		if err := ex.runSubStep(ctx, ec, sub, subState); err != nil {
			return err
		}
	}
	return nil
}

func (ex *Executor) runDynamicBranch(ctx context.Context, ec *ExecutionContext, step *StepDefinition, state *store.StepState) error {
	var items []any
	if len(state.BranchItems) > 0 {
		items = make([]any, len(state.BranchItems))
		for i, sv := range state.BranchItems {
			items[i], _ = value.DecodeAs[any](sv)
		}
	} else {
		items = step.Branch.DynamicSelector(ec)
		state.BranchItems = make([]value.SafeValue, len(items))
		for i, item := range items {
			state.BranchItems[i] = value.Encode(item)
		}
	}
	ex.Metrics.observeFanout(ec.record().FlowKind, step.Name, len(items))

	subs := make([]SubStepDefinition, len(items))
	for i, item := range items {
		subs[i] = step.Branch.DynamicFactory(ec, item, i)
	}

	if len(state.SubSteps) < len(subs) {
		for i := len(state.SubSteps); i < len(subs); i++ {
			state.SubSteps = append(state.SubSteps, store.StepState{Name: subs[i].Name, Status: store.StepPending})
		}
	}

	if step.Branch.Strategy == Sequential {
		for i, sub := range subs {
			if err := ex.runSubStep(ctx, ec, sub, &state.SubSteps[i]); err != nil && step.Branch.FailFast {
				return err
			}
		}
		return ex.branchOutcome(state.SubSteps)
	}

	return ex.runParallel(ctx, ec, subs, state, ex.maxConcurrent(step.Branch), step.Branch.FailFast)
}

func (ex *Executor) runParallel(ctx context.Context, ec *ExecutionContext, subs []SubStepDefinition, state *store.StepState, maxConcurrent int, failFast bool) error {
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, sub := range subs {
		mu.Lock()
		if failFast && firstErr != nil {
			mu.Unlock()
			break
		}
		mu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, sub SubStepDefinition) {
			defer wg.Done()
			defer func() { <-sem }()
			err := ex.runSubStep(runCtx, ec, sub, &state.SubSteps[i])
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				if failFast {
					cancel()
				}
			}
		}(i, sub)
	}
	wg.Wait()

	if failFast {
		return firstErr
	}
	if err := ex.branchOutcome(state.SubSteps); err != nil {
		return err
	}
	return firstErr
}

func (ex *Executor) branchOutcome(subs []store.StepState) error {
	for _, s := range subs {
		if s.Status == store.StepFailed {
			return fmt.Errorf("%w: sub-step %q failed", ErrUnknownStep, s.Name)
		}
	}
	return nil
}

func (ex *Executor) runSubStep(ctx context.Context, parentEC *ExecutionContext, sub SubStepDefinition, state *store.StepState) error {
	state.Status = store.StepRunning
	now := time.Now()
	state.StartedAt = &now

	subEC := parentEC.withStep(sub.Name)

	body := chain(sub.Body, recoverMiddleware)

	var lastErr error
	attempts := 0
	for {
		attempts++
		state.Attempts = attempts
		res, err := ex.invoke(ctx, subEC, body, sub.Timeout)
		if err == nil {
			state.Status = store.StepCompleted
			completed := time.Now()
			state.CompletedAt = &completed
			sr := toStoreResult(res)
			state.LastResult = &sr
			ex.applyResultData(subEC, sr)
			return nil
		}
		lastErr = err
		if attempts-1 >= sub.Retry.MaxRetries {
			state.Status = store.StepFailed
			state.LastError = encodeError(lastErr)
			return lastErr
		}
		delay := sub.Retry.delayFor(attempts)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				state.Status = store.StepFailed
				state.LastError = encodeError(ErrCancelled)
				return ErrCancelled
			}
		}
	}
}

func (ex *Executor) fireTrigger(ctx context.Context, ec *ExecutionContext, work *store.FlowRecord, trig TriggerSpec) {
	if ex.Trigger == nil {
		return
	}
	var data map[string]any
	if trig.BuildData != nil {
		data = trig.BuildData(ec)
	}
	childID, err := ex.Trigger(ctx, trig.Kind, work.PrincipalID, work.CorrelationID, data)
	if err != nil {
		ex.emit(Event{FlowID: work.FlowID, FlowKind: work.FlowKind, Type: "TriggerFailed", Message: err.Error()})
		return
	}
	ex.appendEvent(work, "ChildFlowTriggered", fmt.Sprintf("triggered child flow %s of kind %s", childID, trig.Kind), nil)
}

func (ex *Executor) pauseFlow(ctx context.Context, work *store.FlowRecord, step StepDefinition, outcome PauseOutcome) error {
	work.Status = store.StatusPaused
	now := time.Now()
	work.PausedAt = &now
	pause := &store.PauseRecord{Reason: outcome.Reason, Message: outcome.Message}
	if len(outcome.Data) > 0 {
		pause.Data = make(map[string]value.SafeValue, len(outcome.Data))
		for k, v := range outcome.Data {
			pause.Data[k] = value.Encode(v)
		}
	}
	work.Pause = pause
	ex.appendEvent(work, "FlowPaused", fmt.Sprintf("flow %s paused at step %s: %s", work.FlowID, step.Name, outcome.Reason), nil)

	if err := ex.save(ctx, work); err != nil {
		return err
	}
	ex.Metrics.flowPaused(work.FlowKind, outcome.Reason, true)

	if step.Resume.Trigger == ResumeOnPredicate {
		cond := store.ResumeCondition{
			FlowID:        work.FlowID,
			NextCheck:     time.Now().Add(step.Resume.CheckInterval),
			CheckInterval: step.Resume.CheckInterval,
			MaxRetries:    step.Resume.MaxRetries,
			CreatedAt:     time.Now(),
		}
		return ex.Store.SaveResumeCondition(ctx, cond)
	}
	return nil
}

func (ex *Executor) save(ctx context.Context, work *store.FlowRecord) error {
	work.LastUpdatedAt = time.Now()
	return ex.Store.Save(ctx, work, work.Version)
}

func eventID() string { return uuid.NewString() }

func (ex *Executor) appendEvent(rec *store.FlowRecord, eventType, description string, data map[string]value.SafeValue) {
	ev := store.Event{
		ID:          eventID(),
		FlowID:      rec.FlowID,
		Type:        eventType,
		Description: description,
		Timestamp:   time.Now(),
		Data:        data,
	}
	rec.Events = append(rec.Events, ev)
	ex.emit(Event{FlowID: rec.FlowID, FlowKind: rec.FlowKind, StepName: rec.CurrentStepName, Type: eventType, Message: description})
}

func ensureStepState(rec *store.FlowRecord, name string) *store.StepState {
	if s := findStepState(rec, name); s != nil {
		return s
	}
	rec.Steps = append(rec.Steps, store.StepState{Name: name, Status: store.StepPending, BranchTaken: -1})
	return &rec.Steps[len(rec.Steps)-1]
}

func findStepState(rec *store.FlowRecord, name string) *store.StepState {
	for i := range rec.Steps {
		if rec.Steps[i].Name == name {
			return &rec.Steps[i]
		}
	}
	return nil
}

func ensureSubStepState(parent *store.StepState, name string) *store.StepState {
	for i := range parent.SubSteps {
		if parent.SubSteps[i].Name == name {
			return &parent.SubSteps[i]
		}
	}
	parent.SubSteps = append(parent.SubSteps, store.StepState{Name: name, Status: store.StepPending, BranchTaken: -1})
	return &parent.SubSteps[len(parent.SubSteps)-1]
}
