package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/engine/flow/store"
)

func newTestRecord(kind string) *store.FlowRecord {
	return &store.FlowRecord{
		FlowID:    uuid.NewString(),
		FlowKind:  kind,
		CreatedAt: time.Now(),
		Status:    store.StatusReady,
	}
}

func TestExecutorLinearSuccess(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) { mu.Lock(); order = append(order, name); mu.Unlock() }

	def, err := NewBuilder("linear").
		Step("A").Execute(func(ec *ExecutionContext) Result {
			record("A")
			return Success("a done", map[string]any{"fromA": 1})
		}).Done().
		Step("B").After("A").Execute(func(ec *ExecutionContext) Result {
			record("B")
			v, err := GetData[int](ec, "fromA")
			if err != nil || v != 1 {
				t.Errorf("step B: expected fromA=1, got %v err=%v", v, err)
			}
			return Success("b done", map[string]any{"fromB": 2})
		}).Done().
		Step("C").After("B").Execute(func(ec *ExecutionContext) Result {
			record("C")
			return Success("c done", nil)
		}).Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := newTestRecord("linear")
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if got := []string{order[0], order[1], order[2]}; got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Fatalf("expected A,B,C order, got %v", got)
	}
}

func TestExecutorDynamicParallelFanOut(t *testing.T) {
	var processed int32

	def, err := NewBuilder("fanout").
		Step("expand").
		Execute(func(ec *ExecutionContext) Result { return Success("expanded", nil) }).
		WithDynamicBranches(
			func(ec *ExecutionContext) []any {
				return []any{1, 2, 3, 4, 5}
			},
			func(ec *ExecutionContext, item any, index int) SubStepDefinition {
				n := item.(int)
				return SubStepDefinition{
					Name: "item",
					Body: func(ec *ExecutionContext) Result {
						atomic.AddInt32(&processed, int32(n))
						return Success("processed", nil)
					},
					Index: index,
				}
			},
			Parallel, 3, false,
		).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := newTestRecord("fanout")
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if atomic.LoadInt32(&processed) != 15 {
		t.Fatalf("expected all 5 items processed (sum=15), got %d", processed)
	}
	state, _ := findStepStateExported(final, "expand")
	if len(state.SubSteps) != 5 {
		t.Fatalf("expected 5 persisted sub-steps, got %d", len(state.SubSteps))
	}
}

func findStepStateExported(rec *store.FlowRecord, name string) (store.StepState, bool) {
	for _, s := range rec.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return store.StepState{}, false
}

func TestExecutorRetryThenCriticalFailure(t *testing.T) {
	var attempts int32
	wantErr := errors.New("boom")

	def, err := NewBuilder("retryfail").
		Step("flaky").
		Execute(func(ec *ExecutionContext) Result {
			atomic.AddInt32(&attempts, 1)
			return Failure("always fails", wantErr)
		}).
		WithRetries(RetryPolicy{MaxRetries: 2, Delay: time.Millisecond}).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := newTestRecord("retryfail")
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err == nil {
		t.Fatal("expected flow to fail")
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (1 initial + 2 retries), got %d", attempts)
	}
	if final.LastError == nil || final.LastError.Kind != "UnrecoverableBodyError" {
		t.Fatalf("expected UnrecoverableBodyError, got %+v", final.LastError)
	}
}

func TestExecutorAllowFailureContinues(t *testing.T) {
	var ranB bool

	def, err := NewBuilder("allowfail").
		Step("a").
		Execute(func(ec *ExecutionContext) Result { return Failure("nope", errors.New("x")) }).
		AllowFailure().
		Done().
		Step("b").After("a").
		Execute(func(ec *ExecutionContext) Result { ranB = true; return Success("ok", nil) }).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := newTestRecord("allowfail")
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed despite allowed failure, got %s", final.Status)
	}
	if !ranB {
		t.Fatal("expected step b to run after allowed failure of step a")
	}
}

func TestExecutorIdempotentReplayAfterSimulatedCrash(t *testing.T) {
	var calls int32

	step := StepDefinition{
		Name: "charge",
		Body: func(ec *ExecutionContext) Result {
			atomic.AddInt32(&calls, 1)
			return Success("charged", map[string]any{"amount": 100})
		},
		IdempotencyKey: func(ec *ExecutionContext) string { return "fixed-key" },
	}
	def := &FlowDefinition{Kind: "idem", Steps: []StepDefinition{step}, MaxJumps: 1000, stepIndex: map[string]int{"charge": 0}}

	st := store.NewMemoryStore()
	rec := newTestRecord("idem")
	ex := &Executor{Store: st}

	firstState := &store.StepState{Name: "charge"}
	ec1 := newExecutionContext(context.Background(), rec, nil).withStep("charge")
	if _, err := ex.runStepBody(context.Background(), ec1, def, &step, firstState); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call after first attempt, got %d", calls)
	}

	// Simulate a crash: a fresh StepState (as if reloaded from a record that
	// never persisted the StepCompleted transition) replays against the
	// same store, which already holds the committed idempotent result.
	secondState := &store.StepState{Name: "charge"}
	ec2 := newExecutionContext(context.Background(), rec, nil).withStep("charge")
	if _, err := ex.runStepBody(context.Background(), ec2, def, &step, secondState); err != nil {
		t.Fatalf("replay attempt: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected idempotent replay to avoid a second body call, got %d calls", calls)
	}
}

func TestExecutorJumpStopsAtPerStepBound(t *testing.T) {
	var iterations int

	def, err := NewBuilder("loop2").
		Step("loop").
		Execute(func(ec *ExecutionContext) Result { iterations++; return Success("tick", nil) }).
		JumpTo("loop", func(ec *ExecutionContext) bool { return true }, 3).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := newTestRecord("loop2")
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed once the per-step jump bound is exhausted, got %s", final.Status)
	}
	if iterations != 4 {
		t.Fatalf("expected 1 initial pass + 3 jumps back = 4 iterations, got %d", iterations)
	}
}

func TestExecutorJumpExceedsWholeFlowBound(t *testing.T) {
	def, err := NewBuilder("loopbound").
		WithMaxJumps(2).
		Step("loop").
		Execute(func(ec *ExecutionContext) Result { return Success("tick", nil) }).
		JumpTo("loop", func(ec *ExecutionContext) bool { return true }, 1000).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := newTestRecord("loopbound")
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err == nil {
		t.Fatal("expected the whole-flow MaxJumps guard to fail the flow")
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.LastError == nil || final.LastError.Kind != "MaxJumpsExceeded" {
		t.Fatalf("expected MaxJumpsExceeded, got %+v", final.LastError)
	}
}

func TestExecutorFailsTerminallyOnUnmetDependencyAfterJump(t *testing.T) {
	// Start jumps straight to B, skipping A, whose After("A") dependency is
	// therefore never satisfied. The flow must fail terminally rather than
	// leave the Executor returning a bare, retriable-looking error: a stale
	// Running flow here would otherwise be re-adopted by recovery forever.
	def, err := NewBuilder("skip").
		Step("Start").
		Execute(func(ec *ExecutionContext) Result { return Success("", nil) }).
		JumpTo("B", nil, 1).
		Done().
		Step("A").Execute(func(ec *ExecutionContext) Result { return Success("", nil) }).Done().
		Step("B").After("A").Execute(func(ec *ExecutionContext) Result { return Success("", nil) }).Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := newTestRecord("skip")
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err == nil {
		t.Fatal("expected an unmet dependency to fail the flow")
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.LastError == nil || final.LastError.Kind != "UnmetDependency" {
		t.Fatalf("expected UnmetDependency, got %+v", final.LastError)
	}
}

func TestExecutorSharesRuntimeHandlesAcrossSteps(t *testing.T) {
	// SetRuntime on step A must still be visible to GetRuntime on step B
	// within the same Run call: both steps' ExecutionContext values must
	// be derived from one shared ecShared, not a fresh one per step.
	def, err := NewBuilder("runtime").
		Step("A").Execute(func(ec *ExecutionContext) Result {
			ec.SetRuntime("client", "live-handle")
			return Success("", nil)
		}).Done().
		Step("B").After("A").Execute(func(ec *ExecutionContext) Result {
			v, ok := GetRuntime[string](ec, "client")
			if !ok || v != "live-handle" {
				t.Errorf("expected step B to see step A's runtime handle, got %v ok=%v", v, ok)
			}
			return Success("", nil)
		}).Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := newTestRecord("runtime")
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
}

func TestExecutorStepTimeout(t *testing.T) {
	def, err := NewBuilder("timeout").
		Step("slow").
		Execute(func(ec *ExecutionContext) Result {
			select {
			case <-time.After(50 * time.Millisecond):
				return Success("too slow", nil)
			case <-ec.Context().Done():
				return Cancelled("cancelled")
			}
		}).
		WithTimeout(5 * time.Millisecond).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := newTestRecord("timeout")
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err == nil {
		t.Fatal("expected the flow to fail on step timeout")
	}
	if final.LastError == nil || final.LastError.Kind != "Timeout" {
		t.Fatalf("expected Timeout, got %+v", final.LastError)
	}
}
