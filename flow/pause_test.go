package flow

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/engine/flow/store"
)

// stubRunner implements ResumeRunner by re-entering the Executor directly,
// standing in for Engine.resumeFlow without pulling in the rest of Engine.
type stubRunner struct {
	store *store.MemoryStore
	def   *FlowDefinition
}

func (r *stubRunner) resumeFlow(ctx context.Context, flowID string) error {
	rec, err := r.store.LoadByID(ctx, flowID)
	if err != nil {
		return err
	}
	_, err = (&Executor{Store: r.store, Emitter: NullEmitter{}}).Run(ctx, r.def, rec)
	return err
}

func pausingDefinition(t *testing.T, resume ResumeConfig) (*FlowDefinition, *store.MemoryStore, *store.FlowRecord) {
	t.Helper()
	var ranAfter bool
	def, err := NewBuilder("pausing").
		Step("gate").
		Execute(func(ec *ExecutionContext) Result { return Success("gate passed", nil) }).
		CanPause(func(ec *ExecutionContext) PauseOutcome {
			return PauseWith("awaiting-approval", "needs approval", nil)
		}).
		ResumeOn(resume).
		Done().
		Step("after").After("gate").
		Execute(func(ec *ExecutionContext) Result { ranAfter = true; return Success("done", nil) }).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_ = ranAfter

	st := store.NewMemoryStore()
	rec := newTestRecord("pausing")
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return def, st, rec
}

func TestPauseAndResumeOnEvent(t *testing.T) {
	def, st, rec := pausingDefinition(t, ResumeConfig{Trigger: ResumeOnEvent, EventType: "approved"})

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != store.StatusPaused {
		t.Fatalf("expected paused, got %s", final.Status)
	}
	if final.Pause == nil || final.Pause.Reason != "awaiting-approval" {
		t.Fatalf("expected pause record, got %+v", final.Pause)
	}

	registry := NewRegistry()
	registry.Register("pausing", func() (*FlowDefinition, error) { return def, nil })
	ctrl := &Controller{Store: st, Registry: registry, Runner: &stubRunner{store: st, def: def}, Emitter: NullEmitter{}}

	if err := ctrl.PublishEvent(context.Background(), "wrong-event", nil); err != nil {
		t.Fatalf("publish wrong event: %v", err)
	}
	stillPaused, err := st.LoadByID(context.Background(), rec.FlowID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stillPaused.Status != store.StatusPaused {
		t.Fatalf("expected flow to remain paused on a non-matching event, got %s", stillPaused.Status)
	}

	if err := ctrl.PublishEvent(context.Background(), "approved", nil); err != nil {
		t.Fatalf("publish approved event: %v", err)
	}
	resumed, err := st.LoadByID(context.Background(), rec.FlowID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if resumed.Status != store.StatusCompleted {
		t.Fatalf("expected flow to run to completion after resume, got %s", resumed.Status)
	}
}

func TestManualResumeRequiresRole(t *testing.T) {
	def, st, rec := pausingDefinition(t, ResumeConfig{Trigger: ResumeOnManual, RequiredRole: "approver"})

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	if _, err := ex.Run(context.Background(), def, rec); err != nil {
		t.Fatalf("run: %v", err)
	}

	registry := NewRegistry()
	registry.Register("pausing", func() (*FlowDefinition, error) { return def, nil })
	ctrl := &Controller{Store: st, Registry: registry, Runner: &stubRunner{store: st, def: def}, Emitter: NullEmitter{}}

	if err := ctrl.ManualResume(context.Background(), rec.FlowID, "viewer", ""); err != ErrNotAuthorized {
		t.Fatalf("expected ErrNotAuthorized for wrong role, got %v", err)
	}
	if err := ctrl.ManualResume(context.Background(), rec.FlowID, "approver", "looks good"); err != nil {
		t.Fatalf("expected manual resume to succeed for the required role: %v", err)
	}

	final, err := st.LoadByID(context.Background(), rec.FlowID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed after manual resume, got %s", final.Status)
	}
}

func TestPollDueExhaustsRetries(t *testing.T) {
	def, st, rec := pausingDefinition(t, ResumeConfig{
		Trigger:       ResumeOnPredicate,
		Predicate:     func(ec *ExecutionContext) bool { return false },
		CheckInterval: time.Millisecond,
		MaxRetries:    2,
	})

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	if _, err := ex.Run(context.Background(), def, rec); err != nil {
		t.Fatalf("run: %v", err)
	}

	registry := NewRegistry()
	registry.Register("pausing", func() (*FlowDefinition, error) { return def, nil })
	ctrl := &Controller{Store: st, Registry: registry, Runner: &stubRunner{store: st, def: def}, Emitter: NullEmitter{}}

	for i := 0; i < 3; i++ {
		if err := ctrl.PollDue(context.Background()); err != nil {
			t.Fatalf("poll due: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	final, err := st.LoadByID(context.Background(), rec.FlowID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected flow to fail after exhausting pause-predicate retries, got %s", final.Status)
	}
	if final.LastError == nil || final.LastError.Kind != "PausePredicateMaxRetries" {
		t.Fatalf("expected PausePredicateMaxRetries, got %+v", final.LastError)
	}

	due, err := st.DueResumeConditions(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("due resume conditions: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected resume condition to be cleaned up after exhaustion, got %+v", due)
	}
}

func TestPollDueResumesOnTruePredicate(t *testing.T) {
	var gate bool
	def, st, rec := pausingDefinition(t, ResumeConfig{
		Trigger:       ResumeOnPredicate,
		Predicate:     func(ec *ExecutionContext) bool { return gate },
		CheckInterval: time.Millisecond,
		MaxRetries:    10,
	})

	ex := &Executor{Store: st, Emitter: NullEmitter{}}
	if _, err := ex.Run(context.Background(), def, rec); err != nil {
		t.Fatalf("run: %v", err)
	}

	registry := NewRegistry()
	registry.Register("pausing", func() (*FlowDefinition, error) { return def, nil })
	ctrl := &Controller{Store: st, Registry: registry, Runner: &stubRunner{store: st, def: def}, Emitter: NullEmitter{}}

	if err := ctrl.PollDue(context.Background()); err != nil {
		t.Fatalf("poll due (still false): %v", err)
	}
	stillPaused, _ := st.LoadByID(context.Background(), rec.FlowID)
	if stillPaused.Status != store.StatusPaused {
		t.Fatalf("expected still paused while predicate is false, got %s", stillPaused.Status)
	}

	gate = true
	time.Sleep(2 * time.Millisecond)
	if err := ctrl.PollDue(context.Background()); err != nil {
		t.Fatalf("poll due (now true): %v", err)
	}
	final, _ := st.LoadByID(context.Background(), rec.FlowID)
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed once predicate turns true, got %s", final.Status)
	}
}
