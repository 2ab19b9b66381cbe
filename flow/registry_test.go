package flow

import (
	"errors"
	"testing"

	"github.com/flowforge/engine/flow/store"
)

func TestRegistryBuildUnknownKind(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Build("missing"); !errors.Is(err, ErrUnknownFlowKind) {
		t.Fatalf("expected ErrUnknownFlowKind, got %v", err)
	}
}

func TestRegistryBuildReturnsFreshDefinitionPerCall(t *testing.T) {
	calls := 0
	r := NewRegistry()
	r.Register("k", func() (*FlowDefinition, error) {
		calls++
		return NewBuilder("k").Step("a").Execute(func(*ExecutionContext) Result { return Success("", nil) }).Done().Build()
	})

	if _, err := r.Build("k"); err != nil {
		t.Fatalf("build 1: %v", err)
	}
	if _, err := r.Build("k"); err != nil {
		t.Fatalf("build 2: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected the factory to run once per Build call, got %d", calls)
	}
}

func TestRegistryKinds(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func() (*FlowDefinition, error) { return nil, nil })
	r.Register("b", func() (*FlowDefinition, error) { return nil, nil })
	kinds := r.Kinds()
	if len(kinds) != 2 {
		t.Fatalf("expected 2 kinds, got %v", kinds)
	}
}

func TestRebindRejectsUnknownPersistedStep(t *testing.T) {
	def, err := NewBuilder("k").
		Step("a").Execute(func(*ExecutionContext) Result { return Success("", nil) }).Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	rec := newTestRecord("k")
	rec.Steps = []store.StepState{{Name: "renamed-step"}}

	if err := Rebind(def, rec); err == nil {
		t.Fatal("expected Rebind to reject a persisted step absent from the rebuilt definition")
	}
}

func TestRebindAcceptsMatchingSteps(t *testing.T) {
	def, err := NewBuilder("k").
		Step("a").Execute(func(*ExecutionContext) Result { return Success("", nil) }).Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	rec := newTestRecord("k")
	rec.Steps = []store.StepState{{Name: "a"}}

	if err := Rebind(def, rec); err != nil {
		t.Fatalf("expected matching step names to rebind cleanly: %v", err)
	}
}
