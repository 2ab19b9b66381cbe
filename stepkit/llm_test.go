package stepkit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/flowforge/engine/flow"
	"github.com/flowforge/engine/flow/store"
	"github.com/flowforge/engine/stepkit"
)

type stubChatModel struct {
	out stubChatOut
}

type stubChatOut struct {
	text      string
	toolCalls []stepkit.ToolCall
	err       error
}

func (m stubChatModel) Chat(ctx context.Context, messages []stepkit.Message, tools []stepkit.ToolSpec) (stepkit.ChatOut, error) {
	if m.out.err != nil {
		return stepkit.ChatOut{}, m.out.err
	}
	return stepkit.ChatOut{Text: m.out.text, ToolCalls: m.out.toolCalls}, nil
}

func TestLLMStepWritesResponseText(t *testing.T) {
	model := stubChatModel{out: stubChatOut{text: "hello there"}}
	cfg := stepkit.LLMStepConfig{Model: model, PromptKey: "prompt", ResponseKey: "answer"}

	def, err := flow.NewBuilder("llm").
		Step("prep").Execute(func(ec *flow.ExecutionContext) flow.Result {
		return flow.Success("seeded", map[string]any{"prompt": "hi"})
	}).Done().
		Step("ask").After("prep").Execute(stepkit.LLMStep(cfg)).Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := &store.FlowRecord{FlowID: uuid.NewString(), FlowKind: "llm", Status: store.StatusReady}
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ex := &flow.Executor{Store: st, Emitter: flow.NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
}

func TestLLMStepFailsOnMissingPrompt(t *testing.T) {
	model := stubChatModel{out: stubChatOut{text: "unused"}}
	cfg := stepkit.LLMStepConfig{Model: model, PromptKey: "missing-prompt", ResponseKey: "answer"}

	def, err := flow.NewBuilder("llm-missing").
		Step("ask").Execute(stepkit.LLMStep(cfg)).Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := &store.FlowRecord{FlowID: uuid.NewString(), FlowKind: "llm-missing", Status: store.StatusReady}
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ex := &flow.Executor{Store: st, Emitter: flow.NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err == nil {
		t.Fatal("expected failure for missing prompt key")
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
}

func TestLLMStepFailsOnProviderError(t *testing.T) {
	model := stubChatModel{out: stubChatOut{err: errors.New("provider unavailable")}}
	cfg := stepkit.LLMStepConfig{Model: model, PromptKey: "prompt", ResponseKey: "answer"}

	def, err := flow.NewBuilder("llm-error").
		Step("prep").Execute(func(ec *flow.ExecutionContext) flow.Result {
		return flow.Success("seeded", map[string]any{"prompt": "hi"})
	}).Done().
		Step("ask").After("prep").Execute(stepkit.LLMStep(cfg)).Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := &store.FlowRecord{FlowID: uuid.NewString(), FlowKind: "llm-error", Status: store.StatusReady}
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ex := &flow.Executor{Store: st, Emitter: flow.NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err == nil {
		t.Fatal("expected failure when the provider errors")
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
}
