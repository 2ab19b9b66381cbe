package stepkit

import (
	"fmt"

	"github.com/flowforge/engine/flow"
)

// LLMStepConfig configures one LLMStep instance: which data key holds the
// prompt, which key the response text is written back to, an optional
// system prompt, and the tools the model may call.
type LLMStepConfig struct {
	Model        ChatModel
	PromptKey    string
	ResponseKey  string
	SystemPrompt string
	Tools        []ToolSpec

	// ToolCallsKey, if set, additionally stores the raw tool calls the
	// model requested so a later step can dispatch them.
	ToolCallsKey string
}

// LLMStep builds a flow.StepBody that reads a prompt from the flow's data
// map, calls cfg.Model, and writes the response back. It is grounded on the
// engine's own Result contract: a provider error becomes a Failure, letting
// the owning StepDefinition's retry/critical/allowFailure policy decide
// what happens next, exactly as any other step body would.
func LLMStep(cfg LLMStepConfig) flow.StepBody {
	return func(ec *flow.ExecutionContext) flow.Result {
		prompt, err := flow.GetData[string](ec, cfg.PromptKey)
		if err != nil {
			return flow.Failure(fmt.Sprintf("stepkit: reading prompt key %q", cfg.PromptKey), err)
		}

		var messages []Message
		if cfg.SystemPrompt != "" {
			messages = append(messages, Message{Role: RoleSystem, Content: cfg.SystemPrompt})
		}
		messages = append(messages, Message{Role: RoleUser, Content: prompt})

		out, err := cfg.Model.Chat(ec.Context(), messages, cfg.Tools)
		if err != nil {
			return flow.Failure("stepkit: llm chat failed", err)
		}

		data := map[string]any{cfg.ResponseKey: out.Text}
		if cfg.ToolCallsKey != "" {
			calls := make([]map[string]any, len(out.ToolCalls))
			for i, tc := range out.ToolCalls {
				calls[i] = map[string]any{"name": tc.Name, "input": tc.Input}
			}
			data[cfg.ToolCallsKey] = calls
		}
		return flow.Success(fmt.Sprintf("llm responded (%d chars)", len(out.Text)), data)
	}
}
