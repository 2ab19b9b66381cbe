// Package stepkit provides reusable step bodies a flow-kind author can drop
// into a FlowDefinition: calling out to an LLM provider, firing a validated
// HTTP request. These are illustrative leaves, not business services
// themselves — the engine never imports stepkit, and a host flow-kind is
// free to use none of it.
package stepkit

import "context"

// Message is one turn of an LLM conversation, the common shape every
// ChatModel adapter converts to and from its provider's wire format.
type Message struct {
	Role    string
	Content string
}

// Standard roles, aligned with the conventions OpenAI, Anthropic, and
// Google all use.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a function an LLM may call, JSON-Schema-shaped per the
// providers' function-calling conventions.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is one invocation an LLM response asked the caller to perform.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// ChatOut is what a ChatModel returns: generated text, requested tool
// calls, or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ChatModel abstracts one LLM provider's chat completion call so LLMStep
// does not need to know which provider a flow-kind wired in.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}
