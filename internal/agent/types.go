// Package agent implements the culture assistant's state machine: a local
// greeting classifier followed by a model/tool loop over a single
// retrieval tool.
package agent

import (
	"context"
	"errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Turn is one message in the conversation sent to the model.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSchema describes a callable tool. Parameters is a JSON Schema object.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatModel completes a conversation. With tools, it may answer with tool
// calls instead of content.
type ChatModel interface {
	Complete(ctx context.Context, turns []Turn, tools []ToolSchema) (Turn, error)
}

type Tool interface {
	Schema() ToolSchema
	Call(ctx context.Context, arguments string) (string, error)
}

type Intent string

const (
	IntentGreeting Intent = "greeting"
	IntentQuery    Intent = "query"
)

type Node string

const (
	NodeAnalyzeIntent   Node = "analyze_intent"
	NodeRespondGreeting Node = "respond_greeting"
	NodeAgent           Node = "agent"
	NodeTools           Node = "tools"
	NodeEnd             Node = "end"
)

// State is created per Run and never shared between runs.
type State struct {
	Messages      []Turn `json:"messages"`
	Query         string `json:"query"`
	Intent        Intent `json:"intent"`
	FinalResponse string `json:"final_response"`

	// Path lists the nodes visited, in order.
	Path              []Node `json:"path"`
	ModelCalls        int    `json:"model_calls"`
	ToolCalls         int    `json:"tool_calls"`
	IterationLimitHit bool   `json:"iteration_limit_hit"`
}

// NoInformation is the tool output used when retrieval finds nothing or
// fails.
const NoInformation = "No relevant information found."

// ErrModelFailure wraps every chat model error returned by Run.
var ErrModelFailure = errors.New("chat model failure")
