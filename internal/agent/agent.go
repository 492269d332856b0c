package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/metrics"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

const (
	DefaultMaxIterations = 4
	DefaultToolTimeout   = 20 * time.Second

	// DefaultFallbackResponse is used when the model still returns nothing
	// after the iteration limit forced a tool-free answer.
	DefaultFallbackResponse = "抱歉，这个问题我暂时没能找到确切的答案，您可以换个说法再问问。"
)

type Config struct {
	Model        ChatModel
	Tools        []Tool
	SystemPrompt string

	// Greetings defaults to the built-in replies; Selector defaults to
	// RandomSelector.
	Greetings []string
	Selector  Selector

	// MaxIterations bounds the number of tool rounds per run.
	MaxIterations    int
	ToolTimeout      time.Duration
	FallbackResponse string
}

// Agent is safe for concurrent use; every Run owns its State.
type Agent struct {
	model         ChatModel
	tools         map[string]Tool
	schemas       []ToolSchema
	systemPrompt  string
	greetings     []string
	selector      Selector
	maxIterations int
	toolTimeout   time.Duration
	fallback      string
}

func New(cfg Config) (*Agent, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("agent requires a chat model")
	}

	a := &Agent{
		model:         cfg.Model,
		tools:         make(map[string]Tool, len(cfg.Tools)),
		schemas:       make([]ToolSchema, 0, len(cfg.Tools)),
		systemPrompt:  cfg.SystemPrompt,
		greetings:     cfg.Greetings,
		selector:      cfg.Selector,
		maxIterations: cfg.MaxIterations,
		toolTimeout:   cfg.ToolTimeout,
		fallback:      cfg.FallbackResponse,
	}

	for _, t := range cfg.Tools {
		s := t.Schema()
		if _, dup := a.tools[s.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", s.Name)
		}
		a.tools[s.Name] = t
		a.schemas = append(a.schemas, s)
	}

	if len(a.greetings) == 0 {
		a.greetings = GreetingReplies()
	}
	if a.selector == nil {
		a.selector = RandomSelector
	}
	if a.maxIterations <= 0 {
		a.maxIterations = DefaultMaxIterations
	}
	if a.toolTimeout <= 0 {
		a.toolTimeout = DefaultToolTimeout
	}
	if a.fallback == "" {
		a.fallback = DefaultFallbackResponse
	}

	return a, nil
}

// Run drives one query from analyze_intent to end. Only chat model failures
// are returned as errors, wrapped in ErrModelFailure; the partial State is
// returned alongside for inspection.
func (a *Agent) Run(ctx context.Context, query string) (*State, error) {
	state := &State{
		Query:    query,
		Messages: []Turn{{Role: RoleUser, Content: query}},
	}

	toolRounds := 0
	node := NodeAnalyzeIntent
	for node != NodeEnd {
		state.Path = append(state.Path, node)

		switch node {
		case NodeAnalyzeIntent:
			node = a.analyzeIntent(state)

		case NodeRespondGreeting:
			node = a.respondGreeting(state)

		case NodeAgent:
			next, err := a.callModel(ctx, state, toolRounds >= a.maxIterations)
			if err != nil {
				return state, err
			}
			node = next

		case NodeTools:
			toolRounds++
			node = a.runTools(ctx, state)

		default:
			return state, fmt.Errorf("unknown node %q", node)
		}
	}
	state.Path = append(state.Path, NodeEnd)

	return state, nil
}

func (a *Agent) analyzeIntent(state *State) Node {
	state.Intent = ClassifyIntent(lastUserMessage(state.Messages))
	if state.Intent == IntentGreeting {
		return NodeRespondGreeting
	}
	return NodeAgent
}

func (a *Agent) respondGreeting(state *State) Node {
	i := a.selector(len(a.greetings))
	if i < 0 || i >= len(a.greetings) {
		i = 0
	}
	state.FinalResponse = a.greetings[i]
	state.Messages = append(state.Messages, Turn{Role: RoleAssistant, Content: state.FinalResponse})
	return NodeEnd
}

func (a *Agent) callModel(ctx context.Context, state *State, limitReached bool) (Node, error) {
	if a.systemPrompt != "" && (len(state.Messages) == 0 || state.Messages[0].Role != RoleSystem) {
		state.Messages = append([]Turn{{Role: RoleSystem, Content: a.systemPrompt}}, state.Messages...)
	}

	tools := a.schemas
	if limitReached {
		tools = nil
		state.IterationLimitHit = true
		metrics.AgentIterationLimitHit.Inc()
		logger.Warn("Agent reached tool iteration limit, forcing final answer",
			zap.Int("max_iterations", a.maxIterations),
		)
	}

	state.ModelCalls++
	reply, err := a.model.Complete(ctx, state.Messages, tools)
	if err != nil {
		return NodeEnd, fmt.Errorf("%w: %w", ErrModelFailure, err)
	}
	reply.Role = RoleAssistant

	if len(reply.ToolCalls) > 0 && !limitReached {
		if len(reply.ToolCalls) > 1 {
			logger.Debug("Model requested several tool calls, keeping the first",
				zap.Int("requested", len(reply.ToolCalls)),
			)
			reply.ToolCalls = reply.ToolCalls[:1]
		}
		state.Messages = append(state.Messages, reply)
		return NodeTools, nil
	}

	reply.ToolCalls = nil
	if limitReached && reply.Content == "" {
		reply.Content = a.fallback
	}
	state.Messages = append(state.Messages, reply)
	state.FinalResponse = reply.Content
	return NodeEnd, nil
}

func (a *Agent) runTools(ctx context.Context, state *State) Node {
	last := state.Messages[len(state.Messages)-1]
	for _, call := range last.ToolCalls {
		state.ToolCalls++
		state.Messages = append(state.Messages, Turn{
			Role:       RoleTool,
			Content:    a.invoke(ctx, call),
			ToolCallID: call.ID,
		})
	}
	return NodeAgent
}

// invoke never fails: errors and unknown tools degrade to NoInformation.
func (a *Agent) invoke(ctx context.Context, call ToolCall) string {
	tool, ok := a.tools[call.Name]
	if !ok {
		logger.Warn("Model requested unknown tool", zap.String("tool", call.Name))
		return NoInformation
	}

	ctx, cancel := context.WithTimeout(ctx, a.toolTimeout)
	defer cancel()

	out, err := tool.Call(ctx, call.Arguments)
	if err != nil {
		logger.Warn("Tool call failed, continuing without results",
			zap.String("tool", call.Name),
			zap.Error(err),
		)
		return NoInformation
	}
	return out
}

func lastUserMessage(turns []Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			return turns[i].Content
		}
	}
	return ""
}
