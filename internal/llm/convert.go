package llm

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/Leoris0/MusicProject/internal/agent"
)

func toMessages(turns []agent.Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		m := openai.ChatCompletionMessage{
			Role:       string(t.Role),
			Content:    t.Content,
			ToolCallID: t.ToolCallID,
		}
		for _, call := range t.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func toTools(schemas []agent.ToolSchema) []openai.Tool {
	tools := make([]openai.Tool, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return tools
}

func fromMessage(m openai.ChatCompletionMessage) agent.Turn {
	turn := agent.Turn{
		Role:    agent.RoleAssistant,
		Content: m.Content,
	}
	for _, call := range m.ToolCalls {
		turn.ToolCalls = append(turn.ToolCalls, agent.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return turn
}
