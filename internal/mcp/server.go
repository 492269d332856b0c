// Package mcp exposes the knowledge base retrieval tool and the assistant
// over the Model Context Protocol for external agents.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/assistant"
	"github.com/Leoris0/MusicProject/internal/retrieval"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

const (
	serverName    = "Maestro Culture Assistant"
	serverVersion = "1.0.0"
)

// Assistant is the subset of assistant.Service served over MCP.
type Assistant interface {
	Ask(ctx context.Context, sessionID, query string) (*assistant.Answer, error)
	Search(ctx context.Context, query string) (retrieval.Result, error)
	Status() assistant.Status
}

type Server struct {
	assistant Assistant
	mcpServer *server.MCPServer
}

func NewServer(a Assistant) *Server {
	s := &Server{assistant: a}

	s.mcpServer = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        retrieval.ToolName,
		Description: "Search the Shaanbei folk song and culture knowledge base and return the best matching entry",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Topic or question, e.g. 信天游 or 安塞腰鼓",
				},
			},
			Required: []string{"query"},
		},
	}, s.handleSearch)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "ask_assistant",
		Description: "Ask the culture assistant a question and get its final answer",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The user question",
				},
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Optional caller session id recorded with the conversation",
				},
			},
			Required: []string{"query"},
		},
	}, s.handleAsk)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_status",
		Description: "Report whether the knowledge index is built and how many documents it holds",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
			Required:   []string{},
		},
	}, s.handleStatus)
}

func parseParams(args interface{}, target interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

type searchResult struct {
	Found    bool    `json:"found"`
	Content  string  `json:"content"`
	Type     string  `json:"type"`
	MediaURL string  `json:"media_url,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(params.Query) == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	res, err := s.assistant.Search(ctx, params.Query)
	if err != nil {
		logger.Warn("MCP search failed", zap.String("query", params.Query), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	out, _ := json.Marshal(searchResult{
		Found:    res.Found,
		Content:  res.Content,
		Type:     string(res.Type),
		MediaURL: res.MediaURL,
		Score:    res.Score,
	})
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		Query     string `json:"query"`
		SessionID string `json:"session_id"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(params.Query) == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	if params.SessionID == "" {
		params.SessionID = "mcp"
	}

	answer, err := s.assistant.Ask(ctx, params.SessionID, params.Query)
	if err != nil {
		if errors.Is(err, assistant.ErrUnavailable) {
			return mcp.NewToolResultError("assistant is not ready: knowledge index not built"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("ask failed: %v", err)), nil
	}

	out, _ := json.Marshal(answer)
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, _ := json.Marshal(s.assistant.Status())
	return mcp.NewToolResultText(string(out)), nil
}

// Serve runs the server on stdio until the client disconnects.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}
