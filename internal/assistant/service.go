// Package assistant wires the knowledge base, the vector index and the agent
// into the service the HTTP, WebSocket, CLI and MCP surfaces call.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/agent"
	"github.com/Leoris0/MusicProject/internal/index"
	"github.com/Leoris0/MusicProject/internal/knowledge"
	"github.com/Leoris0/MusicProject/internal/metrics"
	"github.com/Leoris0/MusicProject/internal/render"
	"github.com/Leoris0/MusicProject/internal/retrieval"
	"github.com/Leoris0/MusicProject/internal/storage/models"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

// ErrUnavailable is returned while no index has been built successfully.
var ErrUnavailable = errors.New("assistant unavailable")

type ConversationStore interface {
	InsertConversation(conv *models.Conversation) error
}

type Runner interface {
	Run(ctx context.Context, query string) (*agent.State, error)
}

type Deps struct {
	KnowledgePath string
	Builder       *index.Builder
	Holder        *index.Holder
	Agent         Runner
	Tool          *retrieval.Tool
	// Store is optional; without it conversations are not recorded.
	Store     ConversationStore
	SwapGrace time.Duration
}

type Answer struct {
	ID                string              `json:"id"`
	Query             string              `json:"query"`
	Response          string              `json:"response"`
	Intent            agent.Intent        `json:"intent"`
	Attachments       []render.Attachment `json:"attachments"`
	ModelCalls        int                 `json:"model_calls"`
	ToolCalls         int                 `json:"tool_calls"`
	IterationLimitHit bool                `json:"iteration_limit_hit"`
	LatencyMS         int64               `json:"latency_ms"`
}

type Service struct {
	deps Deps

	reloadMu  sync.Mutex
	mu        sync.RWMutex
	buildErr  error
	builtAt   time.Time
	documents int
}

func New(deps Deps) *Service {
	return &Service{deps: deps, buildErr: ErrUnavailable}
}

// Start loads the knowledge base and builds the first index. A build
// failure leaves the service unavailable but does not stop the host.
func (s *Service) Start(ctx context.Context) error {
	_, err := s.Reload(ctx)
	if err != nil {
		logger.Error("Assistant unavailable: index build failed", zap.Error(err))
	}
	return err
}

// Reload rebuilds the index from disk and swaps it in. On failure the
// previous index, if any, keeps serving.
func (s *Service) Reload(ctx context.Context) (int, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	base := knowledge.Load(s.deps.KnowledgePath)

	idx, err := s.deps.Builder.Build(ctx, base)
	if err != nil {
		s.mu.Lock()
		if s.deps.Holder.Current() == nil {
			s.buildErr = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		s.mu.Unlock()
		return 0, err
	}

	prev := s.deps.Holder.Swap(idx)
	index.Retire(prev, s.deps.SwapGrace)

	s.mu.Lock()
	s.buildErr = nil
	s.builtAt = time.Now()
	s.documents = idx.Len()
	s.mu.Unlock()

	logger.Info("Knowledge index swapped in",
		zap.Int("entries", base.Len()),
		zap.Int("documents", idx.Len()),
		zap.Bool("replaced", prev != nil),
	)
	return idx.Len(), nil
}

type Status struct {
	Ready     bool      `json:"ready"`
	Documents int       `json:"documents"`
	BuiltAt   time.Time `json:"built_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Ready:     s.buildErr == nil,
		Documents: s.documents,
		BuiltAt:   s.builtAt,
	}
	if s.buildErr != nil {
		st.Error = s.buildErr.Error()
	}
	return st
}

func (s *Service) available() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildErr
}

// Ask runs one query through the agent. Only ErrUnavailable and
// agent.ErrModelFailure are returned to callers.
func (s *Service) Ask(ctx context.Context, sessionID, query string) (*Answer, error) {
	if err := s.available(); err != nil {
		metrics.AgentRuns.WithLabelValues("unknown", "unavailable").Inc()
		return nil, err
	}

	start := time.Now()
	state, err := s.deps.Agent.Run(ctx, query)
	latency := time.Since(start)

	intent := agent.IntentQuery
	if state != nil && state.Intent != "" {
		intent = state.Intent
	}
	metrics.AgentDuration.WithLabelValues(string(intent)).Observe(latency.Seconds())

	id := uuid.New().String()
	conv := &models.Conversation{
		ID:        id,
		SessionID: sessionID,
		Query:     query,
		Intent:    string(intent),
		Status:    models.ConversationOK,
		LatencyMS: latency.Milliseconds(),
		CreatedAt: start,
	}
	if state != nil {
		conv.ModelCalls = state.ModelCalls
		conv.ToolCalls = state.ToolCalls
		conv.IterationLimitHit = state.IterationLimitHit
	}

	if err != nil {
		metrics.AgentRuns.WithLabelValues(string(intent), "error").Inc()
		conv.Status = models.ConversationError
		conv.Error = err.Error()
		s.record(conv)
		logger.Error("Assistant run failed", zap.String("conversation_id", id), zap.Error(err))
		return nil, err
	}

	metrics.AgentRuns.WithLabelValues(string(intent), "success").Inc()
	metrics.AgentModelCalls.Observe(float64(state.ModelCalls))

	response := state.FinalResponse
	conv.Response = response
	s.record(conv)

	logger.Info("Assistant answered",
		zap.String("conversation_id", id),
		zap.String("intent", string(intent)),
		zap.Int("model_calls", state.ModelCalls),
		zap.Int("tool_calls", state.ToolCalls),
		zap.Duration("latency", latency),
	)

	return &Answer{
		ID:                id,
		Query:             query,
		Response:          response,
		Intent:            intent,
		Attachments:       render.ExtractAttachments(response),
		ModelCalls:        state.ModelCalls,
		ToolCalls:         state.ToolCalls,
		IterationLimitHit: state.IterationLimitHit,
		LatencyMS:         latency.Milliseconds(),
	}, nil
}

// Search calls the retrieval tool directly.
func (s *Service) Search(ctx context.Context, query string) (retrieval.Result, error) {
	if err := s.available(); err != nil {
		return retrieval.Result{}, err
	}
	return s.deps.Tool.Search(ctx, query)
}

func (s *Service) record(conv *models.Conversation) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.InsertConversation(conv); err != nil {
		logger.Warn("Failed to record conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}
