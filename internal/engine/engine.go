// Package engine runs a single agent turn: the bounded tool-use loop
// between the LLM backend and the tool registry.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/burrowhq/burrow/internal/conversation"
	"github.com/burrowhq/burrow/internal/llm"
	"github.com/burrowhq/burrow/internal/tools"
)

const (
	// maxToolIterations bounds the tool-use loop within one turn.
	maxToolIterations = 10
	// maxHistoryMessages caps retained history; trimming removes oldest
	// messages in pairs so a tool result never orphans its call.
	maxHistoryMessages = 20
)

// ErrTurnInFlight reports a second ProcessMessage on an engine whose
// first call has not returned. Engines are single-turn: nested or
// concurrent turns need their own instance.
var ErrTurnInFlight = errors.New("engine: a turn is already in flight on this instance")

// Result is the outcome of one agent turn.
type Result struct {
	// Text is the assistant's final reply. Empty on a cancelled turn.
	Text string
	// ToolsUsed lists the distinct tool names executed during the turn,
	// in first-use order.
	ToolsUsed []string
	// StopReason is the backend's stop reason for the final response,
	// or "aborted" when the turn was cancelled.
	StopReason string
}

// Engine drives one agent turn. Create a fresh instance per pipeline
// run; instances are not reused across turns, which keeps tool
// registration and history isolated between requests.
type Engine struct {
	client   llm.Client
	registry *tools.Registry
	logger   *slog.Logger

	contextPrompt string
	maxHistory    int

	inFlight atomic.Bool
	history  []llm.Message

	mu                 sync.Mutex
	state              conversation.State
	currentMessageID   string
	toolCallsCompleted int
}

// Option configures an Engine.
type Option func(*Engine)

// WithContextPrompt injects conversation context (recent summaries,
// active transcript, pending question) into the system prompt.
func WithContextPrompt(prompt string) Option {
	return func(e *Engine) { e.contextPrompt = prompt }
}

// WithMaxHistory overrides the history cap. Used in tests.
func WithMaxHistory(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxHistory = n
		}
	}
}

// New creates an engine around a backend client.
func New(client llm.Client, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if client == nil {
		return nil, llm.AuthError("no backend client configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		client:     client,
		registry:   tools.NewRegistry(),
		logger:     logger.With("component", "engine"),
		maxHistory: maxHistoryMessages,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RegisterTool adds a tool for this turn.
func (e *Engine) RegisterTool(t *tools.Tool) {
	e.registry.Register(t)
}

// UnregisterTool removes a tool by name.
func (e *Engine) UnregisterTool(name string) bool {
	return e.registry.Unregister(name)
}

// ToolNames returns the registered tool names, sorted.
func (e *Engine) ToolNames() []string {
	return e.registry.Names()
}

// ProcessMessage runs the tool-use loop for one user message. The loop
// sends history to the backend, executes requested tool calls one at a
// time in backend order, feeds results back, and repeats until the
// backend stops asking for tools or the iteration cap is hit.
//
// Cancellation resolves as an empty successful Result, not an error:
// completed tool side effects stand, remaining calls are skipped.
// Backend failures propagate classified; the engine never retries.
func (e *Engine) ProcessMessage(ctx context.Context, messageID, text string) (*Result, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrTurnInFlight
	}
	defer e.inFlight.Store(false)

	// A new message answers any outstanding question.
	e.mu.Lock()
	e.state = conversation.State{}
	e.currentMessageID = messageID
	e.toolCallsCompleted = 0
	e.mu.Unlock()

	e.history = append(e.history, llm.Message{Role: "user", Content: text})

	var toolsUsed []string
	seenTools := map[string]bool{}
	var resp *llm.Response

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		var err error
		resp, err = e.client.SendMessage(ctx, e.history, e.registry.Definitions(), e.systemPrompt())
		if err != nil {
			if llm.KindOf(err) == llm.KindAborted {
				e.logger.Info("turn aborted during backend call", "message", messageID)
				return &Result{StopReason: "aborted", ToolsUsed: toolsUsed}, nil
			}
			return nil, err
		}

		e.history = append(e.history, resp.Message)

		if resp.StopReason != llm.StopToolUse {
			break
		}

		e.logger.Debug("executing tool batch",
			"message", messageID,
			"iteration", iteration+1,
			"calls", len(resp.Message.ToolCalls),
		)

		results := make([]llm.ToolResult, 0, len(resp.Message.ToolCalls))
		cancelled := false
		for _, call := range resp.Message.ToolCalls {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			// Counted before execution so a handler that snapshots the
			// waiting state sees its own call included.
			e.mu.Lock()
			e.toolCallsCompleted++
			e.mu.Unlock()

			result := e.registry.Execute(ctx, call)
			if result.IsError {
				e.logger.Warn("tool returned error result", "tool", call.Name, "content", result.Content)
			}
			results = append(results, result)
			if !seenTools[call.Name] {
				seenTools[call.Name] = true
				toolsUsed = append(toolsUsed, call.Name)
			}
		}

		if cancelled {
			e.logger.Info("turn aborted between tool calls",
				"message", messageID,
				"completed", len(results),
				"skipped", len(resp.Message.ToolCalls)-len(results),
			)
			return &Result{StopReason: "aborted", ToolsUsed: toolsUsed}, nil
		}

		e.history = append(e.history, llm.Message{Role: "user", ToolResults: results})
	}

	e.trimHistory()

	return &Result{
		Text:       resp.Message.Content,
		ToolsUsed:  toolsUsed,
		StopReason: resp.StopReason,
	}, nil
}

// trimHistory drops the oldest messages in pairs once the cap is
// exceeded. Pair-wise removal keeps tool_use and tool_result turns
// together; dropping only one would send the backend an orphaned
// result.
func (e *Engine) trimHistory() {
	for len(e.history) > e.maxHistory {
		e.history = e.history[2:]
	}
}

// SetWaiting marks the engine as waiting on the user's answer to the
// given question. Wired as the send_message tool's callback.
func (e *Engine) SetWaiting(question string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = conversation.State{
		IsWaitingForResponse: true,
		Pending: &conversation.PendingContext{
			OriginalMessageID:  e.currentMessageID,
			ToolCallsCompleted: e.toolCallsCompleted,
			LastAgentMessage:   question,
			CreatedAt:          time.Now().UTC(),
		},
	}
}

// State returns the current waiting state.
func (e *Engine) State() conversation.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RestoreState reinstates a persisted waiting state, for continuity
// across restarts.
func (e *Engine) RestoreState(state conversation.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}
