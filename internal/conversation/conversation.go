// Package conversation manages conversation sessions: idle-timeout
// segmentation, persistence, forking, summaries, and the pending
// "agent is waiting on the user" state.
package conversation

import (
	"context"
	"time"
)

// Message is a single message within a conversation.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"` // user or assistant
	Content   string    `json:"content"`
	// ToolsUsed lists tool names invoked while producing this message.
	// Only meaningful on assistant messages.
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Conversation is a bounded session of messages. At most one
// conversation in the store has a nil EndedAt (the active one).
type Conversation struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Title     string     `json:"title,omitempty"`
	Summary   string     `json:"summary,omitempty"`
	Messages  []Message  `json:"messages"`
	Branches  []Branch   `json:"branches,omitempty"`
}

// Branch is an archived message suffix produced by a fork. The
// messages are preserved exactly as they were at the fork point.
type Branch struct {
	ID         string    `json:"id"`
	ArchivedAt time.Time `json:"archived_at"`
	Messages   []Message `json:"messages"`
}

// ForkResult reports what a fork moved aside.
type ForkResult struct {
	// Archived holds the messages moved into the new branch, in order.
	Archived []Message
	// ForkPoint is the number of messages remaining in the conversation.
	ForkPoint int
}

// PendingContext is stored while the agent waits on the user's answer
// to a question it asked mid-turn.
type PendingContext struct {
	OriginalMessageID  string    `json:"original_message_id"`
	ToolCallsCompleted int       `json:"tool_calls_completed"`
	LastAgentMessage   string    `json:"last_agent_message"`
	CreatedAt          time.Time `json:"created_at"`
}

// State tracks whether the agent is waiting for a user response.
// Pending is non-nil exactly when IsWaitingForResponse is true.
type State struct {
	IsWaitingForResponse bool            `json:"is_waiting_for_response"`
	Pending              *PendingContext `json:"pending_context,omitempty"`
}

// Summarizer generates a title and summary from a conversation
// transcript. The manager depends on this narrow capability instead of
// the full agent engine so the two packages stay decoupled.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (title, summary string, err error)
}
