package llm

import "context"

// Client is the interface all LLM providers implement.
type Client interface {
	// SendMessage sends conversation history plus tool definitions and an
	// optional system prompt, returning the model's reply. Failures are
	// returned as a classified *Error; the client never retries
	// internally — retry policy belongs to the caller.
	SendMessage(ctx context.Context, messages []Message, tools []ToolDef, systemPrompt string) (*Response, error)
}
