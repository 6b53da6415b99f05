package tools

import (
	"context"
	"fmt"
	"strings"
)

// Messenger carries the delivery channels for the send_message tool.
// The pipeline wires these up per turn: relay notifications for
// messages that arrived over the relay, the chat callback always, and
// the engine's waiting-state setter for questions.
type Messenger struct {
	// SendToRelay delivers a mid-turn notification over the relay.
	// Nil when the message did not arrive via the relay.
	SendToRelay func(message string, highPriority bool)

	// SendToChat delivers the message to local chat listeners.
	SendToChat func(message string, isQuestion bool)

	// SetWaiting marks the engine as waiting for a user reply.
	SetWaiting func(question string)
}

// SendMessageTool lets the agent talk to the user mid-turn: progress
// updates, and questions that pause the task until the user replies.
func SendMessageTool(m Messenger) *Tool {
	return &Tool{
		Name:        "send_message",
		Description: "Send a message to the user. Use this to provide updates, ask questions, or communicate progress during task execution. Messages are delivered immediately in real-time.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "The message to send to the user.",
				},
				"is_question": map[string]any{
					"type":        "boolean",
					"description": "Set to true if this message is asking for user input. This signals that you are waiting for a response before continuing.",
				},
			},
			"required": []string{"message"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			message, _ := args["message"].(string)
			if strings.TrimSpace(message) == "" {
				return "Error: message is required and must be a non-empty string.", nil
			}
			isQuestion, _ := args["is_question"].(bool)

			if m.SendToChat != nil {
				m.SendToChat(message, isQuestion)
			}
			if m.SendToRelay != nil {
				m.SendToRelay(message, isQuestion)
			}
			if isQuestion && m.SetWaiting != nil {
				m.SetWaiting(message)
			}

			if isQuestion {
				return "Message sent. Waiting for user response.", nil
			}
			return "Message sent successfully.", nil
		},
	}
}

// EndConversationTool lets the agent close the active conversation
// explicitly instead of waiting for the idle timeout. The end function
// is expected to generate the title/summary via an isolated engine.
func EndConversationTool(hasActive func() bool, end func(ctx context.Context) error) *Tool {
	return &Tool{
		Name:        "end_conversation",
		Description: "End the current conversation and generate a summary. Use this when a topic is concluded, the user indicates they're done, or when moving to an unrelated topic. A new conversation will start with the next message.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Optional reason for ending the conversation (e.g. 'task completed', 'user requested', 'changing topics')",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if hasActive != nil && !hasActive() {
				return "No active conversation to end.", nil
			}

			if err := end(ctx); err != nil {
				return fmt.Sprintf("Failed to end conversation: %v", err), nil
			}

			reason, _ := args["reason"].(string)
			suffix := ""
			if reason != "" {
				suffix = fmt.Sprintf(" Reason: %s.", reason)
			}
			return fmt.Sprintf("Conversation ended and summarized.%s The next message will start a new conversation.", suffix), nil
		},
	}
}
