package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/burrowhq/burrow/internal/llm"
)

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name: "echo",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			v, _ := args["text"].(string)
			return "echo: " + v, nil
		},
	})

	result := r.Execute(context.Background(), llm.ToolCall{
		ID:    "t1",
		Name:  "echo",
		Input: map[string]any{"text": "hi"},
	})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.ToolUseID != "t1" || result.Content != "echo: hi" {
		t.Errorf("result = %+v", result)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()

	result := r.Execute(context.Background(), llm.ToolCall{ID: "t1", Name: "missing"})
	if !result.IsError {
		t.Fatal("unknown tool should produce an error result")
	}
	if !strings.Contains(result.Content, "missing") {
		t.Errorf("content should name the tool: %s", result.Content)
	}
}

func TestRegistryHandlerErrorBecomesResult(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name: "boom",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("disk on fire")
		},
	})

	result := r.Execute(context.Background(), llm.ToolCall{ID: "t1", Name: "boom"})
	if !result.IsError {
		t.Fatal("handler error should be flagged")
	}
	if !strings.Contains(result.Content, "disk on fire") {
		t.Errorf("content should carry the error text: %s", result.Content)
	}
}

func TestRegistryNilInput(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name: "args",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if args == nil {
				t.Error("handler received nil args")
			}
			return "ok", nil
		},
	})
	r.Execute(context.Background(), llm.ToolCall{Name: "args"})
}

func TestDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zebra", "apple", "mango"} {
		r.Register(&Tool{Name: name, InputSchema: map[string]any{"type": "object"}})
	}

	defs := r.Definitions()
	want := []string{"apple", "mango", "zebra"}
	if len(defs) != len(want) {
		t.Fatalf("got %d defs", len(defs))
	}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("defs[%d] = %s, want %s", i, d.Name, want[i])
		}
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: "temp"})

	if !r.Unregister("temp") {
		t.Error("Unregister should report the tool was present")
	}
	if r.Unregister("temp") {
		t.Error("second Unregister should report absence")
	}
}

func TestSendMessageTool(t *testing.T) {
	var chatMsg, relayMsg, waitingQ string
	var chatQuestion, relayHigh bool

	tool := SendMessageTool(Messenger{
		SendToChat:  func(m string, q bool) { chatMsg, chatQuestion = m, q },
		SendToRelay: func(m string, h bool) { relayMsg, relayHigh = m, h },
		SetWaiting:  func(q string) { waitingQ = q },
	})

	out, err := tool.Handler(context.Background(), map[string]any{
		"message":     "Which folder?",
		"is_question": true,
	})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if !strings.Contains(out, "Waiting for user response") {
		t.Errorf("question reply = %q", out)
	}
	if chatMsg != "Which folder?" || !chatQuestion {
		t.Errorf("chat delivery = %q question=%v", chatMsg, chatQuestion)
	}
	if relayMsg != "Which folder?" || !relayHigh {
		t.Errorf("relay delivery = %q high=%v", relayMsg, relayHigh)
	}
	if waitingQ != "Which folder?" {
		t.Errorf("waiting question = %q", waitingQ)
	}
}

func TestSendMessageToolStatusUpdate(t *testing.T) {
	var waitingSet bool
	tool := SendMessageTool(Messenger{
		SetWaiting: func(string) { waitingSet = true },
	})

	out, err := tool.Handler(context.Background(), map[string]any{"message": "working on it"})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if !strings.Contains(out, "sent successfully") {
		t.Errorf("status reply = %q", out)
	}
	if waitingSet {
		t.Error("plain update must not set waiting state")
	}
}

func TestSendMessageToolEmptyMessage(t *testing.T) {
	tool := SendMessageTool(Messenger{})

	out, err := tool.Handler(context.Background(), map[string]any{"message": "  "})
	if err != nil {
		t.Fatalf("empty message must not return a Go error: %v", err)
	}
	if !strings.Contains(out, "Error") {
		t.Errorf("expected error text, got %q", out)
	}
}

func TestEndConversationTool(t *testing.T) {
	ended := false
	tool := EndConversationTool(
		func() bool { return true },
		func(ctx context.Context) error { ended = true; return nil },
	)

	out, err := tool.Handler(context.Background(), map[string]any{"reason": "task completed"})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if !ended {
		t.Error("end func not called")
	}
	if !strings.Contains(out, "task completed") {
		t.Errorf("reply should echo reason: %q", out)
	}
}

func TestEndConversationToolNoActive(t *testing.T) {
	tool := EndConversationTool(
		func() bool { return false },
		func(ctx context.Context) error { t.Error("end must not be called"); return nil },
	)

	out, err := tool.Handler(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if !strings.Contains(out, "No active conversation") {
		t.Errorf("reply = %q", out)
	}
}
