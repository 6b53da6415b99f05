package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "conversations.db"), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSummarizer returns fixed values or an error.
type stubSummarizer struct {
	title, summary string
	err            error
	calls          int
}

func (s *stubSummarizer) Summarize(ctx context.Context, transcript string) (string, string, error) {
	s.calls++
	return s.title, s.summary, s.err
}

func TestAddMessageCreatesAndAccumulates(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	conv1, err := m.AddMessage(ctx, Message{Role: "user", Content: "one"}, nil)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	conv2, err := m.AddMessage(ctx, Message{Role: "assistant", Content: "two"}, nil)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	if conv1.ID != conv2.ID {
		t.Error("messages within the timeout must share a conversation")
	}
	if len(conv2.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv2.Messages))
	}
	if conv2.Messages[0].Content != "one" || conv2.Messages[1].Content != "two" {
		t.Error("message order not preserved")
	}

	active, err := m.ActiveConversation()
	if err != nil || active == nil {
		t.Fatalf("ActiveConversation: %v, %v", active, err)
	}
	if active.EndedAt != nil {
		t.Error("active conversation must not be ended")
	}
}

func TestIdleTimeoutStartsNewConversation(t *testing.T) {
	m := newTestManager(t, Config{IdleTimeout: 30 * time.Minute})
	ctx := context.Background()

	old, err := m.AddMessage(ctx, Message{
		Role:      "user",
		Content:   "stale",
		Timestamp: time.Now().Add(-31 * time.Minute),
	}, nil)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	fresh, err := m.AddMessage(ctx, Message{Role: "user", Content: "new topic"}, nil)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	if fresh.ID == old.ID {
		t.Fatal("expected a conversation boundary after the idle timeout")
	}
	if len(fresh.Messages) != 1 {
		t.Errorf("new conversation messages = %d, want 1", len(fresh.Messages))
	}

	recent, err := m.RecentConversations(1)
	if err != nil {
		t.Fatalf("RecentConversations: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != old.ID {
		t.Fatalf("recent = %+v", recent)
	}
	if recent[0].EndedAt == nil {
		t.Error("idle-ended conversation must have EndedAt set")
	}
}

func TestIdleEndUsesSummarizer(t *testing.T) {
	m := newTestManager(t, Config{IdleTimeout: time.Minute})
	ctx := context.Background()

	sum := &stubSummarizer{title: "Cat notes", summary: "Talked about cats."}

	if _, err := m.AddMessage(ctx, Message{
		Role: "user", Content: "cats", Timestamp: time.Now().Add(-2 * time.Minute),
	}, sum); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if _, err := m.AddMessage(ctx, Message{Role: "user", Content: "dogs"}, sum); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	if sum.calls != 1 {
		t.Errorf("summarizer calls = %d, want 1", sum.calls)
	}
	recent, _ := m.RecentConversations(1)
	if recent[0].Title != "Cat notes" || recent[0].Summary != "Talked about cats." {
		t.Errorf("title/summary = %q/%q", recent[0].Title, recent[0].Summary)
	}
}

func TestSummarizerFailureFallsBackToPlaceholders(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if _, err := m.AddMessage(ctx, Message{Role: "user", Content: "hi"}, nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	sum := &stubSummarizer{err: errors.New("backend down")}
	if err := m.EndConversation(ctx, sum); err != nil {
		t.Fatalf("EndConversation must not propagate summary failure: %v", err)
	}

	recent, _ := m.RecentConversations(1)
	if recent[0].Title == "" || recent[0].Summary == "" {
		t.Error("expected placeholder title and summary")
	}
}

func TestEndHookReceivesSnapshot(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	ended := make(chan Conversation, 1)
	m.OnConversationEnd(func(conv Conversation) { ended <- conv })

	conv, err := m.AddMessage(ctx, Message{Role: "user", Content: "hello"}, nil)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	sum := &stubSummarizer{title: "Greeting", summary: "Said hello."}
	if err := m.EndConversation(ctx, sum); err != nil {
		t.Fatalf("EndConversation: %v", err)
	}

	select {
	case got := <-ended:
		if got.ID != conv.ID {
			t.Errorf("hook conversation = %s, want %s", got.ID, conv.ID)
		}
		if got.EndedAt == nil || got.Title != "Greeting" || got.Summary != "Said hello." {
			t.Errorf("snapshot = %+v", got)
		}
		if len(got.Messages) != 1 {
			t.Errorf("snapshot messages = %d", len(got.Messages))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("end hook never fired")
	}
}

func TestEndHookSkippedForEmptyConversation(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	fired := make(chan Conversation, 1)
	m.OnConversationEnd(func(conv Conversation) { fired <- conv })

	// An active conversation with no messages.
	if _, err := m.createLocked(); err != nil {
		t.Fatalf("createLocked: %v", err)
	}
	if err := m.EndConversation(ctx, nil); err != nil {
		t.Fatalf("EndConversation: %v", err)
	}

	select {
	case <-fired:
		t.Error("hook must not fire for an empty conversation")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEndConversationNoActive(t *testing.T) {
	m := newTestManager(t, Config{})
	if err := m.EndConversation(context.Background(), nil); err != nil {
		t.Errorf("ending with no active conversation should be a no-op: %v", err)
	}
}

func TestForkArchivesSuffix(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	contents := []string{"a", "b", "c", "d"}
	var conv *Conversation
	for _, c := range contents {
		var err error
		conv, err = m.AddMessage(ctx, Message{Role: "user", Content: c}, nil)
		if err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	forkAt := conv.Messages[1].ID
	result, err := m.ForkConversation(forkAt)
	if err != nil {
		t.Fatalf("ForkConversation: %v", err)
	}

	if result.ForkPoint != 1 {
		t.Errorf("fork point = %d, want 1", result.ForkPoint)
	}
	if len(result.Archived) != 3 {
		t.Fatalf("archived = %d, want 3", len(result.Archived))
	}
	for i, want := range []string{"b", "c", "d"} {
		if result.Archived[i].Content != want {
			t.Errorf("archived[%d] = %q, want %q", i, result.Archived[i].Content, want)
		}
	}

	// Active conversation is truncated and the suffix never comes back.
	active, _ := m.ActiveConversation()
	if len(active.Messages) != 1 || active.Messages[0].Content != "a" {
		t.Fatalf("active after fork = %+v", active.Messages)
	}

	after, err := m.AddMessage(ctx, Message{Role: "user", Content: "b2"}, nil)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if len(after.Messages) != 2 {
		t.Errorf("messages after resend = %d, want 2", len(after.Messages))
	}

	// The branch is persisted with the archived messages intact.
	full, err := m.Conversation(conv.ID)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(full.Branches) != 1 {
		t.Fatalf("branches = %d, want 1", len(full.Branches))
	}
	if len(full.Branches[0].Messages) != 3 {
		t.Errorf("branch messages = %d, want 3", len(full.Branches[0].Messages))
	}
}

func TestForkErrors(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if _, err := m.ForkConversation("x"); err == nil {
		t.Error("fork with no active conversation should fail")
	}

	if _, err := m.AddMessage(ctx, Message{Role: "user", Content: "hi"}, nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if _, err := m.ForkConversation("not-a-message"); err == nil {
		t.Error("fork at unknown message should fail")
	}
}

func TestRetentionPrunesOldest(t *testing.T) {
	m := newTestManager(t, Config{MaxRetained: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		conv, err := m.AddMessage(ctx, Message{Role: "user", Content: "m"}, nil)
		if err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
		ids = append(ids, conv.ID)
		if err := m.EndConversation(ctx, nil); err != nil {
			t.Fatalf("EndConversation: %v", err)
		}
		// Distinct ended_at ordering.
		time.Sleep(5 * time.Millisecond)
	}
	// A fifth conversation triggers the prune on creation.
	if _, err := m.AddMessage(ctx, Message{Role: "user", Content: "m"}, nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	recent, err := m.RecentConversations(10)
	if err != nil {
		t.Fatalf("RecentConversations: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("retained = %d, want 2", len(recent))
	}
	// The survivors are the two most recently ended.
	if recent[0].ID != ids[3] || recent[1].ID != ids[2] {
		t.Errorf("retained ids = %s, %s; want %s, %s", recent[0].ID, recent[1].ID, ids[3], ids[2])
	}

	// Pruned conversations take their messages with them.
	gone, err := m.Conversation(ids[0])
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if gone != nil {
		t.Error("oldest conversation should be deleted")
	}
}

func TestPendingStateRoundTrip(t *testing.T) {
	m := newTestManager(t, Config{})

	state := State{
		IsWaitingForResponse: true,
		Pending: &PendingContext{
			OriginalMessageID:  "msg-1",
			ToolCallsCompleted: 2,
			LastAgentMessage:   "Which folder?",
			CreatedAt:          time.Now().UTC().Truncate(time.Second),
		},
	}

	if err := m.SavePendingState("conv-1", state); err != nil {
		t.Fatalf("SavePendingState: %v", err)
	}

	got, err := m.PendingState("conv-1")
	if err != nil {
		t.Fatalf("PendingState: %v", err)
	}
	if !got.IsWaitingForResponse || got.Pending == nil {
		t.Fatalf("state = %+v", got)
	}
	if got.Pending.LastAgentMessage != "Which folder?" || got.Pending.ToolCallsCompleted != 2 {
		t.Errorf("pending = %+v", got.Pending)
	}

	if err := m.ClearPendingState("conv-1"); err != nil {
		t.Fatalf("ClearPendingState: %v", err)
	}
	got, err = m.PendingState("conv-1")
	if err != nil {
		t.Fatalf("PendingState: %v", err)
	}
	if got.IsWaitingForResponse {
		t.Error("cleared state should read as not waiting")
	}

	// Clearing twice is fine.
	if err := m.ClearPendingState("conv-1"); err != nil {
		t.Errorf("double clear: %v", err)
	}
}

func TestSaveNonWaitingStateClears(t *testing.T) {
	m := newTestManager(t, Config{})

	m.SavePendingState("c", State{
		IsWaitingForResponse: true,
		Pending:              &PendingContext{LastAgentMessage: "q"},
	})
	if err := m.SavePendingState("c", State{}); err != nil {
		t.Fatalf("SavePendingState: %v", err)
	}

	got, _ := m.PendingState("c")
	if got.IsWaitingForResponse {
		t.Error("saving a non-waiting state should clear the record")
	}
}

func TestContextPrompt(t *testing.T) {
	m := newTestManager(t, Config{ContextSummaries: 5})
	ctx := context.Background()

	sum := &stubSummarizer{title: "Groceries", summary: "Planned the shopping list."}
	if _, err := m.AddMessage(ctx, Message{Role: "user", Content: "milk"}, nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if err := m.EndConversation(ctx, sum); err != nil {
		t.Fatalf("EndConversation: %v", err)
	}

	if _, err := m.AddMessage(ctx, Message{Role: "user", Content: "plan my week"}, nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if _, err := m.AddMessage(ctx, Message{
		Role: "assistant", Content: "Done.", ToolsUsed: []string{"write_note"},
	}, nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	prompt, err := m.ContextPrompt()
	if err != nil {
		t.Fatalf("ContextPrompt: %v", err)
	}

	for _, want := range []string{
		"## Previous Conversations",
		"Groceries: Planned the shopping list.",
		"## Current Conversation",
		"plan my week",
		"[used: write_note]",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestImportLegacyHistory(t *testing.T) {
	m := newTestManager(t, Config{})

	path := filepath.Join(t.TempDir(), "history.json")
	hist := legacyHistory{RecentConversations: []legacyEntry{
		{
			ID:                "legacy-1",
			Timestamp:         time.Now().Add(-24 * time.Hour),
			UserMessage:       "old question",
			AssistantResponse: "old answer",
			ToolsUsed:         []string{"read_note"},
		},
		{},
	}}
	data, _ := json.Marshal(hist)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write history: %v", err)
	}

	if err := m.ImportLegacyHistory(path); err != nil {
		t.Fatalf("ImportLegacyHistory: %v", err)
	}

	conv, err := m.Conversation("legacy-1")
	if err != nil || conv == nil {
		t.Fatalf("imported conversation: %v, %v", conv, err)
	}
	if conv.EndedAt == nil {
		t.Error("imported conversations must be ended")
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	if conv.Messages[1].ToolsUsed[0] != "read_note" {
		t.Errorf("tools_used = %v", conv.Messages[1].ToolsUsed)
	}

	// The blob is renamed aside so the import never repeats.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("history file should be renamed after import")
	}
	if _, err := os.Stat(path + ".migrated"); err != nil {
		t.Error("renamed history file missing")
	}

	// A missing file is a no-op.
	if err := m.ImportLegacyHistory(path); err != nil {
		t.Errorf("second import: %v", err)
	}
}

func TestImportSkippedWhenPopulated(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if _, err := m.AddMessage(ctx, Message{Role: "user", Content: "hi"}, nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	path := filepath.Join(t.TempDir(), "history.json")
	data, _ := json.Marshal(legacyHistory{RecentConversations: []legacyEntry{
		{ID: "legacy-1", UserMessage: "old"},
	}})
	os.WriteFile(path, data, 0o644)

	if err := m.ImportLegacyHistory(path); err != nil {
		t.Fatalf("ImportLegacyHistory: %v", err)
	}
	conv, _ := m.Conversation("legacy-1")
	if conv != nil {
		t.Error("import must be skipped when the database is populated")
	}
}
