package processor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/conversation"
	"github.com/burrowhq/burrow/internal/llm"
)

func waitForFile(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil {
			return string(data)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("file %s never appeared", path)
	return ""
}

func TestRetrospectionOnConversationEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.main.steps = []func() (*llm.Response, error){
		textStep("Title: Cat notes\nSummary: Organized the cat notes."),
		textStep("The user tidied their cat notes. Smooth session; they prefer short confirmations."),
	}

	if _, err := f.conv.AddMessage(context.Background(), conversation.Message{
		Role: "user", Content: "organize my cat notes",
	}, nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	if err := f.conv.EndConversation(context.Background(), f.proc.summarizer()); err != nil {
		t.Fatalf("EndConversation: %v", err)
	}

	// The journal is written off the message path; wait for it.
	content := waitForFile(t, f.proc.retrospectionPath())
	if !strings.Contains(content, "## Cat notes (") {
		t.Errorf("entry heading missing: %q", content)
	}
	if !strings.Contains(content, "prefer short confirmations") {
		t.Errorf("reflection text missing: %q", content)
	}
}

func TestRetrospectionNewestFirst(t *testing.T) {
	f := newFixture(t, nil)

	older := conversation.Conversation{Title: "First topic", Messages: []conversation.Message{{Role: "user", Content: "a"}}}
	newer := conversation.Conversation{Title: "Second topic", Messages: []conversation.Message{{Role: "user", Content: "b"}}}

	if err := f.proc.writeRetrospection(older, "first reflection"); err != nil {
		t.Fatalf("writeRetrospection: %v", err)
	}
	if err := f.proc.writeRetrospection(newer, "second reflection"); err != nil {
		t.Fatalf("writeRetrospection: %v", err)
	}

	data, err := os.ReadFile(f.proc.retrospectionPath())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	second := strings.Index(content, "Second topic")
	first := strings.Index(content, "First topic")
	if second < 0 || first < 0 || second > first {
		t.Errorf("entries not newest-first:\n%s", content)
	}
}

func TestRetrospectionPathPrefersVault(t *testing.T) {
	vaultDir := t.TempDir()
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Vault.Path = vaultDir
	})

	want := filepath.Join(vaultDir, ".burrow", "retrospection.md")
	if got := f.proc.retrospectionPath(); got != want {
		t.Errorf("path = %q, want %q", got, want)
	}

	plain := newFixture(t, nil)
	if got := plain.proc.retrospectionPath(); got != filepath.Join(plain.proc.cfg.DataDir, "retrospection.md") {
		t.Errorf("path without vault = %q", got)
	}
}

func TestRetrospectionFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, nil)
	f.main.steps = []func() (*llm.Response, error){errStep(llm.KindServer)}

	conv := conversation.Conversation{
		ID:       "conv-1",
		Title:    "Broken",
		Messages: []conversation.Message{{Role: "user", Content: "hello"}},
	}
	f.proc.retrospect(conv)

	if _, err := os.Stat(f.proc.retrospectionPath()); !os.IsNotExist(err) {
		t.Error("failed retrospection must not create a journal entry")
	}
}
