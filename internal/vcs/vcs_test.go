package vcs

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5"
)

func newTestRepo(t *testing.T) (*Repo, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(dir, "Test Author", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r, dir
}

func TestOpenInitializesWithGitignore(t *testing.T) {
	_, dir := newTestRepo(t)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		t.Fatalf("repository not initialized: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		t.Fatalf("gitignore not seeded: %v", err)
	}
	if !strings.Contains(string(data), ".burrow/") {
		t.Errorf("gitignore = %q", data)
	}
}

func TestOpenExistingRepoKeepsGitignore(t *testing.T) {
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	custom := "my-rules\n"
	os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(custom), 0o644)

	if _, err := Open(dir, "", slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if string(data) != custom {
		t.Errorf("existing gitignore overwritten: %q", data)
	}
}

func TestHasChangesAndChangedFiles(t *testing.T) {
	r, dir := newTestRepo(t)

	// A fresh repo only has the seeded .gitignore.
	os.WriteFile(filepath.Join(dir, "beta.md"), []byte("# Beta\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "alpha.md"), []byte("# Alpha\n"), 0o644)

	dirty, err := r.HasChanges()
	if err != nil {
		t.Fatalf("HasChanges: %v", err)
	}
	if !dirty {
		t.Fatal("expected uncommitted changes")
	}

	files, err := r.ChangedFiles()
	if err != nil {
		t.Fatalf("ChangedFiles: %v", err)
	}
	// Sorted, and includes the seeded .gitignore.
	want := []string{".gitignore", "alpha.md", "beta.md"}
	if len(files) != len(want) {
		t.Fatalf("files = %v", files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("files = %v, want %v", files, want)
		}
	}
}

func TestCommitAll(t *testing.T) {
	r, dir := newTestRepo(t)
	os.WriteFile(filepath.Join(dir, "cats.md"), []byte("# Cats\n"), 0o644)

	hash, err := r.CommitAll("add cats note", Metadata{
		ConversationID: "conv-1",
		ToolsUsed:      []string{"create_note"},
		FilesAffected:  []string{"cats.md"},
		Source:         "relay",
	})
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if hash == "" {
		t.Fatal("empty commit hash")
	}

	dirty, err := r.HasChanges()
	if err != nil {
		t.Fatalf("HasChanges: %v", err)
	}
	if dirty {
		t.Error("worktree should be clean after commit")
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		t.Fatalf("CommitObject: %v", err)
	}
	if !strings.HasPrefix(commit.Message, "chore(vault): add cats note\n") {
		t.Errorf("subject = %q", commit.Message)
	}
	if !strings.Contains(commit.Message, "burrow-metadata:") ||
		!strings.Contains(commit.Message, "conversation: conv-1") ||
		!strings.Contains(commit.Message, "tools: create_note") {
		t.Errorf("trailer missing: %q", commit.Message)
	}
	if commit.Author.Name != "Test Author" || commit.Author.Email != authorEmail {
		t.Errorf("author = %s <%s>", commit.Author.Name, commit.Author.Email)
	}
}

func TestCommitMessage(t *testing.T) {
	msg := commitMessage("update daily note\nextra line ignored", Metadata{
		ToolsUsed: []string{"append_note", "write_note"},
		Source:    "cli",
	})
	lines := strings.Split(msg, "\n")
	if lines[0] != "chore(vault): update daily note" {
		t.Errorf("subject = %q", lines[0])
	}
	if strings.Contains(msg, "extra line ignored") {
		t.Error("multi-line summary must be truncated to the subject")
	}
	if !strings.Contains(msg, "tools: append_note, write_note") {
		t.Errorf("tools trailer missing: %q", msg)
	}
	if strings.Contains(msg, "conversation:") {
		t.Error("empty metadata fields must be omitted")
	}

	if got := commitMessage("  ", Metadata{}); !strings.HasPrefix(got, "chore(vault): agent changes") {
		t.Errorf("fallback subject = %q", got)
	}
}
