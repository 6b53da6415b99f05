// Package vcs tracks the vault in a git repository and commits the
// agent's changes after successful turns.
package vcs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const authorEmail = "burrow@localhost"

// Metadata is attached to every auto-commit as a structured trailer so
// vault history can be traced back to the conversation that caused it.
type Metadata struct {
	ConversationID string
	ToolsUsed      []string
	FilesAffected  []string
	Source         string
}

// Repo wraps a git worktree rooted at the vault.
type Repo struct {
	repo   *git.Repository
	wt     *git.Worktree
	path   string
	author string
	logger *slog.Logger
}

// Open opens the repository at path, initializing one (with a seeded
// .gitignore) when none exists.
func Open(path, authorName string, logger *slog.Logger) (*Repo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if authorName == "" {
		authorName = "Burrow"
	}

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(path, false)
		if err != nil {
			return nil, fmt.Errorf("init repository: %w", err)
		}
		seedGitignore(path, logger)
		logger.Info("initialized vault repository", "path", path)
	} else if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}

	return &Repo{
		repo:   repo,
		wt:     wt,
		path:   path,
		author: authorName,
		logger: logger.With("component", "vcs"),
	}, nil
}

// seedGitignore keeps agent state out of vault history.
func seedGitignore(path string, logger *slog.Logger) {
	ignorePath := filepath.Join(path, ".gitignore")
	if _, err := os.Stat(ignorePath); err == nil {
		return
	}
	content := ".burrow/\n.trash/\n"
	if err := os.WriteFile(ignorePath, []byte(content), 0o644); err != nil {
		logger.Warn("failed to seed .gitignore", "error", err)
	}
}

// HasChanges reports whether the worktree has uncommitted changes.
func (r *Repo) HasChanges() (bool, error) {
	status, err := r.wt.Status()
	if err != nil {
		return false, fmt.Errorf("worktree status: %w", err)
	}
	return !status.IsClean(), nil
}

// ChangedFiles returns the paths with uncommitted changes, sorted.
func (r *Repo) ChangedFiles() ([]string, error) {
	status, err := r.wt.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}

	var files []string
	for path, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// CommitAll stages everything and commits with the given summary and a
// metadata trailer. Returns the commit hash.
func (r *Repo) CommitAll(summary string, meta Metadata) (string, error) {
	if err := r.wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	hash, err := r.wt.Commit(commitMessage(summary, meta), &git.CommitOptions{
		Author: &object.Signature{
			Name:  r.author,
			Email: authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("vault changes committed",
		"commit", hash.String()[:8],
		"files", len(meta.FilesAffected),
		"conversation", meta.ConversationID,
	)
	return hash.String(), nil
}

// commitMessage renders the conventional subject line plus the
// burrow-metadata trailer block.
func commitMessage(summary string, meta Metadata) string {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		summary = "agent changes"
	}
	// Keep the subject line a subject line.
	if i := strings.IndexByte(summary, '\n'); i >= 0 {
		summary = summary[:i]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "chore(vault): %s\n\nburrow-metadata:\n", summary)
	if meta.ConversationID != "" {
		fmt.Fprintf(&b, "  conversation: %s\n", meta.ConversationID)
	}
	if len(meta.ToolsUsed) > 0 {
		fmt.Fprintf(&b, "  tools: %s\n", strings.Join(meta.ToolsUsed, ", "))
	}
	if len(meta.FilesAffected) > 0 {
		fmt.Fprintf(&b, "  files: %s\n", strings.Join(meta.FilesAffected, ", "))
	}
	if meta.Source != "" {
		fmt.Fprintf(&b, "  source: %s\n", meta.Source)
	}
	return b.String()
}
