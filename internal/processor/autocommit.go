package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/burrowhq/burrow/internal/conversation"
	"github.com/burrowhq/burrow/internal/engine"
	"github.com/burrowhq/burrow/internal/inbox"
	"github.com/burrowhq/burrow/internal/llm"
	"github.com/burrowhq/burrow/internal/tools"
	"github.com/burrowhq/burrow/internal/vcs"
)

const commitPrompt = `Write a git commit subject line (under 60 characters, imperative mood, no quotes, no trailing period) describing these note changes.

User request: %s
Files changed: %s

Reply with the subject line only.`

// autoCommit commits vault changes after a successful turn that used a
// mutating tool. Every failure here is logged and swallowed: the
// message already succeeded and a commit hiccup must not change that.
func (p *Processor) autoCommit(ctx context.Context, conv *conversation.Conversation, msg *inbox.Message, result *engine.Result) {
	if p.repo == nil || !p.cfg.AutoCommit.Enabled {
		return
	}
	if !usedMutatingTool(result.ToolsUsed) {
		return
	}

	changed, err := p.repo.HasChanges()
	if err != nil {
		p.logger.Warn("auto-commit: status check failed", "error", err)
		return
	}
	if !changed {
		return
	}

	files, err := p.repo.ChangedFiles()
	if err != nil {
		p.logger.Warn("auto-commit: listing changes failed", "error", err)
		return
	}

	meta := vcs.Metadata{
		ToolsUsed:     result.ToolsUsed,
		FilesAffected: files,
		Source:        msg.Metadata["source"],
	}
	if conv != nil {
		meta.ConversationID = conv.ID
	}

	hash, err := p.repo.CommitAll(p.commitSummary(ctx, msg.Text, files), meta)
	if err != nil {
		p.logger.Warn("auto-commit failed", "error", err)
		return
	}
	p.logger.Info("auto-committed vault changes", "commit", hash[:8], "files", len(files))
}

// commitSummary asks the cheap commit model for a subject line. The
// model is pinned independently of the agent model; commit messages
// never need the expensive one. Any failure falls back to a generic
// summary.
func (p *Processor) commitSummary(ctx context.Context, request string, files []string) string {
	client := p.newClient(p.cfg.Anthropic.CommitModel)

	resp, err := client.SendMessage(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(commitPrompt, truncate(request, 500), strings.Join(files, ", "))},
	}, nil, "")
	if err != nil {
		p.logger.Warn("commit message generation failed", "error", err)
		return fmt.Sprintf("update %d note(s)", len(files))
	}

	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return fmt.Sprintf("update %d note(s)", len(files))
	}
	return summary
}

func usedMutatingTool(toolsUsed []string) bool {
	for _, name := range toolsUsed {
		if tools.MutatingVaultTools[name] {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
