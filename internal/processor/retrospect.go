package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/burrowhq/burrow/internal/conversation"
	"github.com/burrowhq/burrow/internal/llm"
)

const retrospectionTimeout = 2 * time.Minute

const retrospectionPrompt = `Reflect briefly on the following finished conversation between a user and their note assistant.

Write 2-4 sentences: what the user was trying to accomplish, how well it went, and anything worth remembering for future conversations (preferences, recurring topics, friction). Write plainly, no headings, no lists.

Conversation:
%s`

// retrospect writes a short reflection on an ended conversation to the
// retrospection journal. Runs on the conversation manager's end hook,
// off the message path; every failure is logged and swallowed.
func (p *Processor) retrospect(conv conversation.Conversation) {
	ctx, cancel := context.WithTimeout(context.Background(), retrospectionTimeout)
	defer cancel()

	client := p.newClient(p.cfg.Anthropic.Model)
	resp, err := client.SendMessage(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(retrospectionPrompt, conversation.Transcript(conv.Messages))},
	}, nil, "")
	if err != nil {
		p.logger.Warn("retrospection generation failed", "conversation", conv.ID, "error", err)
		return
	}

	reflection := strings.TrimSpace(resp.Message.Content)
	if reflection == "" {
		p.logger.Warn("retrospection reply was empty", "conversation", conv.ID)
		return
	}

	if err := p.writeRetrospection(conv, reflection); err != nil {
		p.logger.Warn("failed to write retrospection entry", "conversation", conv.ID, "error", err)
		return
	}
	p.logger.Info("retrospection recorded", "conversation", conv.ID)
}

// retrospectionPath places the journal inside the vault's data
// directory when a vault is configured (readable in the user's notes
// app, shielded from the agent's own tools by the protected-path
// rules), and under the data dir otherwise.
func (p *Processor) retrospectionPath() string {
	if p.vault != nil && p.vault.Enabled() {
		return filepath.Join(p.cfg.Vault.Path, ".burrow", "retrospection.md")
	}
	return filepath.Join(p.cfg.DataDir, "retrospection.md")
}

// writeRetrospection prepends an entry so the newest reflection reads
// first, matching journal conventions.
func (p *Processor) writeRetrospection(conv conversation.Conversation, reflection string) error {
	path := p.retrospectionPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create retrospection directory: %w", err)
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read retrospection journal: %w", err)
	}

	title := conv.Title
	if title == "" {
		title = "Conversation"
	}
	when := time.Now()
	if conv.EndedAt != nil {
		when = *conv.EndedAt
	}

	entry := fmt.Sprintf("## %s (%s)\n\n%s\n", title, when.Format("Jan 2, 2006 3:04 PM"), reflection)
	content := entry
	if len(existing) > 0 {
		content = entry + "\n" + string(existing)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write retrospection journal: %w", err)
	}
	return nil
}
