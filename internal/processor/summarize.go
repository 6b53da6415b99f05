package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/burrowhq/burrow/internal/conversation"
	"github.com/burrowhq/burrow/internal/llm"
)

const summaryPrompt = `Summarize the following conversation between a user and their note assistant.

Reply with exactly two lines:
Title: <a short title, at most 8 words>
Summary: <one or two sentences covering what was discussed and done>

Conversation:
%s`

// summarizer returns the title/summary generator the conversation
// manager calls when it ends a session. Each call uses a fresh,
// tool-free backend call against the main model.
func (p *Processor) summarizer() conversation.Summarizer {
	return &llmSummarizer{
		client: p.newClient(p.cfg.Anthropic.Model),
	}
}

type llmSummarizer struct {
	client llm.Client
}

func (s *llmSummarizer) Summarize(ctx context.Context, transcript string) (string, string, error) {
	resp, err := s.client.SendMessage(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(summaryPrompt, transcript)},
	}, nil, "")
	if err != nil {
		return "", "", err
	}

	title, summary := parseSummaryReply(resp.Message.Content)
	if title == "" && summary == "" {
		return "", "", fmt.Errorf("reply contained no Title/Summary lines: %q", resp.Message.Content)
	}
	return title, summary, nil
}

// parseSummaryReply extracts the two labeled lines, tolerating extra
// prose around them.
func parseSummaryReply(reply string) (title, summary string) {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case title == "" && strings.HasPrefix(line, "Title:"):
			title = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
		case summary == "" && strings.HasPrefix(line, "Summary:"):
			summary = strings.TrimSpace(strings.TrimPrefix(line, "Summary:"))
		}
	}
	return title, summary
}
