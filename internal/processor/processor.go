// Package processor runs the message pipeline: spool, acknowledge,
// agent turn with retry, conversation recording, notification, and the
// optional vault auto-commit.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/conversation"
	"github.com/burrowhq/burrow/internal/engine"
	"github.com/burrowhq/burrow/internal/inbox"
	"github.com/burrowhq/burrow/internal/llm"
	"github.com/burrowhq/burrow/internal/relay"
	"github.com/burrowhq/burrow/internal/tools"
	"github.com/burrowhq/burrow/internal/vault"
	"github.com/burrowhq/burrow/internal/vcs"
)

const (
	// maxAttempts bounds the retry policy per pipeline invocation.
	maxAttempts = 3
	// backoffBase is the first retry delay; doubles per attempt.
	backoffBase = time.Second
)

// ResponseEvent reports the final outcome of one processed message.
type ResponseEvent struct {
	MessageID       string
	Success         bool
	Response        string
	Error           string
	OriginalMessage string
	ToolsUsed       []string
}

// AgentMessage is a mid-turn message from the agent to the user,
// emitted by the send_message tool before the turn completes.
type AgentMessage struct {
	Content    string
	IsQuestion bool
	Timestamp  time.Time
}

// ClientFactory builds an LLM client for a given model. Swapped out in
// tests for a scripted backend.
type ClientFactory func(model string) llm.Client

// Options wires a Processor's collaborators. Vault, Repo, and Relay
// are optional; a nil Relay disables acks and notifications, a nil
// Repo disables auto-commit.
type Options struct {
	Config        *config.Config
	Conversations *conversation.Manager
	Inbox         *inbox.Store
	Vault         *vault.Store
	Repo          *vcs.Repo
	Relay         *relay.Client
	Logger        *slog.Logger
	ClientFactory ClientFactory
}

// Processor is the message pipeline. Safe for concurrent Process
// calls: each builds its own engine, and the conversation manager
// serializes its own writes.
type Processor struct {
	cfg           *config.Config
	conversations *conversation.Manager
	inbox         *inbox.Store
	vault         *vault.Store
	repo          *vcs.Repo
	relay         *relay.Client
	logger        *slog.Logger
	newClient     ClientFactory

	// sleep is replaced in tests so retry backoff runs instantly.
	sleep func(ctx context.Context, d time.Duration) error

	subMu        sync.Mutex
	nextSubID    int
	responseSubs map[int]func(ResponseEvent)
	receivedSubs map[int]func(inbox.Message)
	agentSubs    map[int]func(AgentMessage)
}

// New creates a processor.
func New(opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Processor{
		cfg:           opts.Config,
		conversations: opts.Conversations,
		inbox:         opts.Inbox,
		vault:         opts.Vault,
		repo:          opts.Repo,
		relay:         opts.Relay,
		logger:        logger.With("component", "processor"),
		newClient:     opts.ClientFactory,
		sleep:         sleepCtx,
		responseSubs:  map[int]func(ResponseEvent){},
		receivedSubs:  map[int]func(inbox.Message){},
		agentSubs:     map[int]func(AgentMessage){},
	}

	if p.newClient == nil {
		p.newClient = func(model string) llm.Client {
			return llm.NewAnthropicClient(
				opts.Config.Anthropic.APIKey,
				model,
				logger,
				llm.WithMaxTokens(opts.Config.Anthropic.MaxTokens),
			)
		}
	}

	// Every ended conversation gets a retrospection journal entry.
	if p.conversations != nil {
		p.conversations.OnConversationEnd(p.retrospect)
	}
	return p
}

// Process runs the full pipeline for one inbound message. skipAck is
// set when replaying spooled messages after a restart: the original
// sender already got (or will never get) the ack.
//
// Failure semantics: a spool failure is terminal and reported
// immediately. A turn failure after retries notifies the caller with a
// friendly error and leaves the spool entry for reprocessing. Success
// deletes the entry last, after the outcome is recorded, so a crash at
// any earlier point replays the message.
func (p *Processor) Process(ctx context.Context, msg *inbox.Message, skipAck bool) error {
	if _, err := p.inbox.Save(msg); err != nil {
		p.logger.Error("failed to spool message", "id", msg.ID, "error", err)
		p.emitResponse(ResponseEvent{
			MessageID:       msg.ID,
			Error:           "Failed to save the message. It will not be retried.",
			OriginalMessage: msg.Text,
		})
		return fmt.Errorf("spool message: %w", err)
	}

	if !skipAck && p.relay != nil {
		if err := p.relay.SendAck(msg.ID); err != nil {
			p.logger.Warn("failed to ack message", "id", msg.ID, "error", err)
		}
	}
	p.emitReceived(*msg)

	contextPrompt, err := p.buildContext(msg)
	if err != nil {
		p.logger.Warn("failed to build conversation context", "error", err)
	}

	result, eng, err := p.runTurn(ctx, msg, contextPrompt)
	if err != nil {
		friendly := friendlyError(err)
		p.logger.Error("message processing failed",
			"id", msg.ID,
			"kind", llm.KindOf(err),
			"error", err,
		)
		p.emitResponse(ResponseEvent{
			MessageID:       msg.ID,
			Error:           friendly,
			OriginalMessage: msg.Text,
		})
		if p.relay != nil {
			if sendErr := p.relay.SendResponse(relay.Response{MessageID: msg.ID, Error: friendly}); sendErr != nil {
				p.logger.Warn("failed to send error response", "id", msg.ID, "error", sendErr)
			}
		}
		// Entry stays spooled for reprocessing on next startup.
		return err
	}

	conv := p.record(ctx, msg, result)

	p.emitResponse(ResponseEvent{
		MessageID:       msg.ID,
		Success:         true,
		Response:        result.Text,
		OriginalMessage: msg.Text,
		ToolsUsed:       result.ToolsUsed,
	})
	if p.relay != nil {
		if err := p.relay.SendResponse(relay.Response{
			MessageID: msg.ID,
			Success:   true,
			Response:  result.Text,
			ToolsUsed: result.ToolsUsed,
		}); err != nil {
			p.logger.Warn("failed to send response", "id", msg.ID, "error", err)
		}
	}

	if conv != nil {
		if state := eng.State(); state.IsWaitingForResponse {
			if err := p.conversations.SavePendingState(conv.ID, state); err != nil {
				p.logger.Warn("failed to persist pending state", "conversation", conv.ID, "error", err)
			}
		}
	}

	p.autoCommit(ctx, conv, msg, result)

	if err := p.inbox.Delete(msg.ID); err != nil {
		p.logger.Warn("failed to remove spooled message", "id", msg.ID, "error", err)
	}

	return nil
}

// buildContext assembles the system-prompt context: conversation
// history plus, when the agent asked a question last turn, a pending
// question block. The pending state is cleared here; this message is
// its answer.
func (p *Processor) buildContext(msg *inbox.Message) (string, error) {
	prompt, err := p.conversations.ContextPrompt()
	if err != nil {
		return "", err
	}

	active, err := p.conversations.ActiveConversation()
	if err != nil || active == nil {
		return prompt, err
	}

	state, err := p.conversations.PendingState(active.ID)
	if err != nil {
		return prompt, err
	}
	if state.IsWaitingForResponse && state.Pending != nil {
		block := fmt.Sprintf(
			"## Pending Question\nYou previously asked the user: %q\nTreat the incoming message as their answer and continue the task.",
			state.Pending.LastAgentMessage,
		)
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += block

		if err := p.conversations.ClearPendingState(active.ID); err != nil {
			p.logger.Warn("failed to clear pending state", "conversation", active.ID, "error", err)
		}
	}
	return prompt, nil
}

// runTurn executes the agent turn under the retry policy: up to
// maxAttempts, retryable errors only, doubling backoff. Each attempt
// gets a freshly built engine so history never carries over between
// attempts.
func (p *Processor) runTurn(ctx context.Context, msg *inbox.Message, contextPrompt string) (*engine.Result, *engine.Engine, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		eng, err := p.buildEngine(contextPrompt, msg)
		if err != nil {
			return nil, nil, err
		}

		result, err := eng.ProcessMessage(ctx, msg.ID, msg.Text)
		if err == nil {
			return result, eng, nil
		}
		lastErr = err

		if !llm.IsRetryable(err) || attempt == maxAttempts {
			break
		}

		delay := backoffBase << (attempt - 1)
		p.logger.Warn("turn failed, retrying",
			"id", msg.ID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := p.sleep(ctx, delay); err != nil {
			return nil, nil, lastErr
		}
	}
	return nil, nil, lastErr
}

// buildEngine constructs a single-turn engine with the full tool set.
func (p *Processor) buildEngine(contextPrompt string, msg *inbox.Message) (*engine.Engine, error) {
	client := p.newClient(p.cfg.Anthropic.Model)
	eng, err := engine.New(client, p.logger, engine.WithContextPrompt(contextPrompt))
	if err != nil {
		return nil, err
	}

	for _, t := range tools.VaultTools(p.vault) {
		eng.RegisterTool(t)
	}

	fromRelay := msg.Metadata["source"] == "relay"
	messenger := tools.Messenger{
		SendToChat: func(text string, isQuestion bool) {
			p.emitAgentMessage(AgentMessage{Content: text, IsQuestion: isQuestion, Timestamp: time.Now()})
		},
		SetWaiting: eng.SetWaiting,
	}
	if fromRelay && p.relay != nil {
		messenger.SendToRelay = func(text string, highPriority bool) {
			if err := p.relay.SendNotification(text, highPriority); err != nil {
				p.logger.Warn("failed to send notification", "error", err)
			}
		}
	}
	eng.RegisterTool(tools.SendMessageTool(messenger))

	eng.RegisterTool(tools.EndConversationTool(
		func() bool {
			active, err := p.conversations.ActiveConversation()
			return err == nil && active != nil
		},
		func(ctx context.Context) error {
			return p.conversations.EndConversation(ctx, p.summarizer())
		},
	))

	return eng, nil
}

// record appends the user and assistant turns to the conversation.
// Recording failures are logged, not surfaced: the turn already
// succeeded from the user's point of view.
func (p *Processor) record(ctx context.Context, msg *inbox.Message, result *engine.Result) *conversation.Conversation {
	summarizer := p.summarizer()

	conv, err := p.conversations.AddMessage(ctx, conversation.Message{
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
		Role:      "user",
		Content:   msg.Text,
	}, summarizer)
	if err != nil {
		p.logger.Error("failed to record user message", "id", msg.ID, "error", err)
		return nil
	}

	if result.Text != "" || len(result.ToolsUsed) > 0 {
		if _, err := p.conversations.AddMessage(ctx, conversation.Message{
			Role:      "assistant",
			Content:   result.Text,
			ToolsUsed: result.ToolsUsed,
		}, summarizer); err != nil {
			p.logger.Error("failed to record assistant message", "id", msg.ID, "error", err)
		}
	}
	return conv
}

// ReprocessPending replays every spooled message through the pipeline,
// oldest first, with acknowledgment skipped. Called once on startup.
func (p *Processor) ReprocessPending(ctx context.Context) error {
	pending, err := p.inbox.ListPending()
	if err != nil {
		return fmt.Errorf("list pending messages: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	p.logger.Info("reprocessing pending messages", "count", len(pending))
	for _, msg := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.Process(ctx, msg, true); err != nil {
			p.logger.Warn("pending message failed again, leaving spooled", "id", msg.ID, "error", err)
		}
	}
	return nil
}

// friendlyError maps a classified failure to the short string shown to
// the user. Raw error text never reaches the user.
func friendlyError(err error) string {
	switch llm.KindOf(err) {
	case llm.KindAuth:
		return "Invalid API credentials. Please check the configured API key."
	case llm.KindRateLimit:
		return "The model provider is rate limiting requests. Please try again in a moment."
	case llm.KindNetwork:
		return "Network problem reaching the model provider. The message will be retried."
	case llm.KindInvalidRequest:
		return "The request was rejected as malformed. Please rephrase and try again."
	default:
		return "Something went wrong while processing your message."
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- event subscriptions ------------------------------------------------

// OnResponse subscribes to final message outcomes. Returns an
// unsubscribe func.
func (p *Processor) OnResponse(fn func(ResponseEvent)) func() {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	p.responseSubs[id] = fn
	return func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		delete(p.responseSubs, id)
	}
}

// OnMessageReceived subscribes to message-intake events, for UI echo.
func (p *Processor) OnMessageReceived(fn func(inbox.Message)) func() {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	p.receivedSubs[id] = fn
	return func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		delete(p.receivedSubs, id)
	}
}

// OnAgentMessage subscribes to mid-turn agent messages.
func (p *Processor) OnAgentMessage(fn func(AgentMessage)) func() {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	p.agentSubs[id] = fn
	return func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		delete(p.agentSubs, id)
	}
}

func (p *Processor) emitResponse(ev ResponseEvent) {
	for _, fn := range p.snapshotResponseSubs() {
		fn(ev)
	}
}

func (p *Processor) emitReceived(msg inbox.Message) {
	p.subMu.Lock()
	subs := make([]func(inbox.Message), 0, len(p.receivedSubs))
	for _, fn := range p.receivedSubs {
		subs = append(subs, fn)
	}
	p.subMu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
}

func (p *Processor) emitAgentMessage(am AgentMessage) {
	p.subMu.Lock()
	subs := make([]func(AgentMessage), 0, len(p.agentSubs))
	for _, fn := range p.agentSubs {
		subs = append(subs, fn)
	}
	p.subMu.Unlock()
	for _, fn := range subs {
		fn(am)
	}
}

func (p *Processor) snapshotResponseSubs() []func(ResponseEvent) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	subs := make([]func(ResponseEvent), 0, len(p.responseSubs))
	for _, fn := range p.responseSubs {
		subs = append(subs, fn)
	}
	return subs
}
