package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Config controls segmentation and retention.
type Config struct {
	// IdleTimeout is the message gap that ends the active conversation.
	IdleTimeout time.Duration
	// MaxRetained caps how many ended conversations are kept.
	MaxRetained int
	// ContextSummaries is how many recent ended-conversation summaries
	// ContextPrompt includes.
	ContextSummaries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:      30 * time.Minute,
		MaxRetained:      1000,
		ContextSummaries: 5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxRetained <= 0 {
		c.MaxRetained = d.MaxRetained
	}
	if c.ContextSummaries <= 0 {
		c.ContextSummaries = d.ContextSummaries
	}
}

// Manager owns the conversation store. All mutating operations take an
// internal mutex: concurrent pipeline runs may call AddMessage against
// the same active conversation, and the read-modify-write cycle must
// not interleave.
type Manager struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex

	// onEnd, when set, receives a snapshot of every conversation that
	// ends with at least one message. Called on its own goroutine so a
	// slow observer never blocks message delivery.
	onEnd func(Conversation)
}

// OnConversationEnd registers the hook called after a conversation
// ends. Set once during wiring, before traffic flows.
func (m *Manager) OnConversationEnd(fn func(Conversation)) {
	m.onEnd = fn
}

// NewManager opens (or creates) the conversation database.
func NewManager(dbPath string, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	m := &Manager{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "conversation"),
	}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return m, nil
}

func (m *Manager) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		ended_at   TEXT,
		title      TEXT,
		summary    TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		timestamp       TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		tools_used      TEXT,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS branches (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		archived_at     TEXT NOT NULL,
		messages        TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS pending_state (
		conversation_id TEXT PRIMARY KEY,
		payload         TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	);
	`
	_, err := m.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (m *Manager) Close() error {
	return m.db.Close()
}

// ActiveConversation returns the conversation with no end timestamp,
// or nil when every conversation has ended.
func (m *Manager) ActiveConversation() (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() (*Conversation, error) {
	row := m.db.QueryRow(`
		SELECT id, started_at, ended_at, title, summary
		FROM conversations WHERE ended_at IS NULL
	`)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active conversation: %w", err)
	}

	conv.Messages, err = m.loadMessages(conv.ID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// AddMessage appends a message to the active conversation, starting a
// new one first when none is active or the idle timeout has elapsed
// since the last message. The summarizer, when non-nil, generates the
// title/summary for an idle-ended conversation; summary failures never
// block the append.
func (m *Manager) AddMessage(ctx context.Context, msg Message, summarizer Summarizer) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.activeLocked()
	if err != nil {
		return nil, err
	}

	if active != nil && m.idleExpired(active) {
		m.logger.Info("conversation idle timeout, starting new conversation",
			"conversation", active.ID,
			"idle_timeout", m.cfg.IdleTimeout,
		)
		if err := m.endLocked(ctx, active, summarizer); err != nil {
			return nil, err
		}
		active = nil
	}

	if active == nil {
		active, err = m.createLocked()
		if err != nil {
			return nil, err
		}
		if err := m.enforceRetentionLocked(); err != nil {
			m.logger.Warn("failed to prune old conversations", "error", err)
		}
	}

	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if err := m.insertMessage(active.ID, len(active.Messages), msg); err != nil {
		return nil, err
	}
	active.Messages = append(active.Messages, msg)

	return active, nil
}

// idleExpired reports whether the gap since the conversation's last
// message exceeds the idle timeout. An empty conversation never
// expires.
func (m *Manager) idleExpired(conv *Conversation) bool {
	if len(conv.Messages) == 0 {
		return false
	}
	last := conv.Messages[len(conv.Messages)-1].Timestamp
	return time.Since(last) > m.cfg.IdleTimeout
}

func (m *Manager) createLocked() (*Conversation, error) {
	conv := &Conversation{
		ID:        newID(),
		StartedAt: time.Now().UTC(),
	}
	_, err := m.db.Exec(`
		INSERT INTO conversations (id, started_at) VALUES (?, ?)
	`, conv.ID, formatTime(conv.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// EndConversation marks the active conversation as ended. With a
// summarizer and a non-empty transcript it generates the title and
// summary; any generation failure falls back to placeholder text.
func (m *Manager) EndConversation(ctx context.Context, summarizer Summarizer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.activeLocked()
	if err != nil {
		return err
	}
	if active == nil {
		return nil
	}
	return m.endLocked(ctx, active, summarizer)
}

func (m *Manager) endLocked(ctx context.Context, conv *Conversation, summarizer Summarizer) error {
	endedAt := time.Now().UTC()
	title, summary := "", ""

	if summarizer != nil && len(conv.Messages) > 0 {
		t, s, err := summarizer.Summarize(ctx, Transcript(conv.Messages))
		if err != nil {
			m.logger.Warn("summary generation failed, using placeholders",
				"conversation", conv.ID,
				"error", err,
			)
		} else {
			title, summary = t, s
		}
	}
	if len(conv.Messages) > 0 {
		if title == "" {
			title = "Conversation on " + conv.StartedAt.Format("Jan 2, 2006")
		}
		if summary == "" {
			summary = "Summary unavailable."
		}
	}

	_, err := m.db.Exec(`
		UPDATE conversations SET ended_at = ?, title = ?, summary = ? WHERE id = ?
	`, formatTime(endedAt), nullable(title), nullable(summary), conv.ID)
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}

	// A pending question on an ended conversation can never be answered.
	if _, err := m.db.Exec(`DELETE FROM pending_state WHERE conversation_id = ?`, conv.ID); err != nil {
		m.logger.Warn("failed to clear pending state", "conversation", conv.ID, "error", err)
	}

	m.logger.Info("conversation ended",
		"conversation", conv.ID,
		"messages", len(conv.Messages),
		"title", title,
	)

	if m.onEnd != nil && len(conv.Messages) > 0 {
		snapshot := *conv
		snapshot.EndedAt = &endedAt
		snapshot.Title = title
		snapshot.Summary = summary
		go m.onEnd(snapshot)
	}
	return nil
}

// ForkConversation archives every message from the given message
// onward (inclusive) into a new branch and truncates the active
// conversation at that point. Used to let the user edit and resend an
// earlier turn without losing the abandoned continuation.
func (m *Manager) ForkConversation(messageID string) (*ForkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.activeLocked()
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, fmt.Errorf("no active conversation")
	}

	forkPoint := -1
	for i, msg := range active.Messages {
		if msg.ID == messageID {
			forkPoint = i
			break
		}
	}
	if forkPoint < 0 {
		return nil, fmt.Errorf("message %s not found in active conversation", messageID)
	}

	archived := active.Messages[forkPoint:]

	payload, err := json.Marshal(archived)
	if err != nil {
		return nil, fmt.Errorf("marshal branch: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO branches (id, conversation_id, archived_at, messages)
		VALUES (?, ?, ?, ?)
	`, newID(), active.ID, formatTime(time.Now().UTC()), string(payload))
	if err != nil {
		return nil, fmt.Errorf("archive branch: %w", err)
	}

	_, err = tx.Exec(`
		DELETE FROM messages WHERE conversation_id = ? AND seq >= ?
	`, active.ID, forkPoint)
	if err != nil {
		return nil, fmt.Errorf("truncate messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	m.logger.Info("conversation forked",
		"conversation", active.ID,
		"fork_point", forkPoint,
		"archived", len(archived),
	)

	result := &ForkResult{
		Archived:  make([]Message, len(archived)),
		ForkPoint: forkPoint,
	}
	copy(result.Archived, archived)
	return result, nil
}

// enforceRetentionLocked deletes the oldest ended conversations beyond
// the retention cap, along with their messages and branches.
func (m *Manager) enforceRetentionLocked() error {
	var ended int
	if err := m.db.QueryRow(
		`SELECT COUNT(*) FROM conversations WHERE ended_at IS NOT NULL`,
	).Scan(&ended); err != nil {
		return err
	}
	if ended <= m.cfg.MaxRetained {
		return nil
	}

	excess := ended - m.cfg.MaxRetained

	rows, err := m.db.Query(`
		SELECT id FROM conversations
		WHERE ended_at IS NOT NULL
		ORDER BY ended_at ASC LIMIT ?
	`, excess)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM branches WHERE conversation_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.logger.Info("pruned old conversations", "count", len(ids))
	return nil
}

// Conversation returns a single conversation with its messages and
// branches, or nil when the id is unknown.
func (m *Manager) Conversation(id string) (*Conversation, error) {
	row := m.db.QueryRow(`
		SELECT id, started_at, ended_at, title, summary
		FROM conversations WHERE id = ?
	`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	if conv.Messages, err = m.loadMessages(conv.ID); err != nil {
		return nil, err
	}
	if conv.Branches, err = m.loadBranches(conv.ID); err != nil {
		return nil, err
	}
	return conv, nil
}

// RecentConversations returns ended conversations, most recent first.
func (m *Manager) RecentConversations(limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := m.db.Query(`
		SELECT id, started_at, ended_at, title, summary
		FROM conversations
		WHERE ended_at IS NOT NULL
		ORDER BY ended_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, conv := range convs {
		if conv.Messages, err = m.loadMessages(conv.ID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// ContextPrompt renders the most recent ended-conversation summaries
// plus the full active transcript, for injection into the agent's
// system prompt.
func (m *Manager) ContextPrompt() (string, error) {
	m.mu.Lock()
	active, err := m.activeLocked()
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	recent, err := m.RecentConversations(m.cfg.ContextSummaries)
	if err != nil {
		return "", err
	}

	var b []string
	if len(recent) > 0 {
		section := "## Previous Conversations"
		// Oldest first reads naturally in a prompt.
		for i := len(recent) - 1; i >= 0; i-- {
			conv := recent[i]
			if conv.Summary == "" {
				continue
			}
			title := conv.Title
			if title == "" {
				title = conv.ID
			}
			section += fmt.Sprintf("\n- %s: %s", title, conv.Summary)
		}
		if section != "## Previous Conversations" {
			b = append(b, section)
		}
	}

	if active != nil && len(active.Messages) > 0 {
		b = append(b, "## Current Conversation\n"+Transcript(active.Messages))
	}

	return strings.Join(b, "\n\n"), nil
}

// Transcript renders messages in the form the summarizer and context
// prompt share: timestamped role-labelled lines with tool annotations.
func Transcript(messages []Message) string {
	var out string
	for i, msg := range messages {
		if i > 0 {
			out += "\n\n"
		}
		role := "User"
		if msg.Role == "assistant" {
			role = "Assistant"
		}
		tools := ""
		if len(msg.ToolsUsed) > 0 {
			tools = fmt.Sprintf(" [used: %s]", strings.Join(msg.ToolsUsed, ", "))
		}
		out += fmt.Sprintf("[%s]\n%s: %s%s", msg.Timestamp.Format(time.RFC3339), role, msg.Content, tools)
	}
	return out
}

// --- pending state ------------------------------------------------------

// SavePendingState persists the waiting-for-response state for a
// conversation. Saving a non-waiting state clears the record instead.
func (m *Manager) SavePendingState(conversationID string, state State) error {
	if !state.IsWaitingForResponse || state.Pending == nil {
		return m.ClearPendingState(conversationID)
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal pending state: %w", err)
	}

	_, err = m.db.Exec(`
		INSERT INTO pending_state (conversation_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE
		SET payload = excluded.payload, updated_at = excluded.updated_at
	`, conversationID, string(payload), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("save pending state: %w", err)
	}
	return nil
}

// PendingState returns the persisted waiting state for a conversation.
// A missing record reads as "not waiting".
func (m *Manager) PendingState(conversationID string) (State, error) {
	var payload string
	err := m.db.QueryRow(
		`SELECT payload FROM pending_state WHERE conversation_id = ?`, conversationID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("query pending state: %w", err)
	}

	var state State
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return State{}, fmt.Errorf("decode pending state: %w", err)
	}
	return state, nil
}

// ClearPendingState removes the waiting state for a conversation.
// Clearing a missing record is not an error.
func (m *Manager) ClearPendingState(conversationID string) error {
	_, err := m.db.Exec(`DELETE FROM pending_state WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("clear pending state: %w", err)
	}
	return nil
}

// --- row helpers --------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var startedAt string
	var endedAt, title, summary sql.NullString

	if err := row.Scan(&conv.ID, &startedAt, &endedAt, &title, &summary); err != nil {
		return nil, err
	}

	conv.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		conv.EndedAt = &t
	}
	conv.Title = title.String
	conv.Summary = summary.String
	return &conv, nil
}

func (m *Manager) loadMessages(conversationID string) ([]Message, error) {
	rows, err := m.db.Query(`
		SELECT id, timestamp, role, content, tools_used
		FROM messages WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var ts string
		var toolsUsed sql.NullString
		if err := rows.Scan(&msg.ID, &ts, &msg.Role, &msg.Content, &toolsUsed); err != nil {
			return nil, err
		}
		msg.Timestamp = parseTime(ts)
		if toolsUsed.Valid && toolsUsed.String != "" {
			if err := json.Unmarshal([]byte(toolsUsed.String), &msg.ToolsUsed); err != nil {
				m.logger.Warn("corrupt tools_used on message", "message", msg.ID, "error", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (m *Manager) loadBranches(conversationID string) ([]Branch, error) {
	rows, err := m.db.Query(`
		SELECT id, archived_at, messages
		FROM branches WHERE conversation_id = ?
		ORDER BY archived_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	defer rows.Close()

	var branches []Branch
	for rows.Next() {
		var br Branch
		var archivedAt, payload string
		if err := rows.Scan(&br.ID, &archivedAt, &payload); err != nil {
			return nil, err
		}
		br.ArchivedAt = parseTime(archivedAt)
		if err := json.Unmarshal([]byte(payload), &br.Messages); err != nil {
			return nil, fmt.Errorf("decode branch %s: %w", br.ID, err)
		}
		branches = append(branches, br)
	}
	return branches, rows.Err()
}

func (m *Manager) insertMessage(conversationID string, seq int, msg Message) error {
	var toolsUsed any
	if len(msg.ToolsUsed) > 0 {
		data, err := json.Marshal(msg.ToolsUsed)
		if err != nil {
			return fmt.Errorf("marshal tools_used: %w", err)
		}
		toolsUsed = string(data)
	}

	_, err := m.db.Exec(`
		INSERT INTO messages (id, conversation_id, seq, timestamp, role, content, tools_used)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, conversationID, seq, formatTime(msg.Timestamp), msg.Role, msg.Content, toolsUsed)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

