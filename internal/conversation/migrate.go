package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// legacyHistory is the pre-database format: a single JSON blob holding
// flat request/response pairs with no session boundaries.
type legacyHistory struct {
	RecentConversations []legacyEntry `json:"recentConversations"`
}

type legacyEntry struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	UserMessage       string    `json:"userMessage"`
	AssistantResponse string    `json:"assistantResponse"`
	ToolsUsed         []string  `json:"toolsUsed,omitempty"`
}

// ImportLegacyHistory migrates an old history.json blob into the
// database, each entry becoming one ended two-message conversation.
// Runs only when the database holds no conversations yet; afterwards
// the blob is renamed aside so the import never repeats. A missing
// file is a no-op.
func (m *Manager) ImportLegacyHistory(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read legacy history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		m.logger.Debug("legacy history present but database already populated, skipping import")
		return nil
	}

	var hist legacyHistory
	if err := json.Unmarshal(data, &hist); err != nil {
		return fmt.Errorf("decode legacy history: %w", err)
	}

	imported := 0
	for _, entry := range hist.RecentConversations {
		if entry.UserMessage == "" && entry.AssistantResponse == "" {
			continue
		}
		if err := m.importEntry(entry); err != nil {
			m.logger.Warn("skipping legacy entry", "id", entry.ID, "error", err)
			continue
		}
		imported++
	}

	if err := os.Rename(path, path+".migrated"); err != nil {
		m.logger.Warn("failed to rename migrated history file", "error", err)
	}

	m.logger.Info("imported legacy history", "entries", imported)
	return nil
}

func (m *Manager) importEntry(entry legacyEntry) error {
	id := entry.ID
	if id == "" {
		id = newID()
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO conversations (id, started_at, ended_at, title, summary)
		VALUES (?, ?, ?, ?, ?)
	`, id, formatTime(ts), formatTime(ts),
		"Imported conversation", truncateSummary(entry.UserMessage))
	if err != nil {
		return err
	}

	seq := 0
	if entry.UserMessage != "" {
		_, err = tx.Exec(`
			INSERT INTO messages (id, conversation_id, seq, timestamp, role, content)
			VALUES (?, ?, ?, ?, 'user', ?)
		`, newID(), id, seq, formatTime(ts), entry.UserMessage)
		if err != nil {
			return err
		}
		seq++
	}
	if entry.AssistantResponse != "" {
		var toolsUsed any
		if len(entry.ToolsUsed) > 0 {
			data, err := json.Marshal(entry.ToolsUsed)
			if err != nil {
				return err
			}
			toolsUsed = string(data)
		}
		_, err = tx.Exec(`
			INSERT INTO messages (id, conversation_id, seq, timestamp, role, content, tools_used)
			VALUES (?, ?, ?, ?, 'assistant', ?, ?)
		`, newID(), id, seq, formatTime(ts), entry.AssistantResponse, toolsUsed)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func truncateSummary(s string) string {
	const max = 140
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
