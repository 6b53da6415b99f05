// Package inbox is the durable intake store: every inbound message is
// spooled to disk before processing and removed only after the
// pipeline completes, so a crash mid-turn never loses a message.
//
// Entries are Markdown files with YAML frontmatter, one per message,
// so a stuck inbox can be inspected and edited by hand.
package inbox

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Message is one inbound message awaiting (or under) processing.
type Message struct {
	ID         string
	Timestamp  time.Time
	ReceivedAt time.Time
	Metadata   map[string]string
	Text       string
}

type frontmatter struct {
	ID         string            `yaml:"id"`
	Timestamp  time.Time         `yaml:"timestamp"`
	ReceivedAt time.Time         `yaml:"received_at"`
	Metadata   map[string]string `yaml:"metadata,omitempty"`
}

// Store is a directory-backed message spool.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore opens (creating if needed) a spool directory.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox directory: %w", err)
	}
	return &Store{dir: dir, logger: logger.With("component", "inbox")}, nil
}

// Save spools a message and returns the path written. A missing ID or
// ReceivedAt is filled in. The write goes through a temp file and
// rename so a crash never leaves a half-written entry.
func (s *Store) Save(msg *Message) (string, error) {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	fm := frontmatter{
		ID:         msg.ID,
		Timestamp:  msg.Timestamp,
		ReceivedAt: msg.ReceivedAt,
		Metadata:   msg.Metadata,
	}
	fmData, err := yaml.Marshal(&fm)
	if err != nil {
		return "", fmt.Errorf("marshal frontmatter: %w", err)
	}

	content := fmt.Sprintf("---\n%s---\n\n%s\n", fmData, strings.TrimRight(msg.Text, "\n"))
	path := filepath.Join(s.dir, s.filename(msg))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write inbox entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalize inbox entry: %w", err)
	}

	s.logger.Debug("message spooled", "id", msg.ID, "path", path)
	return path, nil
}

// filename builds a sortable name: timestamp first so a directory
// listing reads in arrival order.
func (s *Store) filename(msg *Message) string {
	ts := msg.Timestamp.UTC().Format("2006-01-02T15-04-05.000")
	return ts + "-" + msg.ID + ".md"
}

// Get returns the spooled message with the given id, or nil.
func (s *Store) Get(id string) (*Message, error) {
	path, err := s.find(id)
	if err != nil || path == "" {
		return nil, err
	}
	return s.read(path)
}

// Delete removes a spooled entry. Deleting a missing entry is not an
// error: the pipeline may race a manual cleanup.
func (s *Store) Delete(id string) error {
	path, err := s.find(id)
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete inbox entry: %w", err)
	}
	s.logger.Debug("inbox entry deleted", "id", id)
	return nil
}

// ListPending returns all spooled messages, oldest timestamp first.
// Entries that fail to parse are skipped with a warning rather than
// blocking the rest of the queue.
func (s *Store) ListPending() ([]*Message, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox directory: %w", err)
	}

	var messages []*Message
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		msg, err := s.read(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unparseable inbox entry", "file", entry.Name(), "error", err)
			continue
		}
		messages = append(messages, msg)
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages, nil
}

// find locates the file for an id. Filenames embed the id after the
// timestamp prefix.
func (s *Store) find(id string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*-"+id+".md"))
	if err != nil {
		return "", fmt.Errorf("glob inbox: %w", err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	return matches[0], nil
}

func (s *Store) read(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inbox entry: %w", err)
	}

	fm, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, err
	}

	var meta frontmatter
	if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
		return nil, fmt.Errorf("decode frontmatter: %w", err)
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("entry %s has no id", filepath.Base(path))
	}

	return &Message{
		ID:         meta.ID,
		Timestamp:  meta.Timestamp,
		ReceivedAt: meta.ReceivedAt,
		Metadata:   meta.Metadata,
		Text:       strings.TrimSpace(body),
	}, nil
}

// splitFrontmatter separates the YAML header from the Markdown body.
func splitFrontmatter(content string) (fm, body string, err error) {
	if !strings.HasPrefix(content, "---\n") {
		return "", "", errors.New("missing frontmatter")
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", errors.New("unterminated frontmatter")
	}
	fm = rest[:end+1]
	body = rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return fm, body, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
