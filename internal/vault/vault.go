// Package vault provides file operations over a Markdown note vault.
// All paths are relative to the vault root; operations that would
// escape the root or touch protected directories are rejected.
package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxReadBytes caps the content returned from a single read.
const maxReadBytes = 50 * 1024

// Store provides confined file access to a note vault.
type Store struct {
	root string
	// protected are root-relative directory prefixes that tools may not
	// read or modify (spool and data directories live inside the vault).
	protected []string
}

// New creates a vault store rooted at path. Protected prefixes (e.g.
// ".burrow") are hidden from every operation.
func New(root string, protected ...string) *Store {
	return &Store{root: root, protected: protected}
}

// Enabled reports whether the vault is configured.
func (s *Store) Enabled() bool {
	return s.root != ""
}

// Root returns the vault root directory.
func (s *Store) Root() string {
	return s.root
}

// resolve converts a vault-relative path to an absolute one, rejecting
// paths that escape the root or enter a protected directory.
func (s *Store) resolve(path string) (string, error) {
	if s.root == "" {
		return "", fmt.Errorf("vault not configured")
	}

	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", fmt.Errorf("resolve vault root: %w", err)
	}

	rel := filepath.Clean("/" + filepath.FromSlash(path))[1:] // strip any ".." prefix tricks
	abs := filepath.Join(rootAbs, rel)
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes vault: %s", path)
	}

	for _, p := range s.protected {
		if rel == p || strings.HasPrefix(rel, p+string(filepath.Separator)) {
			return "", fmt.Errorf("path is protected: %s", path)
		}
	}

	return abs, nil
}

// Read returns the contents of a note. A positive offset/limit selects
// a line range (offset is 1-indexed). Very large content is truncated.
func (s *Store) Read(path string, offset, limit int) (string, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("note not found: %s", path)
		}
		return "", fmt.Errorf("read note: %w", err)
	}

	content := string(data)

	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if offset > 0 {
			start = offset - 1
		}
		if start >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds note length (%d lines)", offset, len(lines))
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "\n")
		if start > 0 || end < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", start+1, end, len(lines), content)
		}
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}

	return content, nil
}

// Write writes content to a note, creating parent directories as needed.
// Existing content is replaced.
func (s *Store) Write(path, content string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write note: %w", err)
	}
	return nil
}

// Create writes a new note, failing if the path already exists.
func (s *Store) Create(path, content string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err == nil {
		return fmt.Errorf("note already exists: %s", path)
	}
	return s.Write(path, content)
}

// Append appends content to a note, creating it if absent. A newline is
// inserted between existing content and the appended text when needed.
func (s *Store) Append(path, content string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	existing, err := os.ReadFile(abs)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read note: %w", err)
	}
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		content = "\n" + content
	}

	f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open note: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("append note: %w", err)
	}
	return nil
}

// Move renames a note within the vault, creating the destination
// directory as needed. Fails if the destination already exists.
func (s *Store) Move(from, to string) error {
	fromAbs, err := s.resolve(from)
	if err != nil {
		return err
	}
	toAbs, err := s.resolve(to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(toAbs); err == nil {
		return fmt.Errorf("destination already exists: %s", to)
	}
	if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.Rename(fromAbs, toAbs); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("note not found: %s", from)
		}
		return fmt.Errorf("move note: %w", err)
	}
	return nil
}

// Delete removes a note. Deleting a missing note is an error so the
// model learns the path was wrong.
func (s *Store) Delete(path string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("note not found: %s", path)
		}
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

// List returns vault-relative paths of Markdown notes under dir,
// sorted. Protected directories are skipped.
func (s *Store) List(dir string) ([]string, error) {
	abs, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}

	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}

	var notes []string
	err = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(rootAbs, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			for _, p := range s.protected {
				if rel == p {
					return filepath.SkipDir
				}
			}
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") && path != abs {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".md") {
			notes = append(notes, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", dir)
		}
		return nil, fmt.Errorf("list notes: %w", err)
	}

	sort.Strings(notes)
	return notes, nil
}
