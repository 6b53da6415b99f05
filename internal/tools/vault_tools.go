package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/burrowhq/burrow/internal/vault"
)

// MutatingVaultTools lists the vault tools that change vault content.
// The pipeline uses this to decide whether an auto-commit is warranted.
var MutatingVaultTools = map[string]bool{
	"create_note": true,
	"write_note":  true,
	"append_note": true,
	"move_note":   true,
	"delete_note": true,
}

// VaultTools builds the tool set for a vault store. Returns nil when
// the vault is not configured.
func VaultTools(store *vault.Store) []*Tool {
	if store == nil || !store.Enabled() {
		return nil
	}

	pathProp := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}

	return []*Tool{
		{
			Name:        "read_note",
			Description: "Read the contents of a note. Supports reading a line range via offset and limit for large notes.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":   pathProp("Vault-relative path of the note (e.g. projects/garden.md)"),
					"offset": map[string]any{"type": "integer", "description": "1-indexed first line to read"},
					"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines to return"},
				},
				"required": []string{"path"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path, err := stringArg(args, "path")
				if err != nil {
					return "", err
				}
				return store.Read(path, intArg(args, "offset"), intArg(args, "limit"))
			},
		},
		{
			Name:        "create_note",
			Description: "Create a new note with the given content. Fails if the note already exists; use write_note to replace content.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    pathProp("Vault-relative path for the new note"),
					"content": map[string]any{"type": "string", "description": "Markdown content for the note"},
				},
				"required": []string{"path", "content"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path, err := stringArg(args, "path")
				if err != nil {
					return "", err
				}
				content, _ := args["content"].(string)
				if err := store.Create(path, content); err != nil {
					return "", err
				}
				return fmt.Sprintf("Created %s", path), nil
			},
		},
		{
			Name:        "write_note",
			Description: "Replace the full contents of a note, creating it if necessary.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    pathProp("Vault-relative path of the note"),
					"content": map[string]any{"type": "string", "description": "New Markdown content"},
				},
				"required": []string{"path", "content"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path, err := stringArg(args, "path")
				if err != nil {
					return "", err
				}
				content, _ := args["content"].(string)
				if err := store.Write(path, content); err != nil {
					return "", err
				}
				return fmt.Sprintf("Wrote %s", path), nil
			},
		},
		{
			Name:        "append_note",
			Description: "Append content to the end of a note, creating it if necessary.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    pathProp("Vault-relative path of the note"),
					"content": map[string]any{"type": "string", "description": "Markdown content to append"},
				},
				"required": []string{"path", "content"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path, err := stringArg(args, "path")
				if err != nil {
					return "", err
				}
				content, _ := args["content"].(string)
				if err := store.Append(path, content); err != nil {
					return "", err
				}
				return fmt.Sprintf("Appended to %s", path), nil
			},
		},
		{
			Name:        "move_note",
			Description: "Move or rename a note within the vault.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"from": pathProp("Current vault-relative path"),
					"to":   pathProp("New vault-relative path"),
				},
				"required": []string{"from", "to"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				from, err := stringArg(args, "from")
				if err != nil {
					return "", err
				}
				to, err := stringArg(args, "to")
				if err != nil {
					return "", err
				}
				if err := store.Move(from, to); err != nil {
					return "", err
				}
				return fmt.Sprintf("Moved %s to %s", from, to), nil
			},
		},
		{
			Name:        "delete_note",
			Description: "Delete a note from the vault. This cannot be undone.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": pathProp("Vault-relative path of the note to delete"),
				},
				"required": []string{"path"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				path, err := stringArg(args, "path")
				if err != nil {
					return "", err
				}
				if err := store.Delete(path); err != nil {
					return "", err
				}
				return fmt.Sprintf("Deleted %s", path), nil
			},
		},
		{
			Name:        "list_notes",
			Description: "List Markdown notes under a directory, recursively.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"dir": pathProp("Vault-relative directory to list (default: vault root)"),
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				dir, _ := args["dir"].(string)
				if dir == "" {
					dir = "."
				}
				notes, err := store.List(dir)
				if err != nil {
					return "", err
				}
				if len(notes) == 0 {
					return "No notes found.", nil
				}
				return fmt.Sprintf("Found %d note(s):\n- %s", len(notes), strings.Join(notes, "\n- ")), nil
			},
		},
		{
			Name:        "search_notes",
			Description: "Search notes by filename and content. Returns matching paths with titles and excerpts.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Text to search for (case-insensitive)"},
					"limit": map[string]any{"type": "integer", "description": "Maximum number of results (default 20)"},
				},
				"required": []string{"query"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				query, err := stringArg(args, "query")
				if err != nil {
					return "", err
				}
				hits, err := store.Search(query, intArg(args, "limit"))
				if err != nil {
					return "", err
				}
				if len(hits) == 0 {
					return fmt.Sprintf("No notes match %q.", query), nil
				}
				var b strings.Builder
				fmt.Fprintf(&b, "Found %d match(es):\n", len(hits))
				for _, h := range hits {
					fmt.Fprintf(&b, "- %s (%s)", h.Path, h.Title)
					if h.Excerpt != "" {
						fmt.Fprintf(&b, ": %s", h.Excerpt)
					}
					b.WriteString("\n")
				}
				return b.String(), nil
			},
		},
	}
}
