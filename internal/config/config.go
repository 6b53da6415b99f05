// Package config handles Burrow configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/burrow/config.yaml, /etc/burrow/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "burrow", "config.yaml"))
	}

	paths = append(paths, "/etc/burrow/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Burrow configuration.
type Config struct {
	Relay        RelayConfig        `yaml:"relay"`
	Anthropic    AnthropicConfig    `yaml:"anthropic"`
	Vault        VaultConfig        `yaml:"vault"`
	Conversation ConversationConfig `yaml:"conversation"`
	AutoCommit   AutoCommitConfig   `yaml:"auto_commit"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
}

// RelayConfig defines the relay server connection settings.
type RelayConfig struct {
	// URL is the websocket endpoint of the relay (e.g. wss://relay.example/ws).
	URL string `yaml:"url"`
	// Token authenticates this agent with the relay.
	Token string `yaml:"token"`
	// ClientName identifies this agent when registering with the relay.
	ClientName string `yaml:"client_name"`
	// RoutingDescription tells the relay what kinds of requests to route here.
	RoutingDescription string `yaml:"routing_description"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	// Model is the model used for agent turns.
	Model string `yaml:"model"`
	// CommitModel is a fast model used for auto-commit message generation.
	// Deliberately independent of Model so commit messages stay cheap.
	CommitModel string `yaml:"commit_model"`
	// MaxTokens caps response length per LLM call.
	MaxTokens int `yaml:"max_tokens"`
}

// VaultConfig defines the note vault the agent operates on.
type VaultConfig struct {
	// Path is the root directory for note operations. All tool paths are
	// relative to this directory. If empty, vault tools are disabled.
	Path string `yaml:"path"`
}

// ConversationConfig defines conversation segmentation and retention.
type ConversationConfig struct {
	// IdleTimeoutMinutes is the gap that ends the active conversation.
	IdleTimeoutMinutes int `yaml:"idle_timeout_minutes"`
	// MaxRetained caps how many ended conversations are kept.
	MaxRetained int `yaml:"max_retained"`
	// ContextSummaries is how many recent ended-conversation summaries
	// are injected into the agent's system prompt.
	ContextSummaries int `yaml:"context_summaries"`
}

// AutoCommitConfig controls the vault auto-commit side effect.
type AutoCommitConfig struct {
	Enabled bool `yaml:"enabled"`
	// AuthorName is the commit author. Email is fixed to burrow@localhost.
	AuthorName string `yaml:"author_name"`
}

// IdleTimeout returns the conversation idle timeout as a duration.
func (c ConversationConfig) IdleTimeout() time.Duration {
	minutes := c.IdleTimeoutMinutes
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			ClientName:         "burrow",
			RoutingDescription: "Note vault agent: capture, organize, and retrieve notes.",
		},
		Anthropic: AnthropicConfig{
			Model:       "claude-sonnet-4-20250514",
			CommitModel: "claude-haiku-4-5-20251001",
			MaxTokens:   4096,
		},
		Conversation: ConversationConfig{
			IdleTimeoutMinutes: 30,
			MaxRetained:        1000,
			ContextSummaries:   5,
		},
		AutoCommit: AutoCommitConfig{
			AuthorName: "Burrow",
		},
		DataDir: ".burrow",
	}
}
