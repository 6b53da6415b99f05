// Burrow is a note-vault agent daemon.
//
// It connects to a message relay, receives the user's messages, and
// acts on a Markdown note vault through an LLM with tools. Inbound
// messages are spooled to disk before processing so nothing is lost
// across crashes or restarts. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	burrow serve             Connect to the relay and process messages
//	burrow init [dir]        Initialize a working directory with defaults
//	burrow send <text>       Process a single message locally (for testing)
//	burrow version           Print version information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/conversation"
	"github.com/burrowhq/burrow/internal/inbox"
	"github.com/burrowhq/burrow/internal/processor"
	"github.com/burrowhq/burrow/internal/relay"
	"github.com/burrowhq/burrow/internal/vault"
	"github.com/burrowhq/burrow/internal/vcs"
)

// Overridden at build time via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand — the flag package's global state makes
// concurrent test invocations awkward, and the surface here is tiny.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "send":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: burrow send <text>")
		}
		return runSend(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "version":
		fmt.Fprintf(stdout, "burrow %s (%s)\n", version, gitCommit)
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Burrow - note vault agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: burrow [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Connect to the relay and process messages")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  send <text>  Process a single message locally (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>  Path to config file (default: auto-discover)")
	return nil
}

// runServe is the primary operating mode: open all stores, replay any
// spooled messages, then hold the relay connection until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting burrow", "version", version, "commit", gitCommit)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "model", cfg.Anthropic.Model)

	deps, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The relay handler needs the processor and the processor needs the
	// relay client for acks; forward-declare and let the closure capture.
	var proc *processor.Processor

	var relayClient *relay.Client
	if cfg.Relay.URL != "" {
		relayClient = relay.New(
			cfg.Relay.URL,
			cfg.Relay.Token,
			cfg.Relay.ClientName,
			cfg.Relay.RoutingDescription,
			func(msg relay.InboundMessage) {
				m := &inbox.Message{
					ID:        msg.ID,
					Timestamp: msg.Timestamp,
					Metadata:  withSource(msg.Metadata, "relay"),
					Text:      msg.Text,
				}
				// Each message gets its own goroutine; the pipeline and
				// conversation manager handle concurrent runs.
				go func() {
					if err := proc.Process(ctx, m, false); err != nil {
						logger.Error("message processing failed", "id", m.ID, "error", err)
					}
				}()
			},
			logger,
		)
	} else {
		logger.Warn("no relay configured; only spooled messages will be processed")
	}

	proc = processor.New(processor.Options{
		Config:        cfg,
		Conversations: deps.conversations,
		Inbox:         deps.inbox,
		Vault:         deps.vault,
		Repo:          deps.repo,
		Relay:         relayClient,
		Logger:        logger,
	})

	// Replay anything that survived the last shutdown before accepting
	// new traffic.
	if err := proc.ReprocessPending(ctx); err != nil && ctx.Err() == nil {
		logger.Error("reprocessing pending messages failed", "error", err)
	}

	if relayClient == nil {
		<-ctx.Done()
	} else if err := relayClient.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("relay connection failed: %w", err)
	}

	logger.Info("burrow stopped")
	return nil
}

// runSend processes one message through the full pipeline without a
// relay connection. Useful for smoke tests and debugging.
func runSend(ctx context.Context, stdout io.Writer, configPath, text string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	deps, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	proc := processor.New(processor.Options{
		Config:        cfg,
		Conversations: deps.conversations,
		Inbox:         deps.inbox,
		Vault:         deps.vault,
		Repo:          deps.repo,
		Logger:        logger,
	})

	unsubscribe := proc.OnAgentMessage(func(am processor.AgentMessage) {
		fmt.Fprintf(stdout, "[agent] %s\n", am.Content)
	})
	defer unsubscribe()

	var response string
	done := proc.OnResponse(func(ev processor.ResponseEvent) {
		if ev.Success {
			response = ev.Response
		} else {
			response = ev.Error
		}
	})
	defer done()

	msg := &inbox.Message{Text: text, Metadata: map[string]string{"source": "cli"}}
	if err := proc.Process(ctx, msg, true); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	fmt.Fprintln(stdout, response)
	return nil
}

// runInit writes a starter config.yaml into dir.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(stdout, "Wrote %s\nEdit it, then run: burrow serve\n", path)
	return nil
}

const defaultConfigYAML = `# Burrow configuration

relay:
  url: ""                 # wss://relay.example/ws (empty: no relay)
  token: "${BURROW_RELAY_TOKEN}"
  client_name: "burrow"

anthropic:
  api_key: "${ANTHROPIC_API_KEY}"
  # model: claude-sonnet-4-20250514
  # commit_model: claude-haiku-4-5-20251001

vault:
  path: ""                # directory of Markdown notes (empty: vault tools disabled)

conversation:
  idle_timeout_minutes: 30
  max_retained: 1000
  context_summaries: 5

auto_commit:
  enabled: false
  author_name: "Burrow"

data_dir: ".burrow"
log_level: "info"         # trace, debug, info, warn, error
`

// stores groups the persistent collaborators opened for a run.
type stores struct {
	conversations *conversation.Manager
	inbox         *inbox.Store
	vault         *vault.Store
	repo          *vcs.Repo
}

func (s *stores) close() {
	if s.conversations != nil {
		s.conversations.Close()
	}
}

func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	conversations, err := conversation.NewManager(
		filepath.Join(cfg.DataDir, "conversations.db"),
		conversation.Config{
			IdleTimeout:      cfg.Conversation.IdleTimeout(),
			MaxRetained:      cfg.Conversation.MaxRetained,
			ContextSummaries: cfg.Conversation.ContextSummaries,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("open conversation database: %w", err)
	}

	// One-time import of the pre-database history blob, if present.
	if err := conversations.ImportLegacyHistory(filepath.Join(cfg.DataDir, "history.json")); err != nil {
		logger.Warn("legacy history import failed", "error", err)
	}

	spool, err := inbox.NewStore(filepath.Join(cfg.DataDir, "inbox"), logger)
	if err != nil {
		conversations.Close()
		return nil, fmt.Errorf("open inbox: %w", err)
	}

	store := vault.New(cfg.Vault.Path, ".burrow", ".git")
	if store.Enabled() {
		logger.Info("vault enabled", "path", cfg.Vault.Path)
	} else {
		logger.Warn("vault not configured; note tools disabled")
	}

	var repo *vcs.Repo
	if cfg.AutoCommit.Enabled && store.Enabled() {
		repo, err = vcs.Open(cfg.Vault.Path, cfg.AutoCommit.AuthorName, logger)
		if err != nil {
			logger.Warn("auto-commit disabled: cannot open repository", "error", err)
		}
	}

	return &stores{conversations: conversations, inbox: spool, vault: store, repo: repo}, nil
}

func withSource(meta map[string]string, source string) map[string]string {
	if meta == nil {
		meta = map[string]string{}
	}
	meta["source"] = source
	return meta
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
