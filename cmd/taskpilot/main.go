// Package main provides the taskpilot CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"taskpilot/internal/classifier"
	"taskpilot/internal/config"
	"taskpilot/internal/effects"
	"taskpilot/internal/logging"
	"taskpilot/internal/router"
	"taskpilot/internal/session"
	"taskpilot/internal/task"
	"taskpilot/internal/types"
	"taskpilot/internal/workflow"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	workspace    string
	debugMode    bool
	conversation string
)

var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "taskpilot - chat-operated task management",
	Long: `taskpilot routes chat messages about tasks: slash commands, approval
answers, proof submissions, and free-form requests resolved by an intent
classifier. Deterministic rules always win over the AI fallback.

Run without arguments to start the interactive chat interface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()
		return runChat(app)
	},
}

var routeCmd = &cobra.Command{
	Use:   "route [message...]",
	Short: "Route a single message and print the reply",
	Long: `Processes one message through the full routing pipeline and prints
the reply. Session state persists between invocations, so a multi-turn flow
can be driven one call at a time.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		msg := types.NewInboundMessage(conversation, "cli", strings.Join(args, " "))
		res := app.dispatcher.Route(cmd.Context(), msg)
		fmt.Println(res.Message)
		if res.Status == types.StatusDegraded {
			fmt.Fprintln(os.Stderr, "warning: some notifications were not delivered")
		}
		if res.IsError() {
			return fmt.Errorf("routing failed: %s", res.Detail)
		}
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage conversation sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations with live session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		ids, err := app.store.Conversations(cmd.Context())
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No live sessions.")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [conversation-id]",
	Short: "Show the session keys of one conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		snap := app.store.Snapshot(cmd.Context(), args[0])
		if len(snap) == 0 {
			fmt.Println("No live session for this conversation.")
			return nil
		}
		for _, key := range []string{
			session.KeyActiveHandler,
			session.KeyTaskStage,
			session.KeyPendingApproval,
			session.KeyConversationContext,
		} {
			if v, ok := snap.Get(key); ok {
				fmt.Printf("%s = %s\n", key, v)
			}
		}
		return nil
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear [conversation-id]",
	Short: "Drop all session state of one conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		for _, key := range []string{
			session.KeyActiveHandler,
			session.KeyTaskStage,
			session.KeyPendingApproval,
			session.KeyConversationContext,
		} {
			if err := app.store.Delete(cmd.Context(), args[0], key); err != nil {
				return err
			}
		}
		fmt.Printf("Cleared session for %s.\n", args[0])
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to .taskpilot/config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.Path(workspace)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.Save(workspace, config.Default()); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg        *config.Config
	store      session.Store
	tasks      *task.SQLiteRepository
	machine    *workflow.Machine
	rules      *router.Rules
	dispatcher *router.Dispatcher
	watcher    *config.Watcher
	super      *effects.Supervisor
}

// stdoutSink delivers cross-conversation replies to the terminal.
type stdoutSink struct{}

func (stdoutSink) Reply(ctx context.Context, conversationID, text string) error {
	fmt.Printf("[%s] %s\n", conversationID, text)
	return nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if debugMode {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
	if err := logging.Initialize(workspace, cfg.LoggingSettings()); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	var store session.Store
	switch cfg.Session.Backend {
	case "memory":
		ms := session.NewMemoryStore()
		ms.StartSweeper(cfg.SweepInterval())
		store = ms
	default:
		ss, err := session.NewSQLiteStore(filepath.Join(workspace, cfg.Session.DatabasePath))
		if err != nil {
			return nil, err
		}
		ss.StartSweeper(cfg.SweepInterval())
		store = ss
	}

	tasks, err := task.NewSQLiteRepository(filepath.Join(workspace, cfg.Tasks.DatabasePath))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	machine := workflow.NewMachine(store, workflow.NewRubricScorer(), cfg.SessionTTL(), cfg.Workflow.MaxRevisions)
	rules := router.NewRules(cfg.Router)

	intents, err := classifier.New(cfg)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("classifier unavailable, using static rules: %v", err)
		intents = classifier.NewBounded(classifier.NewStatic(), cfg.ClassifierTimeout())
	}

	runner := effects.NewRunnerFromConfig(cfg, tasks, stdoutSink{})
	super := effects.NewSupervisor(ctx, 4)

	dispatcher := router.NewDefaultDispatcher(store, runner, machine, tasks, rules, intents, cfg.SessionTTL())
	dispatcher.SetSupervisor(super)

	a := &app{
		cfg:        cfg,
		store:      store,
		tasks:      tasks,
		machine:    machine,
		rules:      rules,
		dispatcher: dispatcher,
		super:      super,
	}

	// Hot-reload the matching vocabulary and log settings on config edits.
	watcher, err := config.NewWatcher(workspace, func(c *config.Config) {
		rules.Update(c.Router)
		logging.Apply(c.LoggingSettings())
		logging.Boot("configuration reloaded")
	})
	if err == nil && watcher.Start() == nil {
		a.watcher = watcher
	} else {
		logging.BootDebug("config watcher unavailable: %v", err)
	}

	logging.Boot("taskpilot ready: handlers=%v backend=%s", dispatcher.Handlers(), cfg.Session.Backend)
	return a, nil
}

func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if err := a.super.Shutdown(); err != nil {
		logging.Get(logging.CategoryBoot).Warn("supervisor shutdown: %v", err)
	}
	_ = a.tasks.Close()
	_ = a.store.Close()
	logging.CloseAll()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	routeCmd.Flags().StringVarP(&conversation, "conversation", "c", "cli", "Conversation id")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsClearCmd)
	rootCmd.AddCommand(routeCmd, sessionsCmd, initCmd)
}

func main() {
	// Secrets come from the environment; a local .env is a convenience.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
