// Package cmd wires configuration, logging, tracing, persistence, the
// language-server client, the agent manager, and the dispatcher into the
// running program.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/clide/internal/agent"
	"github.com/zjrosen/clide/internal/app"
	"github.com/zjrosen/clide/internal/config"
	"github.com/zjrosen/clide/internal/dispatch"
	"github.com/zjrosen/clide/internal/infrastructure/sqlite"
	"github.com/zjrosen/clide/internal/log"
	"github.com/zjrosen/clide/internal/lsp"
	"github.com/zjrosen/clide/internal/pubsub"
	"github.com/zjrosen/clide/internal/state"
	"github.com/zjrosen/clide/internal/tracing"
	"github.com/zjrosen/clide/internal/watcher"
)

func init() {
	// Force lipgloss/termenv to query terminal background color BEFORE
	// any Bubble Tea program starts. This prevents the terminal's OSC 11
	// response from racing with Bubble Tea's input loop and appearing as
	// garbage text in input fields.
	//
	// See: https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()
}

var (
	version   = "dev"
	cfgFile   string
	debugMode bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "clide [file]",
	Short:   "A terminal IDE core with language-server and AI-agent integration",
	Long: `clide multiplexes a language server, AI agent backends, and the
workspace file system into one deterministic event stream behind a
terminal interface.`,
	Version: version,
	Args:    cobra.MaximumNArgs(1),
	RunE:    runApp,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/clide/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false,
		"write a debug log to .clide/clide.log")
	rootCmd.Flags().StringP("workspace", "w", "",
		"workspace root (default: current directory)")
	rootCmd.Flags().String("profile", "",
		"agent profile to activate at startup")

	_ = viper.BindPFlag("workspace", rootCmd.Flags().Lookup("workspace"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("auto_sync", defaults.AutoSync)
	viper.SetDefault("tick_rate", defaults.TickRate)
	viper.SetDefault("lsp.command", defaults.LSP.Command)
	viper.SetDefault("lsp.language_id", defaults.LSP.LanguageID)
	viper.SetDefault("lsp.request_timeout", defaults.LSP.RequestTimeout)
	viper.SetDefault("agent.queue_capacity", defaults.Agent.QueueCapacity)
	viper.SetDefault("ui.show_status_bar", defaults.UI.ShowStatusBar)
	viper.SetDefault("ui.markdown_style", defaults.UI.MarkdownStyle)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .clide/config.yaml (current directory)
		// 2. ~/.config/clide/config.yaml (user config)
		if _, err := os.Stat(".clide/config.yaml"); err == nil {
			viper.SetConfigFile(".clide/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "clide"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config anywhere - create a commented default in the workspace.
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			defaultPath := ".clide/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)

	if defaultsProfile, _ := rootCmd.Flags().GetString("profile"); defaultsProfile != "" {
		cfg.Agent.DefaultProfile = defaultsProfile
	}
}

func runApp(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	workspace := cfg.Workspace
	if workspace == "" {
		var err error
		workspace, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
	}

	if debugMode {
		cleanup, err := log.Init(filepath.Join(workspace, ".clide", "clide.log"))
		if err != nil {
			return fmt.Errorf("initializing log: %w", err)
		}
		defer cleanup()
		log.SetMinLevel(log.LevelDebug)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	// Persistence is optional: the session still works without history.
	var transcripts dispatch.TranscriptWriter
	dbPath := cfg.TranscriptDB
	if dbPath == "" {
		dbPath = filepath.Join(workspace, ".clide", "transcript.db")
	}
	if db, dbErr := sqlite.NewDB(dbPath); dbErr != nil {
		log.ErrorErr(log.CatDB, "opening transcript database", dbErr, "path", dbPath)
	} else {
		defer func() { _ = db.Close() }()
		transcripts = db.Transcripts()
	}

	client := lsp.New(lsp.Config{
		Command:        cfg.LSP.Command,
		Args:           cfg.LSP.Args,
		WorkspaceDir:   workspace,
		LanguageID:     cfg.LSP.LanguageID,
		RequestTimeout: cfg.LSP.RequestTimeout,
	})
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("starting language server %q: %w", cfg.LSP.Command, err)
	}

	manager, err := agent.NewManager(ctx, cfg.Agent)
	if err != nil {
		return fmt.Errorf("starting agent manager: %w", err)
	}

	var fileChanges <-chan string
	if cfg.AutoSync {
		w, watchErr := watcher.New(watcher.Config{Root: workspace})
		if watchErr != nil {
			log.ErrorErr(log.CatWatcher, "starting workspace watcher", watchErr)
		} else {
			w.Start(ctx)
			defer w.Close()
			fileChanges = w.Changes()
		}
	}

	snapshots := pubsub.NewBroker[state.Snapshot]()
	defer snapshots.Close()

	dispatcher, err := dispatch.New(dispatch.Config{
		State:       state.New(),
		Lsp:         client,
		Agents:      manager,
		Transcripts: transcripts,
		Snapshots:   snapshots,
		FileChanges: fileChanges,
		Tracer:      tracer.Tracer(),
		TickRate:    cfg.TickRate,
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- dispatcher.Run(ctx) }()

	dispatcher.Post(dispatch.LspStartedEvent{})

	var document string
	if len(args) == 1 {
		document = args[0]
		if data, readErr := os.ReadFile(document); readErr == nil { // #nosec G304 -- user-supplied path
			dispatcher.Post(dispatch.DocumentEvent{Op: dispatch.DocOpen, Path: document, Text: string(data)})
		} else {
			log.Warn(log.CatUI, "cannot open document", "path", document, "error", readErr)
			document = ""
		}
	}

	model := app.New(app.Config{
		Dispatcher: dispatcher,
		Snapshots:  snapshots,
		Profiles:   cfg.Agent.Profiles,
		Document:   document,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	_, teaErr := p.Run()
	model.Close()

	// The UI posts Shutdown on quit; give the loop its orderly exit, then
	// cut the context for the crash paths.
	dispatcher.Post(dispatch.ShutdownEvent{})
	loopErr := <-runErr
	cancel()

	if teaErr != nil {
		return fmt.Errorf("running program: %w", teaErr)
	}
	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		// Invariant violations are the one fatal class: report and exit
		// non-zero.
		return loopErr
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
