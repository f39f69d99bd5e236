// Package config provides configuration types, defaults, and persistence for clide.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/clide/internal/log"
)

// ProfileKind identifies the transport an agent profile speaks.
const (
	// KindLocalProcess runs the profile's command as a subprocess and
	// exchanges line-delimited JSON over its standard streams.
	KindLocalProcess = "local-process"
	// KindRemoteHTTP posts requests to the profile's endpoint.
	KindRemoteHTTP = "remote-http"
	// KindMCP speaks the Model Communication Protocol: requests are
	// wrapped in an input envelope, optionally naming a tool, and posted
	// with the profile's extra headers.
	KindMCP = "mcp"
)

// ProfileConfig describes one AI-suggestion backend.
// Profiles are loaded once at startup and immutable for the session.
type ProfileConfig struct {
	ID    string `mapstructure:"id"`
	Label string `mapstructure:"label"`
	Kind  string `mapstructure:"kind"` // "local-process", "remote-http", or "mcp"

	// Local-process fields.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// Remote-http and mcp fields.
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`

	// Mcp fields. Tool names the tool the endpoint should run; Headers
	// are sent verbatim on every call.
	Tool    string            `mapstructure:"tool"`
	Headers map[string]string `mapstructure:"headers"`

	// CredentialEnv names the environment variable holding the API token.
	// The token itself never appears in the config file.
	CredentialEnv string `mapstructure:"credential_env"`

	// Timeout is the overall deadline for a single request against this
	// profile. Zero means DefaultRequestTimeout.
	Timeout time.Duration `mapstructure:"timeout"`
}

// LSPConfig holds the language server command for the workspace.
type LSPConfig struct {
	Command string   `mapstructure:"command"` // e.g. "gopls", "rust-analyzer"
	Args    []string `mapstructure:"args"`
	// LanguageID is sent in didOpen notifications (e.g. "go", "rust").
	LanguageID string `mapstructure:"language_id"`
	// RequestTimeout bounds each individual request; zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AgentConfig holds agent manager settings.
type AgentConfig struct {
	// DefaultProfile selects the profile used when the user has not
	// picked one explicitly. Empty means the first configured profile.
	DefaultProfile string `mapstructure:"default_profile"`
	// QueueCapacity bounds outstanding requests per profile, counting the
	// in-flight request along with the queued ones. Submissions beyond
	// capacity are rejected with Busy, never buffered.
	QueueCapacity int `mapstructure:"queue_capacity"`
	// Profiles is the ordered list of configured backends.
	Profiles []ProfileConfig `mapstructure:"profiles"`
}

// UIConfig holds user interface configuration options.
type UIConfig struct {
	ShowStatusBar bool   `mapstructure:"show_status_bar"`
	MarkdownStyle string `mapstructure:"markdown_style"` // "dark" (default) or "light"
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: ~/.config/clide/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls the fraction of traces to sample (1.0 = all).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration options for clide.
type Config struct {
	// Workspace is the workspace root. Empty means current directory.
	Workspace string `mapstructure:"workspace"`

	// AutoSync re-sends open documents to the language server when their
	// files change on disk.
	AutoSync bool `mapstructure:"auto_sync"`

	// TickRate is the dispatcher's internal tick interval.
	TickRate time.Duration `mapstructure:"tick_rate"`

	// TranscriptDB is the path of the agent transcript database.
	// Empty means <workspace>/.clide/transcript.db.
	TranscriptDB string `mapstructure:"transcript_db"`

	LSP     LSPConfig     `mapstructure:"lsp"`
	Agent   AgentConfig   `mapstructure:"agent"`
	UI      UIConfig      `mapstructure:"ui"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// DefaultRequestTimeout bounds LSP and agent requests with no explicit timeout.
const DefaultRequestTimeout = 30 * time.Second

// DefaultQueueCapacity is the per-profile outstanding request limit.
const DefaultQueueCapacity = 4

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		AutoSync: true,
		TickRate: 100 * time.Millisecond,
		LSP: LSPConfig{
			Command:        "gopls",
			LanguageID:     "go",
			RequestTimeout: DefaultRequestTimeout,
		},
		Agent: AgentConfig{
			QueueCapacity: DefaultQueueCapacity,
			Profiles: []ProfileConfig{
				{
					ID:            "ollama",
					Label:         "Ollama (local HTTP)",
					Kind:          KindRemoteHTTP,
					Endpoint:      "http://localhost:11434/api/generate",
					Model:         "qwen2.5-coder",
					Timeout:       DefaultRequestTimeout,
					CredentialEnv: "",
				},
			},
		},
		UI: UIConfig{
			ShowStatusBar: true,
			MarkdownStyle: "dark",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Profile returns the profile with the given id, or false if none matches.
func (a AgentConfig) Profile(id string) (ProfileConfig, bool) {
	for _, p := range a.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return ProfileConfig{}, false
}

// Default returns the profile selected by DefaultProfile, falling back to
// the first configured profile.
func (a AgentConfig) Default() (ProfileConfig, bool) {
	if a.DefaultProfile != "" {
		return a.Profile(a.DefaultProfile)
	}
	if len(a.Profiles) > 0 {
		return a.Profiles[0], true
	}
	return ProfileConfig{}, false
}

// RequestTimeout returns the profile's timeout, defaulted when unset.
func (p ProfileConfig) RequestTimeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultRequestTimeout
}

// Credential resolves the profile's API token from the environment.
// Returns empty string when no credential reference is configured.
func (p ProfileConfig) Credential() string {
	if p.CredentialEnv == "" {
		return ""
	}
	return os.Getenv(p.CredentialEnv)
}

// ValidateAgent checks the agent configuration for structural problems.
func ValidateAgent(agent AgentConfig) error {
	if agent.QueueCapacity < 0 {
		return fmt.Errorf("agent queue_capacity must be >= 0, got %d", agent.QueueCapacity)
	}
	seen := make(map[string]struct{}, len(agent.Profiles))
	for i, p := range agent.Profiles {
		if p.ID == "" {
			return fmt.Errorf("agent profile %d: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("agent profile %q: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}

		switch p.Kind {
		case KindLocalProcess:
			if p.Command == "" {
				return fmt.Errorf("agent profile %q: command is required for kind %q", p.ID, p.Kind)
			}
		case KindRemoteHTTP, KindMCP:
			if p.Endpoint == "" {
				return fmt.Errorf("agent profile %q: endpoint is required for kind %q", p.ID, p.Kind)
			}
		default:
			return fmt.Errorf("agent profile %q: unknown kind %q (expected %q, %q, or %q)",
				p.ID, p.Kind, KindLocalProcess, KindRemoteHTTP, KindMCP)
		}
	}
	if agent.DefaultProfile != "" {
		if _, ok := agent.Profile(agent.DefaultProfile); !ok {
			return fmt.Errorf("agent default_profile %q does not match any profile", agent.DefaultProfile)
		}
	}
	return nil
}

// ValidateLSP checks the language server configuration.
func ValidateLSP(lsp LSPConfig) error {
	if lsp.Command == "" {
		return fmt.Errorf("lsp command is required")
	}
	if lsp.RequestTimeout < 0 {
		return fmt.Errorf("lsp request_timeout must be >= 0")
	}
	return nil
}

// ValidateTracing checks the tracing configuration.
func ValidateTracing(tracing TracingConfig) error {
	switch tracing.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown tracing exporter %q (expected none, file, stdout, or otlp)", tracing.Exporter)
	}
	if tracing.SampleRate < 0 || tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample_rate must be within [0, 1], got %v", tracing.SampleRate)
	}
	return nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := ValidateLSP(c.LSP); err != nil {
		return err
	}
	if err := ValidateAgent(c.Agent); err != nil {
		return err
	}
	return ValidateTracing(c.Tracing)
}

// TranscriptDBPath resolves the transcript database location for a workspace.
func (c Config) TranscriptDBPath(workspace string) string {
	if c.TranscriptDB != "" {
		return c.TranscriptDB
	}
	return filepath.Join(workspace, ".clide", "transcript.db")
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Clide Configuration

# Workspace root (default: current directory)
# workspace: /path/to/project

# Re-send open documents to the language server when files change on disk
auto_sync: true

# Language server for this workspace
lsp:
  command: gopls
  language_id: go
  # request_timeout: 30s

# AI suggestion backends. Each profile is a local subprocess
# ("local-process") speaking line-delimited JSON, an HTTP endpoint
# ("remote-http"), or an MCP tool endpoint ("mcp"). Credentials are
# resolved from the named environment variable, never stored here.
agent:
  # default_profile: ollama
  queue_capacity: 4
  profiles:
    - id: ollama
      label: Ollama (local HTTP)
      kind: remote-http
      endpoint: http://localhost:11434/api/generate
      model: qwen2.5-coder
    # - id: helper
    #   label: Local helper process
    #   kind: local-process
    #   command: clide-agent
    #   args: ["--stdio"]
    # - id: openai
    #   label: OpenAI
    #   kind: remote-http
    #   endpoint: https://api.openai.com/v1/chat/completions
    #   credential_env: OPENAI_API_KEY
    #   timeout: 60s
    # - id: refactor-bot
    #   label: Refactoring service (MCP)
    #   kind: mcp
    #   endpoint: https://mcp.internal/invoke
    #   tool: refactor
    #   credential_env: MCP_API_KEY
    #   headers:
    #     X-Team: platform

# UI settings
ui:
  show_status_bar: true
  # markdown_style: dark  # Agent panel markdown style: "dark" (default) or "light"

# Distributed tracing (spans around LSP requests and agent submissions)
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
