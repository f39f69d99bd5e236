package dispatch

import "encoding/json"

// Command is an effect requested by a handler. Commands are executed
// synchronously by the dispatcher against the language-server client, the
// agent manager, or the transcript store; anything asynchronous they start
// re-enters the loop as a future event.
type Command interface {
	Name() string
}

// LspInitialize starts the language-server handshake.
type LspInitialize struct{}

func (LspInitialize) Name() string { return "lsp.initialize" }

// LspConfirmInitialized records capabilities and confirms the handshake.
type LspConfirmInitialized struct {
	Result json.RawMessage
}

func (LspConfirmInitialized) Name() string { return "lsp.confirm-initialized" }

// LspOpenDocument announces an opened document.
type LspOpenDocument struct {
	Path string
	Text string
}

func (LspOpenDocument) Name() string { return "lsp.did-open" }

// LspChangeDocument sends a document's full new content.
type LspChangeDocument struct {
	Path string
	Text string
}

func (LspChangeDocument) Name() string { return "lsp.did-change" }

// LspCloseDocument announces a closed document.
type LspCloseDocument struct {
	Path string
}

func (LspCloseDocument) Name() string { return "lsp.did-close" }

// LspSyncFile re-reads a file from disk and syncs it if it is open.
type LspSyncFile struct {
	Path string
}

func (LspSyncFile) Name() string { return "lsp.sync-file" }

// LspQuery issues a position query (hover, completion, definition).
type LspQuery struct {
	Query QueryKind
	Path  string
	Line  int
	Col   int
}

func (LspQuery) Name() string { return "lsp.query" }

// LspRestart respawns a crashed or stopped session.
type LspRestart struct{}

func (LspRestart) Name() string { return "lsp.restart" }

// AgentSubmit sends a prompt to the active profile.
type AgentSubmit struct {
	Prompt  string
	Context string
}

func (AgentSubmit) Name() string { return "agent.submit" }

// AgentCancel abandons a request wherever it sits.
type AgentCancel struct {
	RequestID string
}

func (AgentCancel) Name() string { return "agent.cancel" }

// AgentActivate switches the active profile.
type AgentActivate struct {
	ProfileID string
}

func (AgentActivate) Name() string { return "agent.activate" }

// RecordTranscript persists one conversation record.
type RecordTranscript struct {
	ProfileID string
	RequestID string
	Role      string
	Content   string
}

func (RecordTranscript) Name() string { return "transcript.record" }
