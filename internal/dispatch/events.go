// Package dispatch is the single consumer that merges terminal input,
// language-server traffic, agent traffic, file-watcher notices, and the
// internal tick into one serial stream of state transitions.
//
// Handlers are pure: given the state and one event they mutate the state
// and return commands. All side effects (subprocess writes, HTTP calls,
// transcript persistence) happen in the dispatcher's execution layer, and
// their results re-enter the loop as later events.
package dispatch

import (
	"encoding/json"
	"time"

	"github.com/zjrosen/clide/internal/agent"
	"github.com/zjrosen/clide/internal/lsp"
	"github.com/zjrosen/clide/internal/state"
)

// Event is the sole unit the dispatcher consumes. The concrete types below
// form a closed union.
type Event interface {
	Kind() string
}

// LspEvent wraps one typed occurrence from the language-server client.
type LspEvent struct {
	Event lsp.Event
}

func (LspEvent) Kind() string { return "lsp" }

// AgentEvent wraps one typed occurrence from an agent provider.
type AgentEvent struct {
	Event agent.Event
}

func (AgentEvent) Kind() string { return "agent" }

// RequestStartedEvent records that a command issued an asynchronous
// request. It is produced by the execution layer so the outstanding table
// is still mutated only inside a handler.
type RequestStartedEvent struct {
	ID        string
	ProfileID string
	At        time.Time
}

func (RequestStartedEvent) Kind() string { return "request-started" }

// PromptSubmittedEvent records that a prompt was accepted by the agent
// manager.
type PromptSubmittedEvent struct {
	Request agent.Request
	At      time.Time
}

func (PromptSubmittedEvent) Kind() string { return "prompt-submitted" }

// CachedResultEvent carries a query result served from the cache instead
// of the language server.
type CachedResultEvent struct {
	Query  string // "hover" or "completion"
	Result json.RawMessage
}

func (CachedResultEvent) Kind() string { return "cached-result" }

// FocusEvent moves pane focus.
type FocusEvent struct {
	Focus state.Focus
}

func (FocusEvent) Kind() string { return "focus" }

// ToggleTreeEvent flips the file-tree pane.
type ToggleTreeEvent struct{}

func (ToggleTreeEvent) Kind() string { return "toggle-tree" }

// ToggleAgentEvent flips the agent conversation pane.
type ToggleAgentEvent struct{}

func (ToggleAgentEvent) Kind() string { return "toggle-agent" }

// PromptEvent is the user submitting a prompt to the active profile.
type PromptEvent struct {
	Prompt  string
	Context string
}

func (PromptEvent) Kind() string { return "prompt" }

// CancelRequestEvent is the user abandoning an outstanding agent request.
type CancelRequestEvent struct {
	RequestID string
}

func (CancelRequestEvent) Kind() string { return "cancel-request" }

// ProfileSelectedEvent switches the active agent profile.
type ProfileSelectedEvent struct {
	ProfileID string
}

func (ProfileSelectedEvent) Kind() string { return "profile-selected" }

// SelectionMovedEvent moves the conversation selection cursor.
type SelectionMovedEvent struct {
	Delta int
}

func (SelectionMovedEvent) Kind() string { return "selection-moved" }

// DocumentOp distinguishes document lifecycle notifications.
type DocumentOp int

const (
	DocOpen DocumentOp = iota
	DocChange
	DocClose
)

// DocumentEvent is an editor document lifecycle notice.
type DocumentEvent struct {
	Op   DocumentOp
	Path string
	Text string
}

func (DocumentEvent) Kind() string { return "document" }

// QueryKind distinguishes position queries against the language server.
type QueryKind int

const (
	QueryHover QueryKind = iota
	QueryCompletion
	QueryDefinition
)

// QueryEvent asks the language server about a document position.
type QueryEvent struct {
	Query QueryKind
	Path  string
	Line  int
	Col   int
}

func (QueryEvent) Kind() string { return "query" }

// RestartLspEvent is the user explicitly restarting a crashed session.
type RestartLspEvent struct{}

func (RestartLspEvent) Kind() string { return "restart-lsp" }

// FileChangedEvent is a debounced notice from the workspace watcher.
type FileChangedEvent struct {
	Path string
}

func (FileChangedEvent) Kind() string { return "file-changed" }

// TickEvent drives periodic work: agent polling and status refresh.
type TickEvent struct {
	At time.Time
}

func (TickEvent) Kind() string { return "tick" }

// ShutdownEvent halts the loop after an orderly teardown.
type ShutdownEvent struct{}

func (ShutdownEvent) Kind() string { return "shutdown" }
