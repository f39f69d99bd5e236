// Package app contains the root application model. It is a thin rendering
// surface: every keypress becomes a semantic event posted to the
// dispatcher, and everything drawn comes from read-only state snapshots
// delivered over the snapshot broker. The model never touches the
// language-server or agent processes directly.
package app

import (
	"context"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/zjrosen/clide/internal/config"
	"github.com/zjrosen/clide/internal/dispatch"
	"github.com/zjrosen/clide/internal/log"
	"github.com/zjrosen/clide/internal/pubsub"
	"github.com/zjrosen/clide/internal/state"
)

// Dispatcher is the surface the model posts events to.
type Dispatcher interface {
	Post(ev dispatch.Event)
}

// Config wires the model to the running system.
type Config struct {
	// Dispatcher receives semantic events for every user action.
	Dispatcher Dispatcher
	// Snapshots delivers state snapshots after every applied batch.
	Snapshots *pubsub.Broker[state.Snapshot]
	// Profiles lists the configured agent profiles, in config order.
	Profiles []config.ProfileConfig
	// Document is the workspace file the cursor starts in. Optional.
	Document string
}

// Model is the root application state.
type Model struct {
	cfg  Config
	keys KeyMap

	snap state.Snapshot

	// Virtual cursor for position queries against the language server.
	docPath string
	line    int
	col     int

	prompt textinput.Model

	width  int
	height int

	listener       *pubsub.ContinuousListener[state.Snapshot]
	listenerCancel context.CancelFunc
}

// New creates the root model. Call Close when the program exits to stop
// the snapshot subscription.
func New(cfg Config) Model {
	prompt := textinput.New()
	prompt.Placeholder = "ask the agent..."
	prompt.CharLimit = 4096
	prompt.Focus()

	var (
		listener *pubsub.ContinuousListener[state.Snapshot]
		cancel   context.CancelFunc
	)
	if cfg.Snapshots != nil {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		listener = pubsub.NewContinuousListener(ctx, cfg.Snapshots)
	}

	return Model{
		cfg:            cfg,
		keys:           DefaultKeyMap(),
		snap:           state.New().Snapshot(),
		docPath:        cfg.Document,
		prompt:         prompt,
		width:          80,
		height:         24,
		listener:       listener,
		listenerCancel: cancel,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink}
	if m.listener != nil {
		cmds = append(cmds, m.listener.Listen())
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.prompt.Width = msg.Width - 4
		return m, nil

	case pubsub.Event[state.Snapshot]:
		m.snap = msg.Payload
		var cmd tea.Cmd
		if m.listener != nil {
			cmd = m.listener.Listen()
		}
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.post(dispatch.ShutdownEvent{})
		return m, tea.Quit

	case key.Matches(msg, m.keys.CycleFocus):
		m.post(dispatch.FocusEvent{Focus: nextFocus(m.snap.Focus)})
		return m, nil

	case key.Matches(msg, m.keys.ToggleTree):
		m.post(dispatch.ToggleTreeEvent{})
		return m, nil

	case key.Matches(msg, m.keys.ToggleAgent):
		m.post(dispatch.ToggleAgentEvent{})
		return m, nil

	case key.Matches(msg, m.keys.RestartLsp):
		m.post(dispatch.RestartLspEvent{})
		return m, nil

	case key.Matches(msg, m.keys.NextProfile):
		if next := m.nextProfile(); next != "" {
			m.post(dispatch.ProfileSelectedEvent{ProfileID: next})
		}
		return m, nil
	}

	if m.snap.Focus == state.FocusAgent {
		return m.handleAgentKey(msg)
	}
	return m.handleEditorKey(msg)
}

// handleAgentKey routes keys while the conversation pane has focus. The
// prompt input consumes anything not bound.
func (m Model) handleAgentKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Submit):
		text := m.prompt.Value()
		if text == "" {
			return m, nil
		}
		m.post(dispatch.PromptEvent{Prompt: text, Context: m.docPath})
		m.prompt.Reset()
		return m, nil

	case key.Matches(msg, m.keys.Cancel):
		if m.prompt.Value() != "" {
			m.prompt.Reset()
			return m, nil
		}
		if id := newestOutstanding(m.snap); id != "" {
			m.post(dispatch.CancelRequestEvent{RequestID: id})
		}
		return m, nil

	case key.Matches(msg, m.keys.Up):
		m.post(dispatch.SelectionMovedEvent{Delta: -1})
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.post(dispatch.SelectionMovedEvent{Delta: 1})
		return m, nil
	}

	var cmd tea.Cmd
	m.prompt, cmd = m.prompt.Update(msg)
	return m, cmd
}

// handleEditorKey routes keys while the editor pane has focus. Arrow keys
// move the virtual cursor; query bindings ask the language server about
// the position under it.
func (m Model) handleEditorKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Up):
		if m.line > 0 {
			m.line--
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.line++
		return m, nil

	case key.Matches(msg, m.keys.Hover):
		m.postQuery(dispatch.QueryHover)
		return m, nil

	case key.Matches(msg, m.keys.Completion):
		m.postQuery(dispatch.QueryCompletion)
		return m, nil

	case key.Matches(msg, m.keys.Definition):
		m.postQuery(dispatch.QueryDefinition)
		return m, nil
	}

	switch msg.String() {
	case "left":
		if m.col > 0 {
			m.col--
		}
	case "right":
		m.col++
	}
	return m, nil
}

func (m Model) postQuery(kind dispatch.QueryKind) {
	if m.docPath == "" {
		log.Debug(log.CatUI, "query with no open document")
		return
	}
	m.post(dispatch.QueryEvent{Query: kind, Path: m.docPath, Line: m.line, Col: m.col})
}

func (m Model) post(ev dispatch.Event) {
	if m.cfg.Dispatcher != nil {
		m.cfg.Dispatcher.Post(ev)
	}
}

// nextProfile returns the profile after the active one, wrapping around.
func (m Model) nextProfile() string {
	if len(m.cfg.Profiles) == 0 {
		return ""
	}
	for i, p := range m.cfg.Profiles {
		if p.ID == m.snap.ActiveProfile {
			return m.cfg.Profiles[(i+1)%len(m.cfg.Profiles)].ID
		}
	}
	return m.cfg.Profiles[0].ID
}

// newestOutstanding returns the most recently submitted outstanding
// request id, or "" when nothing is in flight.
func newestOutstanding(snap state.Snapshot) string {
	var (
		id     string
		newest = -1
	)
	for i, req := range snap.Outstanding {
		if newest < 0 || req.SubmittedAt.After(snap.Outstanding[newest].SubmittedAt) {
			newest = i
			id = req.ID
		}
	}
	return id
}

func nextFocus(f state.Focus) state.Focus {
	switch f {
	case state.FocusEditor:
		return state.FocusTree
	case state.FocusTree:
		return state.FocusAgent
	default:
		return state.FocusEditor
	}
}

// Close stops the snapshot subscription.
func (m *Model) Close() {
	if m.listenerCancel != nil {
		m.listenerCancel()
	}
}
