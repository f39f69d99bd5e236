package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/zjrosen/clide/internal/agent"
	"github.com/zjrosen/clide/internal/lsp"
	"github.com/zjrosen/clide/internal/state"
)

// Handler applies one event to the state and returns follow-up commands.
// Handlers must be pure apart from the state they are handed: no I/O, no
// clock reads - timestamps come from the events themselves, so folding the
// same event sequence over a fresh state always yields the same state.
type Handler func(st *state.State, ev Event) ([]Command, error)

// defaultHandlers wires every event kind to its reducer.
func defaultHandlers() map[string]Handler {
	return map[string]Handler{
		"lsp":              handleLsp,
		"agent":            handleAgent,
		"request-started":  handleRequestStarted,
		"prompt-submitted": handlePromptSubmitted,
		"cached-result":    handleCachedResult,
		"focus":            handleFocus,
		"toggle-tree":      handleToggleTree,
		"toggle-agent":     handleToggleAgent,
		"prompt":           handlePrompt,
		"cancel-request":   handleCancelRequest,
		"profile-selected": handleProfileSelected,
		"selection-moved":  handleSelectionMoved,
		"document":         handleDocument,
		"query":            handleQuery,
		"restart-lsp":      handleRestartLsp,
		"lsp-started":      handleLspStarted,
		"file-changed":     handleFileChanged,
		"tick":             handleTick,
		"shutdown":         handleShutdown,
	}
}

// LspStartedEvent records that the language-server process is up, either
// after the initial spawn or an explicit restart.
type LspStartedEvent struct{}

func (LspStartedEvent) Kind() string { return "lsp-started" }

// lspRequestID maps a protocol correlation id into the outstanding table's
// keyspace, which is shared with agent request ids.
func lspRequestID(id int64) string {
	return fmt.Sprintf("lsp:%d", id)
}

func handleFocus(st *state.State, ev Event) ([]Command, error) {
	st.Focus = ev.(FocusEvent).Focus
	return nil, nil
}

func handleToggleTree(st *state.State, _ Event) ([]Command, error) {
	st.TreeVisible = !st.TreeVisible
	return nil, nil
}

func handleToggleAgent(st *state.State, _ Event) ([]Command, error) {
	st.AgentVisible = !st.AgentVisible
	return nil, nil
}

func handlePrompt(st *state.State, ev Event) ([]Command, error) {
	e := ev.(PromptEvent)
	if e.Prompt == "" {
		return nil, nil
	}
	return []Command{AgentSubmit{Prompt: e.Prompt, Context: e.Context}}, nil
}

func handleCancelRequest(st *state.State, ev Event) ([]Command, error) {
	e := ev.(CancelRequestEvent)
	if _, ok := st.Outstanding[e.RequestID]; !ok {
		return nil, fmt.Errorf("cancel for unknown request %s", e.RequestID)
	}
	return []Command{AgentCancel{RequestID: e.RequestID}}, nil
}

func handleProfileSelected(st *state.State, ev Event) ([]Command, error) {
	e := ev.(ProfileSelectedEvent)
	st.ActiveProfile = e.ProfileID
	return []Command{AgentActivate{ProfileID: e.ProfileID}}, nil
}

func handleSelectionMoved(st *state.State, ev Event) ([]Command, error) {
	st.Conversation.MoveSelection(ev.(SelectionMovedEvent).Delta)
	return nil, nil
}

func handleDocument(st *state.State, ev Event) ([]Command, error) {
	e := ev.(DocumentEvent)
	switch e.Op {
	case DocOpen:
		return []Command{LspOpenDocument{Path: e.Path, Text: e.Text}}, nil
	case DocChange:
		// Any cached hover/completion for the old content is stale; the
		// execution layer flushes the query cache on this command.
		return []Command{LspChangeDocument{Path: e.Path, Text: e.Text}}, nil
	case DocClose:
		st.SetDiagnostics(lsp.FileURI(e.Path), nil)
		return []Command{LspCloseDocument{Path: e.Path}}, nil
	default:
		return nil, fmt.Errorf("unknown document op %d", e.Op)
	}
}

func handleQuery(st *state.State, ev Event) ([]Command, error) {
	e := ev.(QueryEvent)
	return []Command{LspQuery{Query: e.Query, Path: e.Path, Line: e.Line, Col: e.Col}}, nil
}

func handleRestartLsp(st *state.State, _ Event) ([]Command, error) {
	if st.LspRunning {
		return nil, fmt.Errorf("language server is already running")
	}
	return []Command{LspRestart{}}, nil
}

func handleLspStarted(st *state.State, _ Event) ([]Command, error) {
	st.LspRunning = true
	st.LspCrashed = false
	st.StatusLine = "language server running"
	return []Command{LspInitialize{}}, nil
}

func handleFileChanged(st *state.State, ev Event) ([]Command, error) {
	e := ev.(FileChangedEvent)
	st.StatusLine = fmt.Sprintf("changed on disk: %s", e.Path)
	return []Command{LspSyncFile{Path: e.Path}}, nil
}

func handleTick(_ *state.State, _ Event) ([]Command, error) {
	// Agent polling rides the tick in the dispatcher loop itself; the
	// state carries nothing time-derived.
	return nil, nil
}

func handleShutdown(st *state.State, _ Event) ([]Command, error) {
	st.StatusLine = "shutting down"
	return nil, nil
}

func handleRequestStarted(st *state.State, ev Event) ([]Command, error) {
	e := ev.(RequestStartedEvent)
	return nil, st.TrackRequest(e.ID, e.ProfileID, e.At)
}

func handlePromptSubmitted(st *state.State, ev Event) ([]Command, error) {
	e := ev.(PromptSubmittedEvent)
	if err := st.TrackRequest(e.Request.ID, e.Request.ProfileID, e.At); err != nil {
		return nil, err
	}

	st.Conversation.Push(state.Entry{
		Kind:      state.EntryUserPrompt,
		ProfileID: e.Request.ProfileID,
		Title:     "you",
		Detail:    e.Request.Prompt,
		At:        e.At,
	})
	st.Conversation.Push(state.Entry{
		Kind:      state.EntryResponse,
		RequestID: e.Request.ID,
		ProfileID: e.Request.ProfileID,
		Title:     e.Request.ProfileID,
		Streaming: true,
		At:        e.At,
	})
	st.StatusLine = fmt.Sprintf("waiting on %s", e.Request.ProfileID)

	return []Command{RecordTranscript{
		ProfileID: e.Request.ProfileID,
		RequestID: e.Request.ID,
		Role:      "user",
		Content:   e.Request.Prompt,
	}}, nil
}

func handleCachedResult(st *state.State, ev Event) ([]Command, error) {
	e := ev.(CachedResultEvent)
	switch e.Query {
	case "hover":
		st.HoverText = renderHover(e.Result)
	case "completion":
		st.Completions = parseCompletions(e.Result)
	}
	return nil, nil
}

func handleLsp(st *state.State, ev Event) ([]Command, error) {
	e := ev.(LspEvent).Event

	switch e.Type {
	case lsp.EventResponse:
		return handleLspResponse(st, e)

	case lsp.EventNotification:
		return nil, handleLspNotification(st, e)

	case lsp.EventStderr:
		st.LastServerNote = e.Line
		return nil, nil

	case lsp.EventExited:
		st.LspRunning = false
		st.LspCrashed = true
		st.StatusLine = "language server crashed (press R to restart)"
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown lsp event type %q", e.Type)
	}
}

func handleLspResponse(st *state.State, e lsp.Event) ([]Command, error) {
	if !st.ResolveRequest(lspRequestID(e.ID)) {
		// Stale or duplicate resolution; already freed.
		return nil, nil
	}

	if e.Failure != nil {
		switch e.Failure.Kind {
		case lsp.FailTimeout:
			st.StatusLine = fmt.Sprintf("%s timed out", e.Method)
		case lsp.FailProcessExited:
			st.StatusLine = fmt.Sprintf("%s failed: server exited", e.Method)
		case lsp.FailClosed:
			st.StatusLine = fmt.Sprintf("%s abandoned: session closed", e.Method)
		default:
			st.StatusLine = fmt.Sprintf("%s failed: %s", e.Method, e.Failure.Message)
		}
		return nil, nil
	}

	switch e.Method {
	case lsp.MethodInitialize:
		st.StatusLine = "language server ready"
		return []Command{LspConfirmInitialized{Result: e.Result}}, nil
	case lsp.MethodHover:
		st.HoverText = renderHover(e.Result)
	case lsp.MethodCompletion:
		st.Completions = parseCompletions(e.Result)
	case lsp.MethodDefinition:
		if loc := parseDefinition(e.Result); loc != "" {
			st.StatusLine = loc
		}
	}
	return nil, nil
}

func handleLspNotification(st *state.State, e lsp.Event) error {
	if !e.IsDiagnostics() {
		// showMessage / logMessage and friends share the note slot.
		var note struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(e.Params, &note); err == nil && note.Message != "" {
			st.LastServerNote = note.Message
		}
		return nil
	}

	var params lsp.PublishDiagnosticsParams
	if err := json.Unmarshal(e.Params, &params); err != nil {
		return fmt.Errorf("decoding diagnostics: %w", err)
	}

	diags := make([]state.Diagnostic, 0, len(params.Diagnostics))
	for _, d := range params.Diagnostics {
		diags = append(diags, state.Diagnostic{
			Line:     d.Range.Start.Line,
			Col:      d.Range.Start.Character,
			Severity: d.Severity,
			Source:   d.Source,
			Message:  d.Message,
		})
	}
	st.SetDiagnostics(params.URI, diags)
	return nil
}

func handleAgent(st *state.State, ev Event) ([]Command, error) {
	e := ev.(AgentEvent).Event

	switch e.Type {
	case agent.EventResponse:
		return handleAgentResponse(st, e)

	case agent.EventStderr:
		st.LastServerNote = e.Line
		return nil, nil

	case agent.EventExited:
		st.LastServerNote = fmt.Sprintf("%s provider exited", e.ProfileID)
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown agent event type %q", e.Type)
	}
}

func handleAgentResponse(st *state.State, e agent.Event) ([]Command, error) {
	switch e.Status {
	case agent.StatusPending:
		return nil, nil

	case agent.StatusPartial:
		st.Conversation.AppendToLast(e.RequestID, e.Payload)
		if e.Patch != "" {
			st.Conversation.AttachPatch(e.RequestID, e.Patch)
		}
		return nil, nil

	case agent.StatusComplete:
		st.Conversation.AppendToLast(e.RequestID, e.Payload)
		if e.Patch != "" {
			st.Conversation.AttachPatch(e.RequestID, e.Patch)
		}
		st.Conversation.Finalize(e.RequestID)
		st.ResolveRequest(e.RequestID)
		st.StatusLine = fmt.Sprintf("%s answered", e.ProfileID)
		return []Command{RecordTranscript{
			ProfileID: e.ProfileID,
			RequestID: e.RequestID,
			Role:      "assistant",
			Content:   entryDetail(st, e.RequestID),
		}}, nil

	case agent.StatusError:
		st.Conversation.Finalize(e.RequestID)
		st.ResolveRequest(e.RequestID)
		msg := "request failed"
		if e.Failure != nil {
			msg = e.Failure.Message
		}
		st.Conversation.Push(state.Entry{
			Kind:      state.EntryError,
			RequestID: e.RequestID,
			ProfileID: e.ProfileID,
			Title:     "error",
			Detail:    msg,
			At:        e.Timestamp,
		})
		st.StatusLine = fmt.Sprintf("%s: %s", e.ProfileID, msg)
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown response status %q", e.Status)
	}
}

// entryDetail returns the accumulated detail for a request's entry.
func entryDetail(st *state.State, requestID string) string {
	entries := st.Conversation.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].RequestID == requestID && entries[i].Kind == state.EntryResponse {
			return entries[i].Detail
		}
	}
	return ""
}

// renderHover flattens the protocol's several hover shapes into one string.
func renderHover(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var hover struct {
		Contents json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(raw, &hover); err != nil || len(hover.Contents) == 0 {
		return ""
	}

	return flattenHoverContents(hover.Contents)
}

func flattenHoverContents(raw json.RawMessage) string {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var markup struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &markup); err == nil && markup.Value != "" {
		return markup.Value
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err == nil {
		out := ""
		for _, part := range parts {
			if s := flattenHoverContents(part); s != "" {
				if out != "" {
					out += "\n"
				}
				out += s
			}
		}
		return out
	}
	return ""
}

// parseCompletions extracts labels from either a CompletionList or a bare
// item array.
func parseCompletions(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var list struct {
		Items []struct {
			Label string `json:"label"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &list); err == nil && len(list.Items) > 0 {
		labels := make([]string, 0, len(list.Items))
		for _, item := range list.Items {
			labels = append(labels, item.Label)
		}
		return labels
	}

	var items []struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(raw, &items); err == nil && len(items) > 0 {
		labels := make([]string, 0, len(items))
		for _, item := range items {
			labels = append(labels, item.Label)
		}
		return labels
	}
	return nil
}

// parseDefinition renders the first location as "path:line:col".
func parseDefinition(raw json.RawMessage) string {
	type location struct {
		URI   string    `json:"uri"`
		Range lsp.Range `json:"range"`
	}

	var locs []location
	if err := json.Unmarshal(raw, &locs); err != nil || len(locs) == 0 {
		var single location
		if err := json.Unmarshal(raw, &single); err != nil || single.URI == "" {
			return ""
		}
		locs = []location{single}
	}

	first := locs[0]
	return fmt.Sprintf("%s:%d:%d", first.URI, first.Range.Start.Line+1, first.Range.Start.Character+1)
}
