// Package state holds the single source of truth for the clide session.
//
// The State is owned exclusively by the dispatcher: handlers are the only
// mutators, and every other component (the renderer included) sees it only
// through immutable Snapshot values. Nothing here is safe for concurrent
// mutation because nothing ever mutates it from more than one goroutine.
package state

import (
	"fmt"
	"sort"
	"time"
)

// Focus identifies which pane currently receives input.
type Focus int

const (
	FocusEditor Focus = iota
	FocusTree
	FocusAgent
)

func (f Focus) String() string {
	switch f {
	case FocusEditor:
		return "editor"
	case FocusTree:
		return "tree"
	case FocusAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// Diagnostic is one language-server diagnostic for a document.
type Diagnostic struct {
	Line     int
	Col      int
	Severity int // 1=error, 2=warning, 3=info, 4=hint (LSP convention)
	Source   string
	Message  string
}

// OutstandingRequest tracks one accepted agent request until its terminal
// response arrives.
type OutstandingRequest struct {
	ID          string
	ProfileID   string
	SubmittedAt time.Time
}

// State is the aggregate application state.
type State struct {
	// Pane focus and visibility.
	Focus        Focus
	TreeVisible  bool
	AgentVisible bool

	// StatusLine is the one-line message shown at the bottom of the UI.
	StatusLine string

	// LSP session view.
	LspRunning  bool
	LspCrashed  bool
	Diagnostics map[string][]Diagnostic // document uri -> diagnostics

	// LastServerNote holds the most recent language-server stderr line.
	// Newly arriving lines overwrite it (last-message-wins).
	LastServerNote string

	// HoverText is the most recent hover result for the cursor position.
	HoverText string
	// Completions are the labels from the most recent completion result.
	Completions []string

	// Agent view.
	ActiveProfile string
	Outstanding   map[string]OutstandingRequest // request id -> bookkeeping
	Conversation  Conversation

	// Errors recorded by handler failures, newest last. Bounded by the
	// dispatcher; surfaced on the status line, never fatal.
	RecordedErrors []string
}

// New returns an empty State ready for the dispatcher to own.
func New() *State {
	return &State{
		Focus:       FocusEditor,
		TreeVisible: true,
		Diagnostics: make(map[string][]Diagnostic),
		Outstanding: make(map[string]OutstandingRequest),
	}
}

// TrackRequest records an accepted agent request.
// Returns an error if the id is already outstanding - correlation ids are
// unique and never reused while outstanding.
func (s *State) TrackRequest(id, profileID string, now time.Time) error {
	if id == "" {
		return fmt.Errorf("request id must not be empty")
	}
	if _, exists := s.Outstanding[id]; exists {
		return fmt.Errorf("request id %s already outstanding", id)
	}
	s.Outstanding[id] = OutstandingRequest{ID: id, ProfileID: profileID, SubmittedAt: now}
	return nil
}

// ResolveRequest removes a request after its terminal response.
// Returns false if the id was not outstanding (stale correlation).
func (s *State) ResolveRequest(id string) bool {
	if _, ok := s.Outstanding[id]; !ok {
		return false
	}
	delete(s.Outstanding, id)
	return true
}

// SetDiagnostics replaces the diagnostics for a document.
// A nil slice clears the entry entirely.
func (s *State) SetDiagnostics(uri string, diags []Diagnostic) {
	if len(diags) == 0 {
		delete(s.Diagnostics, uri)
		return
	}
	s.Diagnostics[uri] = diags
}

// DiagnosticCount returns the total diagnostics across all documents.
func (s *State) DiagnosticCount() int {
	n := 0
	for _, d := range s.Diagnostics {
		n += len(d)
	}
	return n
}

// RecordError appends a handler error, keeping at most maxRecordedErrors.
func (s *State) RecordError(msg string) {
	const maxRecordedErrors = 50
	s.RecordedErrors = append(s.RecordedErrors, msg)
	if len(s.RecordedErrors) > maxRecordedErrors {
		s.RecordedErrors = s.RecordedErrors[len(s.RecordedErrors)-maxRecordedErrors:]
	}
}

// CheckInvariants returns descriptions of violated invariants, empty when
// the state is consistent. Any violation is treated as fatal by the
// dispatcher: the store has exactly one writer, so a violation means that
// writer produced an impossible state.
func (s *State) CheckInvariants() []string {
	var violations []string

	for id, req := range s.Outstanding {
		if id == "" || req.ID == "" {
			violations = append(violations, "outstanding request with empty id")
			continue
		}
		if id != req.ID {
			violations = append(violations, fmt.Sprintf("outstanding map key %s does not match entry id %s", id, req.ID))
		}
		if req.SubmittedAt.IsZero() {
			violations = append(violations, fmt.Sprintf("outstanding request %s has no submission time", id))
		}
	}

	for uri, diags := range s.Diagnostics {
		if uri == "" {
			violations = append(violations, "diagnostics recorded for empty document uri")
		}
		if len(diags) == 0 {
			violations = append(violations, fmt.Sprintf("empty diagnostics slice retained for %s", uri))
		}
	}

	if n := len(s.Conversation.entries); n > 0 && s.Conversation.selected >= n {
		violations = append(violations, fmt.Sprintf("conversation selection %d out of range (%d entries)", s.Conversation.selected, n))
	}

	return violations
}

// Snapshot is an immutable copy of State handed to read-only consumers.
type Snapshot struct {
	Focus          Focus
	TreeVisible    bool
	AgentVisible   bool
	StatusLine     string
	LspRunning     bool
	LspCrashed     bool
	Diagnostics    map[string][]Diagnostic
	LastServerNote string
	HoverText      string
	Completions    []string
	ActiveProfile  string
	Outstanding    []OutstandingRequest
	Entries        []Entry
	SelectedEntry  int
	RecordedErrors []string
}

// Snapshot produces a deep copy safe to hand across goroutines.
func (s *State) Snapshot() Snapshot {
	diags := make(map[string][]Diagnostic, len(s.Diagnostics))
	for uri, d := range s.Diagnostics {
		cp := make([]Diagnostic, len(d))
		copy(cp, d)
		diags[uri] = cp
	}

	outstanding := make([]OutstandingRequest, 0, len(s.Outstanding))
	for _, req := range s.Outstanding {
		outstanding = append(outstanding, req)
	}
	sort.Slice(outstanding, func(i, j int) bool { return outstanding[i].ID < outstanding[j].ID })

	completions := make([]string, len(s.Completions))
	copy(completions, s.Completions)

	entries := make([]Entry, len(s.Conversation.entries))
	copy(entries, s.Conversation.entries)

	errs := make([]string, len(s.RecordedErrors))
	copy(errs, s.RecordedErrors)

	return Snapshot{
		Focus:          s.Focus,
		TreeVisible:    s.TreeVisible,
		AgentVisible:   s.AgentVisible,
		StatusLine:     s.StatusLine,
		LspRunning:     s.LspRunning,
		LspCrashed:     s.LspCrashed,
		Diagnostics:    diags,
		LastServerNote: s.LastServerNote,
		HoverText:      s.HoverText,
		Completions:    completions,
		ActiveProfile:  s.ActiveProfile,
		Outstanding:    outstanding,
		Entries:        entries,
		SelectedEntry:  s.Conversation.selected,
		RecordedErrors: errs,
	}
}
