package state

import "time"

// EntryKind classifies a conversation entry for rendering.
type EntryKind int

const (
	// EntryUserPrompt is a prompt typed by the user.
	EntryUserPrompt EntryKind = iota
	// EntryResponse is a suggestion from an agent backend.
	EntryResponse
	// EntryInfo is system-generated reference information.
	EntryInfo
	// EntryError is a system-generated error message.
	EntryError
)

func (k EntryKind) String() string {
	switch k {
	case EntryUserPrompt:
		return "prompt"
	case EntryResponse:
		return "response"
	case EntryInfo:
		return "info"
	case EntryError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one item in the agent conversation history.
// Responses may carry a patch (diff text) the user can preview.
type Entry struct {
	Kind      EntryKind
	RequestID string // correlation id for response entries, empty otherwise
	ProfileID string
	Title     string
	Detail    string
	Patch     string
	Streaming bool // true while a partial response is still accumulating
	At        time.Time
}

// Conversation is the ordered agent panel history with a selection cursor.
// It lives inside State and shares its single-writer discipline.
type Conversation struct {
	entries  []Entry
	selected int
}

// Entries returns the conversation history. Callers must not mutate it;
// Snapshot copies it for cross-goroutine use.
func (c *Conversation) Entries() []Entry {
	return c.entries
}

// Len returns the number of entries.
func (c *Conversation) Len() int {
	return len(c.entries)
}

// Push appends an entry and moves the selection to it.
func (c *Conversation) Push(entry Entry) {
	c.entries = append(c.entries, entry)
	c.selected = len(c.entries) - 1
}

// AppendToLast extends the detail of the newest entry matching the request
// id, for accumulating partial responses. Returns false if no streaming
// entry with that id exists.
func (c *Conversation) AppendToLast(requestID, detail string) bool {
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].RequestID == requestID && c.entries[i].Streaming {
			c.entries[i].Detail += detail
			return true
		}
	}
	return false
}

// AttachPatch stores a diff on the newest response entry for the request
// id, replacing any earlier one. Returns false if no response entry with
// that id exists.
func (c *Conversation) AttachPatch(requestID, patch string) bool {
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].RequestID == requestID && c.entries[i].Kind == EntryResponse {
			c.entries[i].Patch = patch
			return true
		}
	}
	return false
}

// Finalize marks the streaming entry for a request id as complete.
// Returns false if no streaming entry with that id exists.
func (c *Conversation) Finalize(requestID string) bool {
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].RequestID == requestID && c.entries[i].Streaming {
			c.entries[i].Streaming = false
			return true
		}
	}
	return false
}

// Selected returns the entry under the cursor, or false when empty.
func (c *Conversation) Selected() (Entry, bool) {
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[c.selected], true
}

// SelectedIndex returns the cursor position.
func (c *Conversation) SelectedIndex() int {
	return c.selected
}

// MoveSelection shifts the cursor by delta, clamped to valid range.
func (c *Conversation) MoveSelection(delta int) {
	if len(c.entries) == 0 {
		return
	}
	next := c.selected + delta
	if next < 0 {
		next = 0
	}
	if next >= len(c.entries) {
		next = len(c.entries) - 1
	}
	c.selected = next
}

// SetSelection places the cursor at index, clamped to valid range.
func (c *Conversation) SetSelection(index int) {
	if len(c.entries) == 0 {
		c.selected = 0
		return
	}
	if index < 0 {
		index = 0
	}
	if index >= len(c.entries) {
		index = len(c.entries) - 1
	}
	c.selected = index
}
