package lsp

// SessionStatus represents the current state of the language server session.
type SessionStatus int

const (
	// StatusPending indicates the subprocess has not yet started.
	StatusPending SessionStatus = iota
	// StatusRunning indicates the subprocess is alive and accepting sends.
	StatusRunning
	// StatusCrashed indicates the subprocess exited on its own; the session
	// refuses sends until an explicit Restart.
	StatusCrashed
	// StatusStopped indicates the session was shut down deliberately.
	StatusStopped
)

// String returns a human-readable representation of the status.
func (s SessionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCrashed:
		return "crashed"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the session cannot accept sends without a restart.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCrashed || s == StatusStopped
}
