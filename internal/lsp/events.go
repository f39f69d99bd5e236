package lsp

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event emitted by the client.
type EventType string

const (
	// EventResponse resolves a pending call, successfully or not.
	EventResponse EventType = "response"
	// EventNotification is a server-initiated push (diagnostics etc).
	EventNotification EventType = "notification"
	// EventStderr wraps one line of the server's diagnostic stream.
	EventStderr EventType = "stderr"
	// EventExited reports that the server process terminated.
	EventExited EventType = "exited"
)

// FailureKind classifies why a pending call resolved without a result.
type FailureKind string

const (
	// FailServer is an error response from the server itself.
	FailServer FailureKind = "server"
	// FailTimeout means the per-request deadline elapsed.
	FailTimeout FailureKind = "timeout"
	// FailProcessExited means the server died with the call in flight.
	FailProcessExited FailureKind = "process-exited"
	// FailClosed means the session was shut down with the call in flight.
	FailClosed FailureKind = "closed"
)

// CallFailure describes a failed call resolution.
type CallFailure struct {
	Kind    FailureKind
	Code    int // JSON-RPC error code for FailServer, zero otherwise
	Message string
}

// Event is the sole unit the client hands to its consumer. Raw server
// output - stdout frames and stderr lines alike - never crosses this
// boundary untyped.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// Response fields. Exactly one of Result or Failure is set.
	ID      int64
	Method  string // method of the originating request
	Result  json.RawMessage
	Failure *CallFailure

	// Notification fields.
	NotifyMethod string
	Params       json.RawMessage

	// Stderr fields. Line is ANSI-stripped before it leaves the client.
	Line string

	// Exit fields.
	ExitErr error
}

// IsFailure returns true for a response event that resolved unsuccessfully.
func (e Event) IsFailure() bool {
	return e.Type == EventResponse && e.Failure != nil
}

// IsDiagnostics returns true for a publishDiagnostics notification.
func (e Event) IsDiagnostics() bool {
	return e.Type == EventNotification && e.NotifyMethod == MethodPublishDiagnostics
}
