package agent

import "time"

// Status describes where a request sits in its lifecycle as reported by
// the provider.
type Status string

const (
	// StatusPending means the provider accepted the request.
	StatusPending Status = "pending"
	// StatusPartial carries an incremental chunk of the answer.
	StatusPartial Status = "partial"
	// StatusComplete carries the final chunk. The request is done.
	StatusComplete Status = "complete"
	// StatusError means the request failed. Failure holds the reason.
	StatusError Status = "error"
)

// IsTerminal returns true once no further events can arrive for a request.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// EventType discriminates events emitted by a provider.
type EventType string

const (
	// EventResponse is a status update for a submitted request.
	EventResponse EventType = "response"
	// EventStderr is one diagnostic line from a local provider process.
	EventStderr EventType = "stderr"
	// EventExited means a local provider process terminated.
	EventExited EventType = "exited"
)

// FailureKind classifies why a request failed. Distinct kinds let the UI
// phrase transport problems differently from a provider saying no.
type FailureKind string

const (
	// FailTransport covers connection and I/O errors before any reply.
	FailTransport FailureKind = "transport"
	// FailStatus means the remote endpoint answered with a non-success
	// HTTP status. HTTPStatus holds the code.
	FailStatus FailureKind = "status"
	// FailPayload means the reply arrived but could not be decoded.
	FailPayload FailureKind = "payload"
	// FailProcess means the local provider process died mid-request.
	FailProcess FailureKind = "process"
	// FailTimeout means the profile's deadline passed with no answer.
	FailTimeout FailureKind = "timeout"
	// FailCanceled means the request was canceled by the user.
	FailCanceled FailureKind = "canceled"
)

// Failure describes a failed request.
type Failure struct {
	Kind       FailureKind
	HTTPStatus int
	Message    string
}

// Request is one prompt handed to a provider.
type Request struct {
	// ID correlates every later event with this request.
	ID string
	// ProfileID names the profile the request was submitted under.
	ProfileID string
	// Prompt is the user's instruction.
	Prompt string
	// Context carries workspace excerpts attached to the prompt.
	Context string
}

// Event is one typed occurrence from a provider. Raw provider output never
// crosses this boundary - stderr lines are stripped of control sequences
// and wire payloads are decoded before an Event is built.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// ProfileID is the originating profile.
	ProfileID string

	// Response fields
	RequestID string
	Status    Status
	Payload   string
	Patch     string
	Failure   *Failure

	// Stderr fields
	Line string

	// Exit fields
	ExitErr error
}

// IsFailure reports whether the event is a failed response.
func (e Event) IsFailure() bool {
	return e.Type == EventResponse && e.Status == StatusError
}
